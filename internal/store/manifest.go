package store

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gftdcojp/streamstore/internal/fspath"
)

// The manifest is the authoritative list of side channels for an artifact:
// one stream type token per line, sorted. Once sealed, a side channel file
// missing despite a manifest entry is a corruption signal.

func writeManifestFile(path string, sides []fspath.Type) error {
	tokens := make([]string, 0, len(sides))
	for _, t := range sides {
		tokens = append(tokens, string(t))
	}
	sort.Strings(tokens)

	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteString(tok)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// readManifestFile loads the side-channel list. A missing manifest yields
// an empty list: artifacts abandoned before sealing have no side channels
// to promise.
func readManifestFile(path string) ([]fspath.Type, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var sides []fspath.Type
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sides = append(sides, fspath.Type(line))
		}
	}
	return sides, nil
}
