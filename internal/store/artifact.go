package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/meta"
)

// ListArtifactFiles returns every on-disk file belonging to one record
// under one volume root: primary, side channels, manifest and boundary
// indexes. It lists by filename prefix rather than reading the manifest so
// that files of partially written artifacts are found too.
func ListArtifactFiles(volumeRoot string, rec meta.Record) ([]string, error) {
	primary, err := fspath.ResolveRoot(volumeRoot, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(primary)
	prefix := rec.FeedName + "=" + fspath.PadID(rec.ID) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
