package fspath

import (
	"strconv"
	"strings"
)

// Kind classifies which artifact file a parsed path refers to.
type Kind int

const (
	KindPrimary Kind = iota
	KindSideChannel
	KindManifest
	KindBoundary
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindSideChannel:
		return "side_channel"
	case KindManifest:
		return "manifest"
	case KindBoundary:
		return "boundary"
	default:
		return "unknown"
	}
}

// ParseResult is the tagged outcome of reverse-parsing a store-relative
// path. Recognized is false for any path that does not follow the store
// naming convention; no field beyond Path is meaningful in that case.
type ParseResult struct {
	Recognized bool
	Path       string

	FeedName  string
	MetaID    int64
	Type      Type
	ChildType Type // side-channel type, set when Kind is KindSideChannel or a side boundary
	DateShard string
	Kind      Kind
}

// Parse reverse-maps a path relative to a volume's "store" directory
// (forward slashes or OS separators) back to its record coordinates. It is
// built from the same grammar as ResolveRoot and never panics on malformed
// input; unrecognised shapes simply come back with Recognized=false.
func Parse(rel string) ParseResult {
	unrecognized := ParseResult{Path: rel}

	norm := strings.ReplaceAll(rel, "\\", "/")
	norm = strings.Trim(norm, "/")
	parts := strings.Split(norm, "/")

	// <TYPE>/yyyy/MM/dd/aaa/bbb/<file>
	if len(parts) != 7 {
		return unrecognized
	}

	typ := Type(parts[0])
	if _, ok := extensions[typ]; !ok {
		return unrecognized
	}

	year, month, day := parts[1], parts[2], parts[3]
	if !allDigits(year, 4) || !allDigits(month, 2) || !allDigits(day, 2) {
		return unrecognized
	}
	if !allDigits(parts[4], 3) || !allDigits(parts[5], 3) {
		return unrecognized
	}

	result := ParseResult{
		Path:      rel,
		Type:      typ,
		DateShard: year + "-" + month + "-" + day,
	}

	file := parts[6]
	eq := strings.IndexByte(file, '=')
	if eq <= 0 {
		return unrecognized
	}
	result.FeedName = file[:eq]

	rest := file[eq+1:]
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 {
		return unrecognized
	}
	idStr := rest[:dot]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return unrecognized
	}
	result.MetaID = id

	// The id directories must agree with the padded id.
	padded := PadID(id)
	if idStr != padded || parts[4] != padded[0:3] || parts[5] != padded[3:6] {
		return unrecognized
	}

	// Remaining tokens: <ext>[.<childToken>] + (.bgz | .mf.dat | .bdy.dat)
	suffix := rest[dot:]
	var tokens []string
	switch {
	case strings.HasSuffix(suffix, DataSuffix):
		tokens = splitTokens(strings.TrimSuffix(suffix, DataSuffix))
		result.Kind = KindPrimary
	case strings.HasSuffix(suffix, ManifestSuffix):
		tokens = splitTokens(strings.TrimSuffix(suffix, ManifestSuffix))
		result.Kind = KindManifest
	case strings.HasSuffix(suffix, BoundarySuffix):
		tokens = splitTokens(strings.TrimSuffix(suffix, BoundarySuffix))
		result.Kind = KindBoundary
	default:
		return unrecognized
	}

	switch len(tokens) {
	case 1:
		// primary extension only
	case 2:
		child, ok := typeByExtension[tokens[1]]
		if !ok {
			return unrecognized
		}
		result.ChildType = child
		if result.Kind == KindPrimary {
			result.Kind = KindSideChannel
		}
	default:
		return unrecognized
	}

	ext, ok := typeByExtension[tokens[0]]
	if !ok || ext != typ {
		return unrecognized
	}

	result.Recognized = true
	return result
}

func splitTokens(s string) []string {
	s = strings.Trim(s, ".")
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func allDigits(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
