// Package fspath maps metadata records to their sharded on-disk locations
// and back. The forward mapping is pure and deterministic; the reverse
// parser recognises every file shape the store writes so that consistency
// scanners can classify files without a metadata lookup.
package fspath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StoreDirName is the fixed directory under every volume root that holds
// stream artifacts.
const StoreDirName = "store"

const (
	// DataSuffix is the block-gzip suffix of primary and side-channel files.
	DataSuffix = ".bgz"
	// ManifestSuffix marks the side-channel manifest file.
	ManifestSuffix = ".mf.dat"
	// BoundarySuffix marks the part boundary index file.
	BoundarySuffix = ".bdy.dat"
)

// Type identifies a stream type by its path token.
type Type string

const (
	TypeRawEvents    Type = "RAW_EVENTS"
	TypeRawReference Type = "RAW_REFERENCE"
	TypeEvents       Type = "EVENTS"
	TypeReference    Type = "REFERENCE"
	TypeTestEvents   Type = "TEST_EVENTS"
	TypeError        Type = "ERROR"
	TypeMeta         Type = "META"
	TypeContext      Type = "CONTEXT"
)

// extensions maps each stream type to its file extension. Types without a
// mapping cannot be stored; that is a configuration error, never a default.
var extensions = map[Type]string{
	TypeRawEvents:    "revt",
	TypeRawReference: "rref",
	TypeEvents:       "evt",
	TypeReference:    "ref",
	TypeTestEvents:   "tevt",
	TypeError:        "err",
	TypeMeta:         "meta",
	TypeContext:      "ctx",
}

var typeByExtension = func() map[string]Type {
	m := make(map[string]Type, len(extensions))
	for t, ext := range extensions {
		m[ext] = t
	}
	return m
}()

// ChildToken returns the filename token for a side-channel stream type.
// Side channels reuse the extension of their type ("meta", "ctx").
func ChildToken(t Type) (string, error) {
	ext, ok := extensions[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedType, t)
	}
	return ext, nil
}

var (
	ErrUnmappedType   = errors.New("stream type has no extension mapping")
	ErrInvalidFeed    = errors.New("feed name contains reserved characters")
	ErrInvalidMetaID  = errors.New("meta id must be positive")
	ErrNotDataPath    = errors.New("path does not end in a data suffix")
	ErrNotSidePath    = errors.New("path is not a side-channel data path")
	errUnknownElement = errors.New("unknown path element")
)

// ResolveRoot returns the absolute path of the primary data file for one
// record under one volume root:
//
//	<volumeRoot>/store/<TYPE>/<yyyy>/<MM>/<dd>/<id 0:3>/<id 3:6>/<feed>=<id>.<ext>.bgz
//
// Date components come from the record create time in UTC; the zero-padded
// id is split into three-digit groups to bound per-directory fan-out.
func ResolveRoot(volumeRoot, feedName string, metaID, createTimeMs int64, t Type) (string, error) {
	ext, ok := extensions[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnmappedType, t)
	}
	if metaID <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidMetaID, metaID)
	}
	if strings.ContainsAny(feedName, "=/\\") || feedName == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeed, feedName)
	}

	padded := PadID(metaID)
	ct := time.UnixMilli(createTimeMs).UTC()

	return filepath.Join(
		volumeRoot,
		StoreDirName,
		string(t),
		fmt.Sprintf("%04d", ct.Year()),
		fmt.Sprintf("%02d", ct.Month()),
		fmt.Sprintf("%02d", ct.Day()),
		padded[0:3],
		padded[3:6],
		feedName+"="+padded+"."+ext+DataSuffix,
	), nil
}

// PadID zero-pads a meta id to at least nine digits, extending to the next
// multiple of three for larger ids so directory grouping stays uniform.
func PadID(metaID int64) string {
	s := strconv.FormatInt(metaID, 10)
	width := 9
	if len(s) > width {
		width = (len(s) + 2) / 3 * 3
	}
	return strings.Repeat("0", width-len(s)) + s
}

// ResolveChild derives a side-channel file path from a primary data path by
// inserting the child type token before the compression suffix.
func ResolveChild(primaryPath string, childType Type) (string, error) {
	token, err := ChildToken(childType)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(primaryPath, DataSuffix) {
		return "", fmt.Errorf("%w: %q", ErrNotDataPath, primaryPath)
	}
	base := strings.TrimSuffix(primaryPath, DataSuffix)
	return base + "." + token + DataSuffix, nil
}

// ManifestPath returns the manifest file path for a primary data path.
func ManifestPath(primaryPath string) (string, error) {
	if !strings.HasSuffix(primaryPath, DataSuffix) {
		return "", fmt.Errorf("%w: %q", ErrNotDataPath, primaryPath)
	}
	return strings.TrimSuffix(primaryPath, DataSuffix) + ManifestSuffix, nil
}

// BoundaryPath returns the boundary index path for a data file path. Both
// primary and side-channel files carry their own boundary index when they
// hold more than one part.
func BoundaryPath(dataPath string) (string, error) {
	if !strings.HasSuffix(dataPath, DataSuffix) {
		return "", fmt.Errorf("%w: %q", ErrNotDataPath, dataPath)
	}
	return strings.TrimSuffix(dataPath, DataSuffix) + BoundarySuffix, nil
}
