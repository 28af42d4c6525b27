// Package scanner holds the consistency scanners that find disagreement
// between the metadata store and what actually exists on disk. Scanners
// only report; repair is a human or policy decision.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

// OrphanKind classifies a file scanner finding.
type OrphanKind int

const (
	// OrphanFile is a well-formed artifact file with no backing record or
	// no data volume association pointing at its volume.
	OrphanFile OrphanKind = iota
	// OrphanEmptyDir is an empty directory inside a store tree.
	OrphanEmptyDir
	// OrphanUnrecognized is a file that does not follow the store naming
	// convention at all.
	OrphanUnrecognized
)

func (k OrphanKind) String() string {
	switch k {
	case OrphanFile:
		return "orphan_file"
	case OrphanEmptyDir:
		return "orphan_empty_dir"
	case OrphanUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Orphan is one file scanner finding.
type Orphan struct {
	Kind     OrphanKind
	VolumeID int
	Path     string
	Parsed   fspath.ParseResult
}

// GroupKey aggregates orphan files for human review.
type GroupKey struct {
	Type      fspath.Type
	FeedName  string
	DateShard string
}

// FileSummary is the outcome of one orphan file scan. Partial is set when
// the scan was cancelled before completion.
type FileSummary struct {
	FilesScanned   int
	OrphanFiles    int
	EmptyDirs      int
	Unrecognized   int
	GroupCounts    map[GroupKey]int
	Partial        bool
	VolumesScanned int
}

// FileScanner walks every ACTIVE and INACTIVE volume tree and reports
// files and empty directories that no metadata record backs.
type FileScanner struct {
	registry    *volume.Registry
	meta        meta.Service
	dataVolumes meta.DataVolumes
	logger      *zap.Logger
}

func NewFileScanner(reg *volume.Registry, svc meta.Service, dv meta.DataVolumes, logger *zap.Logger) *FileScanner {
	return &FileScanner{registry: reg, meta: svc, dataVolumes: dv, logger: logger}
}

// Scan walks the volume trees depth-first, invoking consumer for every
// finding. Cancellation is checked between directory entries; a cancelled
// scan returns a summary marked Partial rather than an error.
func (s *FileScanner) Scan(ctx context.Context, consumer func(Orphan)) (FileSummary, error) {
	summary := FileSummary{GroupCounts: make(map[GroupKey]int)}

	for _, vol := range s.registry.Scannable() {
		storeRoot := filepath.Join(vol.Path, fspath.StoreDirName)
		if _, err := os.Stat(storeRoot); os.IsNotExist(err) {
			continue
		}
		summary.VolumesScanned++

		if err := s.scanDir(ctx, vol, storeRoot, storeRoot, consumer, &summary); err != nil {
			if ctx.Err() != nil {
				summary.Partial = true
				return summary, nil
			}
			return summary, fmt.Errorf("scanning volume %d: %w", vol.ID, err)
		}
	}

	if ctx.Err() != nil {
		summary.Partial = true
	}
	return summary, nil
}

func (s *FileScanner) scanDir(ctx context.Context, vol volume.Volume, storeRoot, dir string, consumer func(Orphan), summary *FileSummary) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot read directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	if len(entries) == 0 && dir != storeRoot {
		summary.EmptyDirs++
		consumer(Orphan{Kind: OrphanEmptyDir, VolumeID: vol.ID, Path: dir})
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := s.scanDir(ctx, vol, storeRoot, path, consumer, summary); err != nil {
				return err
			}
			continue
		}

		summary.FilesScanned++
		rel, err := filepath.Rel(storeRoot, path)
		if err != nil {
			return err
		}

		parsed := fspath.Parse(rel)
		if !parsed.Recognized {
			summary.Unrecognized++
			consumer(Orphan{Kind: OrphanUnrecognized, VolumeID: vol.ID, Path: path, Parsed: parsed})
			continue
		}

		orphaned, err := s.isOrphan(ctx, vol.ID, parsed)
		if err != nil {
			return err
		}
		if orphaned {
			summary.OrphanFiles++
			metrics.OrphanFiles.Inc()
			summary.GroupCounts[GroupKey{
				Type:      parsed.Type,
				FeedName:  parsed.FeedName,
				DateShard: parsed.DateShard,
			}]++
			consumer(Orphan{Kind: OrphanFile, VolumeID: vol.ID, Path: path, Parsed: parsed})
		}
	}
	return nil
}

// isOrphan reports whether no record with the parsed id has a data volume
// association pointing at this volume.
func (s *FileScanner) isOrphan(ctx context.Context, volumeID int, parsed fspath.ParseResult) (bool, error) {
	_, err := s.meta.Get(ctx, parsed.MetaID)
	if err != nil {
		if err == meta.ErrRecordNotFound {
			return true, nil
		}
		return false, err
	}

	volIDs, err := s.dataVolumes.GetDataVolumes(ctx, parsed.MetaID)
	if err != nil {
		return false, err
	}
	for _, id := range volIDs {
		if id == volumeID {
			return false, nil
		}
	}
	return true, nil
}
