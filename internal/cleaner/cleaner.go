// Package cleaner removes stale files and abandoned directories from
// volume store trees without disturbing in-progress writes. It is
// best-effort hygiene: individual failures are logged, never fatal.
package cleaner

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

// Summary is the outcome of one cleaning pass.
type Summary struct {
	FilesDeleted int
	DirsDeleted  int
	Failures     int
	Partial      bool
}

// Cleaner walks volume trees bottom-up deleting entries older than the
// configured age, skipping any path currently held by an open target. A
// directory holding any young file is left untouched, old siblings
// included.
type Cleaner struct {
	registry *volume.Registry
	locks    *locks.Registry
	minAge   time.Duration
	logger   *zap.Logger
}

func New(reg *volume.Registry, lockReg *locks.Registry, minAge time.Duration, logger *zap.Logger) *Cleaner {
	return &Cleaner{registry: reg, locks: lockReg, minAge: minAge, logger: logger}
}

// Run cleans every ACTIVE and INACTIVE volume. Cancellation is checked
// between directory entries and yields a summary marked Partial.
func (c *Cleaner) Run(ctx context.Context) Summary {
	var summary Summary
	cutoff := time.Now().Add(-c.minAge)

	for _, vol := range c.registry.Scannable() {
		storeRoot := filepath.Join(vol.Path, fspath.StoreDirName)
		if _, err := os.Stat(storeRoot); os.IsNotExist(err) {
			continue
		}
		// The store root itself is never deleted.
		c.cleanDir(ctx, storeRoot, cutoff, false, &summary)
		if ctx.Err() != nil {
			summary.Partial = true
			return summary
		}
	}
	return summary
}

// cleanDir removes eligible contents of dir bottom-up, then dir itself
// when deletable and left empty. It returns true when dir no longer
// exists.
func (c *Cleaner) cleanDir(ctx context.Context, dir string, cutoff time.Time, deletable bool, summary *Summary) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("cannot read directory", zap.String("dir", dir), zap.Error(err))
		summary.Failures++
		return false
	}

	// A young file marks its directory as live: its old siblings are
	// kept alongside it. An unreadable entry counts as young.
	live := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			live = true
			break
		}
	}

	remaining := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return false
		}
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if !c.cleanDir(ctx, path, cutoff, true, summary) {
				remaining++
			}
			continue
		}

		if live || !c.removeFile(path, entry, cutoff, summary) {
			remaining++
		}
	}

	if !deletable || remaining > 0 {
		return false
	}

	info, err := os.Stat(dir)
	if err != nil || info.ModTime().After(cutoff) {
		return false
	}
	if err := os.Remove(dir); err != nil {
		c.logger.Warn("cannot remove directory", zap.String("dir", dir), zap.Error(err))
		summary.Failures++
		return false
	}
	summary.DirsDeleted++
	metrics.CleanerDeletes.Inc()
	return true
}

// removeFile deletes one stale, unlocked file; returns true when the file
// is gone.
func (c *Cleaner) removeFile(path string, entry os.DirEntry, cutoff time.Time, summary *Summary) bool {
	info, err := entry.Info()
	if err != nil {
		summary.Failures++
		return false
	}
	if info.ModTime().After(cutoff) {
		return false
	}
	if c.locks.Held(path) {
		c.logger.Debug("skipping file held by open target", zap.String("path", path))
		return false
	}
	if err := os.Remove(path); err != nil {
		c.logger.Warn("cannot remove file", zap.String("path", path), zap.Error(err))
		summary.Failures++
		return false
	}
	summary.FilesDeleted++
	metrics.CleanerDeletes.Inc()
	return true
}
