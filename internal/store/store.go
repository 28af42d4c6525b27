// Package store manages the write/read lifecycle of segmented stream
// artifacts on filesystem volumes: opening write targets, sealing them,
// reading parts back, and logical deletion.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

// Options collects the collaborators a Store needs.
type Options struct {
	Meta             meta.Service
	DataVolumes      meta.DataVolumes
	Registry         *volume.Registry
	Selector         volume.Selector
	Locks            *locks.Registry
	ReplicationCount int
	Logger           *zap.Logger
}

// Store opens targets and sources for logical records. All methods are safe
// for concurrent use; two targets for different records never contend.
type Store struct {
	meta        meta.Service
	dataVolumes meta.DataVolumes
	registry    *volume.Registry
	selector    volume.Selector
	locks       *locks.Registry
	replication int
	logger      *zap.Logger
}

func New(opts Options) *Store {
	replication := opts.ReplicationCount
	if replication < 1 {
		replication = 1
	}
	return &Store{
		meta:        opts.Meta,
		dataVolumes: opts.DataVolumes,
		registry:    opts.Registry,
		selector:    opts.Selector,
		locks:       opts.Locks,
		replication: replication,
		logger:      opts.Logger,
	}
}

// OpenTarget creates a new LOCKED record and an artifact shell on each of
// the configured number of replica volumes, returning the write handle.
func (s *Store) OpenTarget(ctx context.Context, props meta.Properties) (*Target, error) {
	vols, err := s.selector.Select(s.replication)
	if err != nil {
		return nil, fmt.Errorf("selecting volumes: %w", err)
	}

	rec, err := s.meta.CreateLocked(ctx, props)
	if err != nil {
		return nil, err
	}

	t := &Target{store: s, rec: rec}
	for _, vol := range vols {
		r, err := newReplica(vol, rec, s.locks)
		if err != nil {
			t.abandon(ctx)
			return nil, err
		}
		t.replicas = append(t.replicas, r)
		if err := s.dataVolumes.AddDataVolume(ctx, rec.ID, vol.ID); err != nil {
			t.abandon(ctx)
			return nil, fmt.Errorf("recording data volume: %w", err)
		}
	}

	metrics.RecordsCreated.Inc()
	s.logger.Debug("target opened",
		zap.Int64("meta_id", rec.ID),
		zap.String("feed", rec.FeedName),
		zap.String("type", rec.TypeName),
		zap.Int("replicas", len(vols)),
	)
	return t, nil
}

// OpenExistingTarget re-opens a sealed artifact strictly to append
// additional named side channels. Primary data cannot be written through
// the returned target.
func (s *Store) OpenExistingTarget(ctx context.Context, id int64) (*Target, error) {
	rec, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: record %d", ErrNotFound, id)
		}
		return nil, err
	}
	switch rec.Status {
	case meta.StatusDeleted:
		return nil, fmt.Errorf("%w: record %d is deleted", ErrNotFound, id)
	case meta.StatusLocked:
		return nil, fmt.Errorf("%w: record %d is locked by another target", ErrInvalidState, id)
	}

	ok, err := s.meta.UpdateStatus(ctx, id, meta.StatusUnlocked, meta.StatusLocked)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: record %d changed status concurrently", ErrInvalidState, id)
	}
	rec.Status = meta.StatusLocked

	volIDs, err := s.dataVolumes.GetDataVolumes(ctx, id)
	if err != nil {
		return nil, err
	}

	t := &Target{store: s, rec: rec, appendOnly: true}
	for _, volID := range volIDs {
		vol, err := s.registry.Get(volID)
		if err != nil || vol.Status == volume.StatusClosed {
			continue
		}
		primary, err := fspath.ResolveRoot(vol.Path, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(primary); err != nil {
			continue
		}
		t.replicas = append(t.replicas, &replica{
			vol:         vol,
			primaryPath: primary,
			sides:       make(map[fspath.Type]*sideFile),
			lockReg:     s.locks,
		})
	}
	if len(t.replicas) == 0 {
		s.meta.UpdateStatus(ctx, id, meta.StatusLocked, meta.StatusUnlocked)
		return nil, fmt.Errorf("%w: record %d has no backing files", ErrNotFound, id)
	}

	fail := func(err error) (*Target, error) {
		s.meta.UpdateStatus(ctx, id, meta.StatusLocked, meta.StatusUnlocked)
		return nil, err
	}

	manifestPath, err := fspath.ManifestPath(t.replicas[0].primaryPath)
	if err != nil {
		return fail(err)
	}
	t.existingSides, err = readManifestFile(manifestPath)
	if err != nil {
		return fail(err)
	}

	// The sealed files come under the lock registry for as long as the
	// target is open, keeping the cleaner away from them. Boundary
	// indexes only exist for multi-part files, so they are locked when
	// present on disk.
	withBoundary := func(paths []string, path string) []string {
		paths = append(paths, path)
		if bp, err := fspath.BoundaryPath(path); err == nil {
			if _, err := os.Stat(bp); err == nil {
				paths = append(paths, bp)
			}
		}
		return paths
	}
	for _, r := range t.replicas {
		mp, err := fspath.ManifestPath(r.primaryPath)
		if err != nil {
			t.releaseLocks()
			return fail(err)
		}
		r.manifestPath = mp
		paths := withBoundary([]string{mp}, r.primaryPath)
		for _, side := range t.existingSides {
			sp, err := fspath.ResolveChild(r.primaryPath, side)
			if err != nil {
				t.releaseLocks()
				return fail(err)
			}
			paths = withBoundary(paths, sp)
		}
		s.locks.Acquire(paths...)
		r.lockedPaths = paths
	}
	return t, nil
}

// OpenSource opens a read handle for a sealed artifact. Logically deleted
// records are invisible unless allowDeleted is set.
func (s *Store) OpenSource(ctx context.Context, id int64, allowDeleted bool) (*Source, error) {
	rec, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: record %d", ErrNotFound, id)
		}
		return nil, err
	}
	if rec.Status == meta.StatusDeleted && !allowDeleted {
		return nil, fmt.Errorf("%w: record %d is deleted", ErrNotFound, id)
	}
	if rec.Status == meta.StatusLocked {
		return nil, fmt.Errorf("%w: record %d is still being written", ErrInvalidState, id)
	}

	volIDs, err := s.dataVolumes.GetDataVolumes(ctx, id)
	if err != nil {
		return nil, err
	}

	var primaryPath string
	for _, volID := range volIDs {
		vol, err := s.registry.Get(volID)
		if err != nil || vol.Status == volume.StatusClosed {
			continue
		}
		p, err := fspath.ResolveRoot(vol.Path, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err == nil {
			primaryPath = p
			break
		}
	}
	if primaryPath == "" {
		return nil, fmt.Errorf("%w: record %d has no backing files", ErrNotFound, id)
	}

	return newSource(rec, primaryPath)
}

// DeleteTarget logically deletes the record behind a target. It is
// idempotent and safe to call on an open or closed target.
func (s *Store) DeleteTarget(ctx context.Context, t *Target) error {
	return t.Delete(ctx)
}

// DeleteStream marks an UNLOCKED record DELETED. Deleting an
// already-deleted record is a no-op.
func (s *Store) DeleteStream(ctx context.Context, id int64) error {
	_, err := s.meta.UpdateStatus(ctx, id, meta.StatusUnlocked, meta.StatusDeleted)
	if err != nil && errors.Is(err, meta.ErrRecordNotFound) {
		return fmt.Errorf("%w: record %d", ErrNotFound, id)
	}
	return err
}

// FindEffective returns the UNLOCKED records of one feed and stream type
// whose effective time falls in the inclusive window. When the window is
// empty it falls back to the single most recently effective record at or
// before the window start.
func (s *Store) FindEffective(ctx context.Context, feedName, typeName string, fromMs, toMs int64) ([]meta.Record, error) {
	unlocked := meta.StatusUnlocked
	recs, err := s.meta.Find(ctx, meta.Criteria{
		FeedName:        feedName,
		TypeName:        typeName,
		Status:          &unlocked,
		EffectiveFromMs: fromMs,
		EffectiveToMs:   toMs,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		return recs, nil
	}

	// Most recently effective at or before the window start.
	earlier, err := s.meta.Find(ctx, meta.Criteria{
		FeedName:      feedName,
		TypeName:      typeName,
		Status:        &unlocked,
		EffectiveToMs: fromMs,
	})
	if err != nil {
		return nil, err
	}
	var best *meta.Record
	for i := range earlier {
		if best == nil || earlier[i].EffectiveTimeMs > best.EffectiveTimeMs {
			best = &earlier[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	return []meta.Record{*best}, nil
}

// newReplica creates the artifact shell for one volume: the empty primary
// file and an initial empty manifest, both registered with the lock
// registry so the cleaner leaves them alone.
func newReplica(vol volume.Volume, rec *meta.Record, reg *locks.Registry) (*replica, error) {
	primary, err := fspath.ResolveRoot(vol.Path, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
	if err != nil {
		return nil, err
	}
	manifest, err := fspath.ManifestPath(primary)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(primary), 0755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	f, err := os.OpenFile(primary, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating primary file: %w", err)
	}
	if err := writeManifestFile(manifest, nil); err != nil {
		f.Close()
		os.Remove(primary)
		return nil, err
	}

	reg.Acquire(primary, manifest)
	return &replica{
		vol:          vol,
		primaryPath:  primary,
		manifestPath: manifest,
		primary:      f,
		sides:        make(map[fspath.Type]*sideFile),
		lockedPaths:  []string{primary, manifest},
		lockReg:      reg,
	}, nil
}
