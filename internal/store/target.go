package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

// Target is the write handle for one logical record, fanning every write
// out to all replica volumes. Writes are strictly ordered within the
// target; each part session seals one boundary. The handle is single-use:
// once closed, all operations fail with ErrClosed.
type Target struct {
	store *Store
	rec   *meta.Record

	mu         sync.Mutex
	replicas   []*replica
	sideOrder  []fspath.Type
	parts      int
	appendOnly bool
	// existingSides is the sealed manifest content when re-opened for
	// post-hoc side channels.
	existingSides []fspath.Type
	open          *PartWriter
	closed        bool
}

// replica is the per-volume set of open artifact files.
type replica struct {
	vol          volume.Volume
	primaryPath  string
	manifestPath string
	primary      *os.File // nil when the target is append-only
	offsets      []uint64
	sides        map[fspath.Type]*sideFile
	lockedPaths  []string
	lockReg      *locks.Registry
}

type sideFile struct {
	path    string
	f       *os.File
	offsets []uint64
}

// Record returns the metadata record the target writes to.
func (t *Target) Record() meta.Record {
	return *t.rec
}

// NewPart starts a write session on the primary stream. Exactly one part
// may be open at a time; closing the part seals its boundary.
func (t *Target) NewPart() (*PartWriter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.appendOnly {
		return nil, fmt.Errorf("%w: primary data of record %d is sealed", ErrInvalidState, t.rec.ID)
	}
	if t.open != nil {
		return nil, fmt.Errorf("%w: a part is already open", ErrInvalidState)
	}

	p := &PartWriter{t: t, sideOpen: make(map[fspath.Type]bool)}
	writers := make([]io.Writer, 0, len(t.replicas))
	for _, r := range t.replicas {
		gz := gzip.NewWriter(r.primary)
		p.primaryGz = append(p.primaryGz, gz)
		writers = append(writers, gz)
	}
	p.primary = io.MultiWriter(writers...)
	t.open = p
	return p, nil
}

// WriteSide appends a whole side channel as a single part. Only valid on a
// target re-opened with OpenExistingTarget; during the initial write, side
// channels are addressed per part through PartWriter.Side.
func (t *Target) WriteSide(childType fspath.Type, src io.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.appendOnly {
		return fmt.Errorf("%w: side channels are written per part on an open target", ErrInvalidState)
	}
	for _, existing := range t.existingSides {
		if existing == childType {
			return fmt.Errorf("%w: side channel %s already present", ErrInvalidState, childType)
		}
	}
	for _, added := range t.sideOrder {
		if added == childType {
			return fmt.Errorf("%w: side channel %s already present", ErrInvalidState, childType)
		}
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("reading side channel content: %w", err)
	}

	for _, r := range t.replicas {
		path, err := fspath.ResolveChild(r.primaryPath, childType)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("creating side channel file: %w", err)
		}
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("writing side channel: %w", err)
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("sealing side channel: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		if r.lockReg != nil {
			r.lockReg.Acquire(path)
			r.lockedPaths = append(r.lockedPaths, path)
		}
	}

	t.sideOrder = append(t.sideOrder, childType)
	return nil
}

// Close seals all artifact files, writes boundary indexes and the final
// manifest on every replica, and transitions the record to UNLOCKED. A
// second close fails with ErrClosed.
func (t *Target) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.open != nil {
		return fmt.Errorf("%w: part still open", ErrInvalidState)
	}

	allSides := append(append([]fspath.Type{}, t.existingSides...), t.sideOrder...)

	for _, r := range t.replicas {
		if err := r.seal(t.parts, allSides, t.appendOnly); err != nil {
			return err
		}
	}
	t.releaseLocks()

	ok, err := t.store.meta.UpdateStatus(ctx, t.rec.ID, meta.StatusLocked, meta.StatusUnlocked)
	if err != nil {
		return err
	}
	if !ok {
		// The record left LOCKED under us, e.g. via a concurrent logical
		// delete. The files are sealed either way.
		t.store.logger.Warn("record no longer locked on close",
			zap.Int64("meta_id", t.rec.ID))
	}
	t.closed = true

	t.store.logger.Debug("target closed",
		zap.Int64("meta_id", t.rec.ID),
		zap.Int("parts", t.parts),
		zap.Int("side_channels", len(allSides)),
	)
	return nil
}

// Delete marks the record DELETED. Idempotent; safe on open, closed or
// already-deleted targets. Files are left for the physical delete pass.
func (t *Target) Delete(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		if t.open != nil {
			t.open.discard()
			t.open = nil
		}
		for _, r := range t.replicas {
			r.closeFiles()
		}
		t.releaseLocks()
		t.closed = true
	}
	t.mu.Unlock()

	for _, from := range []meta.Status{meta.StatusLocked, meta.StatusUnlocked} {
		ok, err := t.store.meta.UpdateStatus(ctx, t.rec.ID, from, meta.StatusDeleted)
		if err != nil {
			if errors.Is(err, meta.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if ok {
			return nil
		}
	}
	// Already deleted.
	return nil
}

// abandon tears down a half-constructed target during OpenTarget failure.
func (t *Target) abandon(ctx context.Context) {
	for _, r := range t.replicas {
		r.closeFiles()
	}
	t.releaseLocks()
	t.closed = true
	t.store.meta.UpdateStatus(ctx, t.rec.ID, meta.StatusLocked, meta.StatusDeleted)
}

func (t *Target) releaseLocks() {
	for _, r := range t.replicas {
		if r.lockReg != nil {
			r.lockReg.Release(r.lockedPaths...)
			r.lockedPaths = nil
		}
	}
}

// PartWriter writes one part of the primary stream and, by name, the
// matching part of any side channel.
type PartWriter struct {
	t         *Target
	primary   io.Writer
	primaryGz []*gzip.Writer
	sideGz    map[fspath.Type][]*gzip.Writer
	sideW     map[fspath.Type]io.Writer
	sideOpen  map[fspath.Type]bool
	closed    bool
}

func (p *PartWriter) Write(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := p.primary.Write(b)
	metrics.BytesWritten.WithLabelValues(p.t.rec.TypeName).Add(float64(n))
	return n, err
}

// Side returns the writer for a named side channel within this part. The
// side channel file is created on first use and kept part-aligned with the
// primary across the artifact's lifetime.
func (p *PartWriter) Side(childType fspath.Type) (io.Writer, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if w, ok := p.sideW[childType]; ok {
		return w, nil
	}

	if p.sideW == nil {
		p.sideW = make(map[fspath.Type]io.Writer)
		p.sideGz = make(map[fspath.Type][]*gzip.Writer)
	}

	writers := make([]io.Writer, 0, len(p.t.replicas))
	for _, r := range p.t.replicas {
		sf, err := r.side(childType, p.t.parts)
		if err != nil {
			return nil, err
		}
		gz := gzip.NewWriter(sf.f)
		p.sideGz[childType] = append(p.sideGz[childType], gz)
		writers = append(writers, gz)
	}
	w := io.MultiWriter(writers...)
	p.sideW[childType] = w
	p.sideOpen[childType] = true

	known := false
	for _, existing := range p.t.sideOrder {
		if existing == childType {
			known = true
			break
		}
	}
	if !known {
		p.t.sideOrder = append(p.t.sideOrder, childType)
	}
	return w, nil
}

// Close seals the part: every open gzip member is finished and its end
// offset recorded as this part's boundary. Side channels not written in
// this part receive an empty member to stay part-aligned.
func (p *PartWriter) Close() error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for i, r := range p.t.replicas {
		if err := p.primaryGz[i].Close(); err != nil {
			return fmt.Errorf("sealing part: %w", err)
		}
		off, err := r.primary.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		r.offsets = append(r.offsets, uint64(off))

		for childType, sf := range r.sides {
			if p.sideOpen[childType] {
				if err := p.sideGz[childType][i].Close(); err != nil {
					return fmt.Errorf("sealing side channel part: %w", err)
				}
			} else if err := appendEmptyMember(sf.f); err != nil {
				return err
			}
			soff, err := sf.f.Seek(0, io.SeekCurrent)
			if err != nil {
				return err
			}
			sf.offsets = append(sf.offsets, uint64(soff))
		}
	}

	p.closed = true
	p.t.parts++
	p.t.open = nil
	return nil
}

func (p *PartWriter) discard() {
	p.closed = true
}

// side returns the replica's side channel file, creating it and
// backfilling empty members for earlier parts on first use.
func (r *replica) side(childType fspath.Type, partsSoFar int) (*sideFile, error) {
	if sf, ok := r.sides[childType]; ok {
		return sf, nil
	}

	path, err := fspath.ResolveChild(r.primaryPath, childType)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating side channel file: %w", err)
	}

	sf := &sideFile{path: path, f: f}
	for i := 0; i < partsSoFar; i++ {
		if err := appendEmptyMember(f); err != nil {
			f.Close()
			return nil, err
		}
		off, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			f.Close()
			return nil, err
		}
		sf.offsets = append(sf.offsets, uint64(off))
	}

	if r.lockReg != nil {
		r.lockReg.Acquire(path)
		r.lockedPaths = append(r.lockedPaths, path)
	}
	r.sides[childType] = sf
	return sf, nil
}

// seal finishes all of a replica's files: boundary indexes for multi-part
// files, the authoritative manifest, then fsync and close.
func (r *replica) seal(parts int, sides []fspath.Type, appendOnly bool) error {
	if !appendOnly {
		if parts > 1 {
			bp, err := fspath.BoundaryPath(r.primaryPath)
			if err != nil {
				return err
			}
			if err := writeBoundaryFile(bp, r.offsets); err != nil {
				return err
			}
		}
		for _, sf := range r.sides {
			if len(sf.offsets) > 1 {
				bp, err := fspath.BoundaryPath(sf.path)
				if err != nil {
					return err
				}
				if err := writeBoundaryFile(bp, sf.offsets); err != nil {
					return err
				}
			}
		}
	}

	manifestPath := r.manifestPath
	if manifestPath == "" {
		var err error
		manifestPath, err = fspath.ManifestPath(r.primaryPath)
		if err != nil {
			return err
		}
	}
	if err := writeManifestFile(manifestPath, sides); err != nil {
		return err
	}

	return r.closeFiles()
}

func (r *replica) closeFiles() error {
	var firstErr error
	if r.primary != nil {
		r.primary.Sync()
		if err := r.primary.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.primary = nil
	}
	for _, sf := range r.sides {
		if sf.f != nil {
			sf.f.Sync()
			if err := sf.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			sf.f = nil
		}
	}
	return firstErr
}

func appendEmptyMember(f *os.File) error {
	gz := gzip.NewWriter(f)
	return gz.Close()
}
