// Package volume tracks the storage roots that hold stream artifacts and
// selects a target root for new writes.
package volume

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gftdcojp/streamstore/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Status is the administrative use state of a volume. Only ACTIVE volumes
// receive new writes; INACTIVE volumes are still read and scanned; CLOSED
// volumes are ignored entirely.
type Status int

const (
	StatusActive Status = iota
	StatusInactive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "", "active":
		return StatusActive, nil
	case "inactive":
		return StatusInactive, nil
	case "closed":
		return StatusClosed, nil
	default:
		return 0, fmt.Errorf("unknown volume status %q", s)
	}
}

// Capacity is a point-in-time free-space snapshot, refreshed out-of-band.
// Staleness of a refresh interval is acceptable for selection purposes.
type Capacity struct {
	BytesUsed  int64
	BytesFree  int64
	BytesTotal int64
	UpdatedAt  time.Time
}

// Volume is one storage root. Ids are assigned from config list position
// and must stay stable across restarts because data volume associations
// reference them.
type Volume struct {
	ID       int
	Path     string
	Status   Status
	Capacity Capacity
}

var ErrNoActiveVolume = errors.New("no active volume available")

// ErrVolumeNotFound is returned when an id has no registered volume.
var ErrVolumeNotFound = errors.New("volume not found")

// Registry holds the known volumes. Reads vastly outnumber writes; state is
// guarded by a single RWMutex.
type Registry struct {
	mu      sync.RWMutex
	volumes []Volume
	logger  *zap.Logger
}

// NewRegistry builds a registry from configuration, creating each volume's
// store directory if needed.
func NewRegistry(cfgs []config.VolumeConfig, logger *zap.Logger) (*Registry, error) {
	r := &Registry{logger: logger}
	for i, vc := range cfgs {
		st, err := parseStatus(vc.Status)
		if err != nil {
			return nil, fmt.Errorf("volume %d: %w", i+1, err)
		}
		if st != StatusClosed {
			if err := os.MkdirAll(vc.Path, 0755); err != nil {
				return nil, fmt.Errorf("creating volume root %s: %w", vc.Path, err)
			}
		}
		r.volumes = append(r.volumes, Volume{
			ID:     i + 1,
			Path:   vc.Path,
			Status: st,
		})
	}
	return r, nil
}

// List returns a snapshot of all volumes in id order.
func (r *Registry) List() []Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Volume, len(r.volumes))
	copy(out, r.volumes)
	return out
}

// Get returns the volume with the given id.
func (r *Registry) Get(id int) (Volume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.volumes {
		if v.ID == id {
			return v, nil
		}
	}
	return Volume{}, fmt.Errorf("%w: %d", ErrVolumeNotFound, id)
}

// SetStatus changes a volume's use status.
func (r *Registry) SetStatus(id int, st Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.volumes {
		if r.volumes[i].ID == id {
			r.volumes[i].Status = st
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrVolumeNotFound, id)
}

// Active returns all ACTIVE volumes in id order.
func (r *Registry) Active() []Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Volume
	for _, v := range r.volumes {
		if v.Status == StatusActive {
			out = append(out, v)
		}
	}
	return out
}

// Scannable returns ACTIVE and INACTIVE volumes, the set the consistency
// scanners and the cleaner walk.
func (r *Registry) Scannable() []Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Volume
	for _, v := range r.volumes {
		if v.Status == StatusActive || v.Status == StatusInactive {
			out = append(out, v)
		}
	}
	return out
}

// RefreshCapacity re-probes free space on every non-closed volume.
func (r *Registry) RefreshCapacity() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.volumes {
		v := &r.volumes[i]
		if v.Status == StatusClosed {
			continue
		}
		var st unix.Statfs_t
		if err := unix.Statfs(v.Path, &st); err != nil {
			r.logger.Warn("statfs failed",
				zap.String("path", v.Path),
				zap.Error(err),
			)
			continue
		}
		total := int64(st.Blocks) * int64(st.Bsize)
		free := int64(st.Bavail) * int64(st.Bsize)
		v.Capacity = Capacity{
			BytesTotal: total,
			BytesFree:  free,
			BytesUsed:  total - free,
			UpdatedAt:  time.Now(),
		}
	}
}
