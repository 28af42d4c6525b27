package volume

import (
	"fmt"
	"sort"
	"sync"
)

// Selector picks n distinct ACTIVE volumes for a new write. Fewer ACTIVE
// volumes than requested is a configuration error, not a retryable one.
type Selector interface {
	Select(n int) ([]Volume, error)
}

// NewSelector builds the selector named in configuration.
func NewSelector(name string, reg *Registry) (Selector, error) {
	switch name {
	case "round_robin":
		return NewRoundRobinSelector(reg), nil
	case "most_free":
		return NewMostFreeSelector(reg), nil
	default:
		return nil, fmt.Errorf("unknown volume selector %q", name)
	}
}

// RoundRobinSelector cycles through the ACTIVE set in id order, skipping
// volumes that went inactive since the last use and wrapping at the end.
type RoundRobinSelector struct {
	reg    *Registry
	mu     sync.Mutex
	cursor int // id of the last selected volume
}

func NewRoundRobinSelector(reg *Registry) *RoundRobinSelector {
	return &RoundRobinSelector{reg: reg}
}

func (s *RoundRobinSelector) Select(n int) ([]Volume, error) {
	active := s.reg.Active()
	if len(active) == 0 {
		return nil, ErrNoActiveVolume
	}
	if n > len(active) {
		return nil, fmt.Errorf("%w: need %d active volumes, have %d",
			ErrNoActiveVolume, n, len(active))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First active volume with id greater than the cursor, wrapping.
	start := 0
	for i, v := range active {
		if v.ID > s.cursor {
			start = i
			break
		}
	}

	out := make([]Volume, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, active[(start+i)%len(active)])
	}
	s.cursor = out[len(out)-1].ID
	return out, nil
}

// MostFreeSelector prefers the volumes with the greatest free-space ratio,
// breaking ties by lowest id.
type MostFreeSelector struct {
	reg *Registry
}

func NewMostFreeSelector(reg *Registry) *MostFreeSelector {
	return &MostFreeSelector{reg: reg}
}

func (s *MostFreeSelector) Select(n int) ([]Volume, error) {
	active := s.reg.Active()
	if len(active) == 0 {
		return nil, ErrNoActiveVolume
	}
	if n > len(active) {
		return nil, fmt.Errorf("%w: need %d active volumes, have %d",
			ErrNoActiveVolume, n, len(active))
	}

	sort.SliceStable(active, func(i, j int) bool {
		return freeRatio(active[i]) > freeRatio(active[j])
	})
	return active[:n], nil
}

func freeRatio(v Volume) float64 {
	if v.Capacity.BytesTotal <= 0 {
		return 0
	}
	return float64(v.Capacity.BytesFree) / float64(v.Capacity.BytesTotal)
}
