package volume

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gftdcojp/streamstore/internal/config"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, n int) *Registry {
	t.Helper()
	base := t.TempDir()
	var cfgs []config.VolumeConfig
	for i := 0; i < n; i++ {
		cfgs = append(cfgs, config.VolumeConfig{
			Path: filepath.Join(base, "vol"+string(rune('a'+i))),
		})
	}
	reg, err := NewRegistry(cfgs, zap.NewNop())
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return reg
}

func TestRegistryAssignsIDsFromPosition(t *testing.T) {
	reg := newTestRegistry(t, 3)
	vols := reg.List()
	if len(vols) != 3 {
		t.Fatalf("expected 3 volumes, got %d", len(vols))
	}
	for i, v := range vols {
		if v.ID != i+1 {
			t.Errorf("volume %d id = %d, want %d", i, v.ID, i+1)
		}
		if v.Status != StatusActive {
			t.Errorf("volume %d status = %v, want active", i, v.Status)
		}
		if _, err := os.Stat(v.Path); err != nil {
			t.Errorf("volume root %s not created: %v", v.Path, err)
		}
	}
}

func TestRegistryGetAndSetStatus(t *testing.T) {
	reg := newTestRegistry(t, 2)

	if err := reg.SetStatus(2, StatusInactive); err != nil {
		t.Fatal(err)
	}
	v, err := reg.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != StatusInactive {
		t.Errorf("status = %v, want inactive", v.Status)
	}

	if _, err := reg.Get(99); !errors.Is(err, ErrVolumeNotFound) {
		t.Errorf("expected ErrVolumeNotFound, got %v", err)
	}
	if err := reg.SetStatus(99, StatusActive); !errors.Is(err, ErrVolumeNotFound) {
		t.Errorf("expected ErrVolumeNotFound, got %v", err)
	}
}

func TestActiveAndScannableSets(t *testing.T) {
	reg := newTestRegistry(t, 3)
	reg.SetStatus(2, StatusInactive)
	reg.SetStatus(3, StatusClosed)

	active := reg.Active()
	if len(active) != 1 || active[0].ID != 1 {
		t.Errorf("active = %v, want only volume 1", active)
	}

	scannable := reg.Scannable()
	if len(scannable) != 2 || scannable[0].ID != 1 || scannable[1].ID != 2 {
		t.Errorf("scannable = %v, want volumes 1 and 2", scannable)
	}
}

func TestRefreshCapacity(t *testing.T) {
	reg := newTestRegistry(t, 1)
	reg.RefreshCapacity()
	v, err := reg.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if v.Capacity.BytesTotal <= 0 {
		t.Errorf("expected positive total bytes, got %d", v.Capacity.BytesTotal)
	}
	if v.Capacity.UpdatedAt.IsZero() {
		t.Error("expected capacity timestamp to be set")
	}
}

func TestRoundRobinCyclesAndWraps(t *testing.T) {
	reg := newTestRegistry(t, 3)
	sel := NewRoundRobinSelector(reg)

	var picked []int
	for i := 0; i < 6; i++ {
		vols, err := sel.Select(1)
		if err != nil {
			t.Fatal(err)
		}
		picked = append(picked, vols[0].ID)
	}
	want := []int{1, 2, 3, 1, 2, 3}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", picked, want)
		}
	}
}

func TestRoundRobinSkipsInactive(t *testing.T) {
	reg := newTestRegistry(t, 3)
	sel := NewRoundRobinSelector(reg)

	if _, err := sel.Select(1); err != nil { // volume 1
		t.Fatal(err)
	}
	reg.SetStatus(2, StatusInactive)

	vols, err := sel.Select(1)
	if err != nil {
		t.Fatal(err)
	}
	if vols[0].ID != 3 {
		t.Errorf("selected volume %d, want 3 (skipping inactive 2)", vols[0].ID)
	}
}

func TestRoundRobinMultiSelect(t *testing.T) {
	reg := newTestRegistry(t, 3)
	sel := NewRoundRobinSelector(reg)

	vols, err := sel.Select(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(vols) != 2 || vols[0].ID == vols[1].ID {
		t.Fatalf("expected 2 distinct volumes, got %v", vols)
	}
}

func TestSelectTooManyReplicas(t *testing.T) {
	reg := newTestRegistry(t, 2)
	reg.SetStatus(2, StatusInactive)

	for _, sel := range []Selector{NewRoundRobinSelector(reg), NewMostFreeSelector(reg)} {
		if _, err := sel.Select(2); !errors.Is(err, ErrNoActiveVolume) {
			t.Errorf("%T: expected ErrNoActiveVolume, got %v", sel, err)
		}
	}
}

func TestSelectNoActiveVolumes(t *testing.T) {
	reg := newTestRegistry(t, 1)
	reg.SetStatus(1, StatusClosed)

	for _, sel := range []Selector{NewRoundRobinSelector(reg), NewMostFreeSelector(reg)} {
		if _, err := sel.Select(1); !errors.Is(err, ErrNoActiveVolume) {
			t.Errorf("%T: expected ErrNoActiveVolume, got %v", sel, err)
		}
	}
}

func TestMostFreePrefersHighestRatio(t *testing.T) {
	reg := newTestRegistry(t, 3)
	reg.mu.Lock()
	reg.volumes[0].Capacity = Capacity{BytesFree: 10, BytesTotal: 100}
	reg.volumes[1].Capacity = Capacity{BytesFree: 90, BytesTotal: 100}
	reg.volumes[2].Capacity = Capacity{BytesFree: 50, BytesTotal: 100}
	reg.mu.Unlock()

	sel := NewMostFreeSelector(reg)
	vols, err := sel.Select(2)
	if err != nil {
		t.Fatal(err)
	}
	if vols[0].ID != 2 || vols[1].ID != 3 {
		t.Errorf("selection = %v, want volumes 2 then 3", vols)
	}
}

func TestMostFreeBreaksTiesByLowestID(t *testing.T) {
	reg := newTestRegistry(t, 3)
	reg.mu.Lock()
	for i := range reg.volumes {
		reg.volumes[i].Capacity = Capacity{BytesFree: 50, BytesTotal: 100}
	}
	reg.mu.Unlock()

	sel := NewMostFreeSelector(reg)
	vols, err := sel.Select(2)
	if err != nil {
		t.Fatal(err)
	}
	if vols[0].ID != 1 || vols[1].ID != 2 {
		t.Errorf("selection = %v, want volumes 1 then 2", vols)
	}
}

func TestNewSelector(t *testing.T) {
	reg := newTestRegistry(t, 1)
	if _, err := NewSelector("round_robin", reg); err != nil {
		t.Errorf("round_robin: %v", err)
	}
	if _, err := NewSelector("most_free", reg); err != nil {
		t.Errorf("most_free: %v", err)
	}
	if _, err := NewSelector("random", reg); err == nil {
		t.Error("expected error for unknown selector")
	}
}
