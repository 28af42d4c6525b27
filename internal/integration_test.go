package internal_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gftdcojp/streamstore/internal/cleaner"
	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/purge"
	"github.com/gftdcojp/streamstore/internal/retention"
	"github.com/gftdcojp/streamstore/internal/scanner"
	"github.com/gftdcojp/streamstore/internal/store"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

type harness struct {
	store *store.Store
	meta  *meta.BoltService
	reg   *volume.Registry
	locks *locks.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()

	metaSvc, err := meta.NewBoltService(filepath.Join(base, "meta.db"), true, zap.NewNop())
	if err != nil {
		t.Fatalf("opening meta service: %v", err)
	}
	t.Cleanup(func() { metaSvc.Close() })

	reg, err := volume.NewRegistry([]config.VolumeConfig{
		{Path: filepath.Join(base, "vol1")},
		{Path: filepath.Join(base, "vol2")},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	lockReg := locks.NewRegistry()
	s := store.New(store.Options{
		Meta:             metaSvc,
		DataVolumes:      metaSvc,
		Registry:         reg,
		Selector:         volume.NewRoundRobinSelector(reg),
		Locks:            lockReg,
		ReplicationCount: 1,
		Logger:           zap.NewNop(),
	})
	return &harness{store: s, meta: metaSvc, reg: reg, locks: lockReg}
}

func (h *harness) ingest(t *testing.T, feed string, createdAgo time.Duration, parts ...string) meta.Record {
	t.Helper()
	ctx := context.Background()
	tgt, err := h.store.OpenTarget(ctx, meta.Properties{
		FeedName:     feed,
		TypeName:     "RAW_EVENTS",
		CreateTimeMs: time.Now().Add(-createdAgo).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("opening target: %v", err)
	}
	for _, data := range parts {
		p, err := tgt.NewPart()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Write([]byte(data)); err != nil {
			t.Fatal(err)
		}
		side, err := p.Side(fspath.TypeMeta)
		if err != nil {
			t.Fatal(err)
		}
		side.Write([]byte("hdr:" + data))
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if err := tgt.Close(ctx); err != nil {
		t.Fatal(err)
	}
	return tgt.Record()
}

func (h *harness) readPart(t *testing.T, id int64, part int) string {
	t.Helper()
	src, err := h.store.OpenSource(context.Background(), id, false)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	defer src.Close()
	p, err := src.Part(part)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := p.Data()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// TestRetentionAndPurgeFlow drives the full life of two streams: one old
// enough for its retention rule to expire it, one not. The retention pass
// logically deletes the old one, the purge pass then removes its files and
// record, and the store stays consistent throughout.
func TestRetentionAndPurgeFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := 24 * time.Hour

	recA := h.ingest(t, "F1", 0, "fresh data")
	recB := h.ingest(t, "F1", 60*day, "stale data")

	engine := retention.NewEngine(h.meta, []retention.Rule{
		{Name: "f1", Feed: "F1", Age: 55 * day},
	}, zap.NewNop())
	summary, err := engine.Run(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Scanned != 2 || summary.Deleted != 1 {
		t.Fatalf("retention summary = %+v, want 2 scanned, 1 deleted", summary)
	}

	// B is logically gone, files still on disk.
	if _, err := h.store.OpenSource(ctx, recB.ID, false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired record, got %v", err)
	}
	if got := h.readPart(t, recA.ID, 0); got != "fresh data" {
		t.Errorf("record A content = %q", got)
	}

	proc := purge.NewProcessor(h.meta, h.meta, h.reg, purge.Options{}, zap.NewNop())
	progress, err := proc.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if progress.SuccessCount != 1 || progress.FailureCount != 0 {
		t.Fatalf("purge progress = %+v, want one success", progress)
	}

	if _, err := h.meta.Get(ctx, recB.ID); err != meta.ErrRecordNotFound {
		t.Errorf("expected record B removed, got %v", err)
	}
	if got := h.readPart(t, recA.ID, 0); got != "fresh data" {
		t.Errorf("record A content after purge = %q", got)
	}

	// The scanners agree the store is consistent again.
	fs := scanner.NewFileScanner(h.reg, h.meta, h.meta, zap.NewNop())
	fileSummary, err := fs.Scan(ctx, func(o scanner.Orphan) {
		t.Errorf("unexpected orphan after purge: %+v", o)
	})
	if err != nil {
		t.Fatal(err)
	}
	if fileSummary.OrphanFiles != 0 {
		t.Errorf("file scan summary = %+v", fileSummary)
	}
	ms := scanner.NewMetaScanner(h.meta, h.reg, zap.NewNop())
	metaSummary, err := ms.Scan(ctx, func(rec meta.Record) {
		t.Errorf("unexpected orphan record: %+v", rec)
	})
	if err != nil {
		t.Fatal(err)
	}
	if metaSummary.OrphanRecords != 0 {
		t.Errorf("meta scan summary = %+v", metaSummary)
	}
}

// TestMultiPartLifecycle exercises a segmented stream with side channels
// end to end, including a post-hoc side channel append.
func TestMultiPartLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.ingest(t, "F2", 0, "part0", "part1", "part2")

	src, err := h.store.OpenSource(ctx, rec.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if src.PartCount() != 3 {
		t.Fatalf("part count = %d, want 3", src.PartCount())
	}
	for i, want := range []string{"part0", "part1", "part2"} {
		p, err := src.Part(i)
		if err != nil {
			t.Fatal(err)
		}
		rc, err := p.Side(fspath.TypeMeta)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "hdr:"+want {
			t.Errorf("meta side part %d = %q, want %q", i, data, "hdr:"+want)
		}
	}
	src.Close()

	// Append an error side channel after the fact.
	et, err := h.store.OpenExistingTarget(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := et.WriteSide(fspath.TypeError, strings.NewReader("processing failed")); err != nil {
		t.Fatal(err)
	}
	if err := et.Close(ctx); err != nil {
		t.Fatal(err)
	}

	src, err = h.store.OpenSource(ctx, rec.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if got := len(src.SideChannels()); got != 2 {
		t.Fatalf("side channels = %v, want ERROR and META", src.SideChannels())
	}
	p, err := src.Part(0)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := p.Side(fspath.TypeError)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "processing failed" {
		t.Errorf("error side = %q", data)
	}
}

// TestCleanerLeavesOpenTargetsAlone verifies the lock registry protects an
// in-progress write from the cleaner even when its files look stale.
func TestCleanerLeavesOpenTargetsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tgt, err := h.store.OpenTarget(ctx, meta.Properties{FeedName: "F1", TypeName: "RAW_EVENTS"})
	if err != nil {
		t.Fatal(err)
	}

	// A cleaner with zero minimum age would reap anything unlocked.
	c := cleaner.New(h.reg, h.locks, time.Nanosecond, zap.NewNop())
	time.Sleep(10 * time.Millisecond)
	c.Run(ctx)

	p, err := tgt.NewPart()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write([]byte("survived")); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tgt.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if got := h.readPart(t, tgt.Record().ID, 0); got != "survived" {
		t.Errorf("content = %q, want survived", got)
	}
}

// TestCleanerLeavesReopenedTargetsAlone verifies sealed files re-held by
// an append-only target survive an aggressive cleaner pass.
func TestCleanerLeavesReopenedTargetsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.ingest(t, "F1", 0, "payload")

	et, err := h.store.OpenExistingTarget(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}

	c := cleaner.New(h.reg, h.locks, time.Nanosecond, zap.NewNop())
	time.Sleep(10 * time.Millisecond)
	c.Run(ctx)

	if err := et.WriteSide(fspath.TypeError, strings.NewReader("late")); err != nil {
		t.Fatalf("appending side channel after cleaner pass: %v", err)
	}
	if err := et.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.readPart(t, rec.ID, 0); got != "payload" {
		t.Errorf("content = %q, want payload", got)
	}
}
