package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/gftdcojp/streamstore/internal/meta"
	"go.uber.org/zap"
)

func newTestMeta(t *testing.T) *meta.BoltService {
	t.Helper()
	svc, err := meta.NewBoltService(filepath.Join(t.TempDir(), "meta.db"), true, zap.NewNop())
	if err != nil {
		t.Fatalf("opening meta service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func mkUnlocked(t *testing.T, svc *meta.BoltService, feed, typeName string, age time.Duration) int64 {
	t.Helper()
	ctx := context.Background()
	rec, err := svc.CreateLocked(ctx, meta.Properties{
		FeedName:     feed,
		TypeName:     typeName,
		CreateTimeMs: time.Now().Add(-age).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, rec.ID, meta.StatusLocked, meta.StatusUnlocked); err != nil {
		t.Fatal(err)
	}
	return rec.ID
}

func status(t *testing.T, svc *meta.BoltService, id int64) meta.Status {
	t.Helper()
	rec, err := svc.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Status
}

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestAgeBoundary(t *testing.T) {
	svc := newTestMeta(t)
	young := mkUnlocked(t, svc, "F1", "RAW_EVENTS", day(50))
	old := mkUnlocked(t, svc, "F1", "RAW_EVENTS", day(60))

	engine := NewEngine(svc, []Rule{{Name: "f1", Feed: "F1", Age: day(55)}}, zap.NewNop())
	summary, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if summary.Scanned != 2 || summary.Matched != 2 || summary.Deleted != 1 {
		t.Errorf("summary = %+v, want scanned 2, matched 2, deleted 1", summary)
	}
	if got := status(t, svc, young); got != meta.StatusUnlocked {
		t.Errorf("young record status = %v, want unlocked", got)
	}
	if got := status(t, svc, old); got != meta.StatusDeleted {
		t.Errorf("old record status = %v, want deleted", got)
	}
}

func TestFirstMatchingRuleGoverns(t *testing.T) {
	svc := newTestMeta(t)
	// 30 days old: the first rule (10d) would expire it, the second (90d)
	// would keep it. Order decides.
	id := mkUnlocked(t, svc, "F1", "RAW_EVENTS", day(30))

	engine := NewEngine(svc, []Rule{
		{Name: "short", Feed: "F1", Age: day(10)},
		{Name: "long", Feed: "*", Age: day(90)},
	}, zap.NewNop())
	if _, err := engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := status(t, svc, id); got != meta.StatusDeleted {
		t.Errorf("status = %v, want deleted per first matching rule", got)
	}

	// Reversed order: the 90d rule wins and the record survives.
	svc2 := newTestMeta(t)
	id2 := mkUnlocked(t, svc2, "F1", "RAW_EVENTS", day(30))
	engine = NewEngine(svc2, []Rule{
		{Name: "long", Feed: "*", Age: day(90)},
		{Name: "short", Feed: "F1", Age: day(10)},
	}, zap.NewNop())
	if _, err := engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := status(t, svc2, id2); got != meta.StatusUnlocked {
		t.Errorf("status = %v, want unlocked per first matching rule", got)
	}
}

func TestForeverExempts(t *testing.T) {
	svc := newTestMeta(t)
	id := mkUnlocked(t, svc, "AUDIT", "EVENTS", day(1000))

	engine := NewEngine(svc, []Rule{
		{Name: "keep", Feed: "AUDIT", Forever: true},
		{Name: "expire", Feed: "*", Age: day(1)},
	}, zap.NewNop())
	summary, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", summary.Deleted)
	}
	if got := status(t, svc, id); got != meta.StatusUnlocked {
		t.Errorf("status = %v, want unlocked", got)
	}
}

func TestNoMatchingRuleKeeps(t *testing.T) {
	svc := newTestMeta(t)
	id := mkUnlocked(t, svc, "OTHER", "EVENTS", day(1000))

	engine := NewEngine(svc, []Rule{{Name: "f1-only", Feed: "F1", Age: day(1)}}, zap.NewNop())
	summary, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Matched != 0 || summary.Deleted != 0 {
		t.Errorf("summary = %+v, want nothing matched", summary)
	}
	if got := status(t, svc, id); got != meta.StatusUnlocked {
		t.Errorf("status = %v, want unlocked", got)
	}
}

func TestGlobAndTypeMatching(t *testing.T) {
	svc := newTestMeta(t)
	prodRaw := mkUnlocked(t, svc, "PROD-A", "RAW_EVENTS", day(10))
	prodEvt := mkUnlocked(t, svc, "PROD-A", "EVENTS", day(10))
	test := mkUnlocked(t, svc, "TEST-A", "RAW_EVENTS", day(10))

	engine := NewEngine(svc, []Rule{
		{Name: "prod-raw", Feed: "PROD-*", StreamType: "RAW_EVENTS", Age: day(5)},
	}, zap.NewNop())
	if _, err := engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	if got := status(t, svc, prodRaw); got != meta.StatusDeleted {
		t.Errorf("PROD-A/RAW_EVENTS status = %v, want deleted", got)
	}
	if got := status(t, svc, prodEvt); got != meta.StatusUnlocked {
		t.Errorf("PROD-A/EVENTS status = %v, want unlocked", got)
	}
	if got := status(t, svc, test); got != meta.StatusUnlocked {
		t.Errorf("TEST-A status = %v, want unlocked", got)
	}
}

func TestLockedRecordsUntouched(t *testing.T) {
	svc := newTestMeta(t)
	rec, err := svc.CreateLocked(context.Background(), meta.Properties{
		FeedName:     "F1",
		TypeName:     "EVENTS",
		CreateTimeMs: time.Now().Add(-day(100)).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(svc, []Rule{{Name: "all", Age: day(1)}}, zap.NewNop())
	summary, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Scanned != 0 {
		t.Errorf("scanned = %d, want 0 (locked records excluded)", summary.Scanned)
	}
	if got := status(t, svc, rec.ID); got != meta.StatusLocked {
		t.Errorf("status = %v, want locked", got)
	}
}

func TestRerunIsNoOp(t *testing.T) {
	svc := newTestMeta(t)
	mkUnlocked(t, svc, "F1", "EVENTS", day(100))

	engine := NewEngine(svc, []Rule{{Name: "all", Age: day(1)}}, zap.NewNop())
	first, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if first.Deleted != 1 {
		t.Fatalf("first run deleted = %d, want 1", first.Deleted)
	}

	second, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if second.Scanned != 0 || second.Deleted != 0 {
		t.Errorf("second run = %+v, want all zero", second)
	}
}

func TestEmptyRuleListIsNoOp(t *testing.T) {
	svc := newTestMeta(t)
	mkUnlocked(t, svc, "F1", "EVENTS", day(100))

	engine := NewEngine(svc, nil, zap.NewNop())
	summary, err := engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Scanned != 0 {
		t.Errorf("summary = %+v, want untouched", summary)
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules := RulesFromConfig([]config.RuleConfig{
		{Name: "a", Feed: "F*", StreamType: "EVENTS", Age: config.Duration(day(55))},
		{Name: "b", Forever: true},
	})
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}
	if rules[0].Age != day(55) || rules[0].Feed != "F*" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if !rules[1].Forever {
		t.Errorf("rule 1 = %+v", rules[1])
	}
}
