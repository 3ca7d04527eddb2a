package perf

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/cache"
)

func newTestMonitor(c *cache.Cache) *Monitor {
	return NewMonitor(true, c, prometheus.NewRegistry(), zap.NewNop().Sugar())
}

func TestSnapshotAggregates(t *testing.T) {
	m := newTestMonitor(nil)

	m.ObserveStorage("progress.apply", 10*time.Millisecond, nil)
	m.ObserveStorage("progress.apply", 30*time.Millisecond, errors.New("boom"))
	m.ObserveEvent("achievement.message_sent", 5*time.Millisecond, true)

	snap := m.Snapshot()
	op, ok := snap.Ops["progress.apply"]
	if !ok {
		t.Fatal("missing op aggregate")
	}
	if op.Count != 2 || op.Errors != 1 {
		t.Fatalf("unexpected counts %+v", op)
	}
	if op.AvgMillis != 20 || op.MaxMillis != 30 {
		t.Fatalf("unexpected latencies %+v", op)
	}
	if _, ok := snap.Ops["event:achievement.message_sent"]; !ok {
		t.Fatal("event timing missing from snapshot")
	}
}

func TestSnapshotIncludesCacheStats(t *testing.T) {
	c := cache.New(time.Minute, 16)
	c.Set(cache.TypeCategoryByID, "1", "x")
	c.Get(cache.TypeCategoryByID, "1")
	c.Get(cache.TypeCategoryByID, "2")

	m := newTestMonitor(c)
	snap := m.Snapshot()
	st, ok := snap.Cache[cache.TypeCategoryByID]
	if !ok || st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("cache stats missing or wrong: %+v", snap.Cache)
	}
}

func TestDisabledMonitorIsNoop(t *testing.T) {
	m := NewMonitor(false, nil, prometheus.NewRegistry(), zap.NewNop().Sugar())
	m.ObserveStorage("x", time.Second, nil)
	m.ObserveEvent("y", time.Second, true)
	m.SetQueueDepth(5)
	if len(m.Snapshot().Ops) != 0 {
		t.Fatal("disabled monitor must not record")
	}
}

func TestBaselineRoundTripAndRegression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.json")

	// Baseline: fast op with enough samples.
	base := newTestMonitor(nil)
	for i := 0; i < minSamples; i++ {
		base.ObserveStorage("progress.apply", 10*time.Millisecond, nil)
	}
	if err := SaveBaseline(path, base.Snapshot()); err != nil {
		t.Fatal(err)
	}

	// Current run is 5x slower.
	cur := newTestMonitor(nil)
	for i := 0; i < minSamples; i++ {
		cur.ObserveStorage("progress.apply", 50*time.Millisecond, nil)
	}
	regs := cur.CheckRegressions(path)
	if len(regs) != 1 || regs[0].Op != "progress.apply" {
		t.Fatalf("expected one regression, got %+v", regs)
	}

	// Within the factor: no signal.
	ok := newTestMonitor(nil)
	for i := 0; i < minSamples; i++ {
		ok.ObserveStorage("progress.apply", 15*time.Millisecond, nil)
	}
	if regs := ok.CheckRegressions(path); len(regs) != 0 {
		t.Fatalf("unexpected regression %+v", regs)
	}
}

func TestMissingBaselineIsNotRegression(t *testing.T) {
	m := newTestMonitor(nil)
	for i := 0; i < minSamples; i++ {
		m.ObserveStorage("x", time.Millisecond, nil)
	}
	if regs := m.CheckRegressions(filepath.Join(t.TempDir(), "absent.json")); regs != nil {
		t.Fatalf("missing baseline must yield nil, got %+v", regs)
	}
}

func TestUndersampledOpsIgnored(t *testing.T) {
	baseline := &Snapshot{Ops: map[string]OpSnapshot{
		"rare.op": {Count: 2, AvgMillis: 1},
	}}
	current := Snapshot{Ops: map[string]OpSnapshot{
		"rare.op": {Count: 2, AvgMillis: 100},
	}}
	if regs := CompareBaseline(current, baseline); len(regs) != 0 {
		t.Fatalf("undersampled ops must not flag, got %+v", regs)
	}
}
