package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/progress"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// memEvents is an in-memory event log.
type memEvents struct {
	mu     sync.Mutex
	rows   map[int64]*models.EventRecord
	nextID int64
}

func newMemEvents() *memEvents {
	return &memEvents{rows: make(map[int64]*models.EventRecord), nextID: 1}
}

func (m *memEvents) Record(_ context.Context, ev *models.Event) (*models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &models.EventRecord{
		ID: m.nextID, UserID: ev.UserID, GuildID: ev.GuildID,
		EventType: ev.EventType, EventData: ev.EventData,
		Timestamp: ev.Timestamp, ChannelID: ev.ChannelID,
		CorrelationID: ev.CorrelationID,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.nextID++
	m.rows[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (m *memEvents) FetchUnprocessed(_ context.Context, limit int, _ []string) ([]*models.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EventRecord
	for _, r := range m.rows {
		if !r.Processed {
			cp := *r
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) MarkProcessed(_ context.Context, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && !r.Processed {
			r.Processed = true
			n++
		}
	}
	return n, nil
}

func (m *memEvents) unprocessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if !r.Processed {
			n++
		}
	}
	return n
}

// memProgress backs the real tracker.
type memProgress struct {
	mu      sync.Mutex
	rows    map[[2]int64]*models.AchievementProgress
	targets map[int64]float64
}

func newMemProgress() *memProgress {
	return &memProgress{rows: make(map[[2]int64]*models.AchievementProgress), targets: make(map[int64]float64)}
}

func (m *memProgress) Apply(_ context.Context, userID, achievementID int64, fn storage.ApplyFunc) (float64, *models.AchievementProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{userID, achievementID}
	cur, ok := m.rows[k]
	if !ok {
		cur = &models.AchievementProgress{UserID: userID, AchievementID: achievementID}
	}
	cp := *cur
	cp.TargetValue = m.targets[achievementID]
	prev := cp.CurrentValue
	if err := fn(&cp); err != nil {
		return prev, nil, err
	}
	m.rows[k] = &cp
	out := cp
	return prev, &out, nil
}

func (m *memProgress) GetProgress(_ context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[[2]int64{userID, achievementID}]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "test"}
	}
	cp := *p
	return &cp, nil
}

func (m *memProgress) ListUserProgress(_ context.Context, userID int64) ([]*models.AchievementProgress, error) {
	return nil, nil
}

// memAwards backs the real award service.
type memAwards struct {
	mu     sync.Mutex
	rows   map[[2]int64]*models.UserAchievement
	nextID int64
}

func newMemAwards() *memAwards {
	return &memAwards{rows: make(map[[2]int64]*models.UserAchievement), nextID: 1}
}

func (m *memAwards) GetProgress(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	panic("award service uses its own progress store in tests")
}

func (m *memAwards) InsertAward(_ context.Context, userID, achievementID int64) (*models.UserAchievement, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{userID, achievementID}
	if ua, ok := m.rows[k]; ok {
		cp := *ua
		return &cp, false, nil
	}
	ua := &models.UserAchievement{ID: m.nextID, UserID: userID, AchievementID: achievementID, EarnedAt: time.Now()}
	m.nextID++
	m.rows[k] = ua
	cp := *ua
	return &cp, true, nil
}

func (m *memAwards) MarkNotified(_ context.Context, userID, achievementID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ua, ok := m.rows[[2]int64{userID, achievementID}]; ok {
		ua.Notified = true
		return nil
	}
	return &storage.Error{Kind: storage.KindNotFound, Op: "test"}
}

func (m *memAwards) RevokeAward(_ context.Context, userID, achievementID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{userID, achievementID}
	if _, ok := m.rows[k]; !ok {
		return false, nil
	}
	delete(m.rows, k)
	return true, nil
}

func (m *memAwards) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// awardStoreBridge lets the award service read eligibility from the same
// progress rows the tracker writes.
type awardStoreBridge struct {
	*memAwards
	progress *memProgress
}

func (b *awardStoreBridge) GetProgress(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	return b.progress.GetProgress(ctx, userID, achievementID)
}

type memCatalog struct {
	mu     sync.Mutex
	byType map[string][]*models.Achievement
}

func (m *memCatalog) ActiveByType(_ context.Context, achievementType string) ([]*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byType[achievementType], nil
}

func (m *memCatalog) GetAchievement(_ context.Context, id int64) (*models.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.byType {
		for _, a := range list {
			if a.ID == id {
				return a, nil
			}
		}
	}
	return nil, &storage.Error{Kind: storage.KindNotFound, Op: "test"}
}

type fixture struct {
	engine   *Engine
	events   *memEvents
	progress *memProgress
	awards   *memAwards
	service  *award.Service
}

func newFixture(t *testing.T, cfg Config, achievements ...*models.Achievement) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	events := newMemEvents()
	prog := newMemProgress()
	awards := newMemAwards()
	catalog := &memCatalog{byType: make(map[string][]*models.Achievement)}
	for _, a := range achievements {
		catalog.byType[a.Type] = append(catalog.byType[a.Type], a)
		prog.targets[a.ID] = a.Criteria.TargetValue
	}

	svc := award.NewService(&awardStoreBridge{memAwards: awards, progress: prog}, catalog, nil, 64, logger)
	tracker := progress.NewTracker(prog, logger)
	registry := progress.NewDefaultRegistry()

	eng := New(cfg, events, catalog, tracker, svc, registry, nil, logger)
	return &fixture{engine: eng, events: events, progress: prog, awards: awards, service: svc}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func counterAchievement(id int64, target float64) *models.Achievement {
	return &models.Achievement{
		ID: id, Name: "chatterbox", Type: models.TypeCounter, IsActive: true,
		Criteria: models.Criteria{TargetValue: target, CounterField: "messages"},
	}
}

func messageEvent(userID int64) *models.Event {
	return &models.Event{
		UserID: userID, GuildID: 7,
		EventType: models.EventMessageSent,
		Timestamp: time.Now().UTC(),
	}
}

func TestSimpleCounterAward(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true},
		counterAchievement(1, 3))
	ctx := context.Background()

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Dispatch(ctx, messageEvent(42)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return f.events.unprocessedCount() == 0 })
	waitFor(t, 3*time.Second, func() bool { return f.awards.count() == 1 })

	p, err := f.progress.GetProgress(ctx, 42, 1)
	if err != nil || p.CurrentValue < 3 {
		t.Fatalf("progress must reach target: %+v %v", p, err)
	}

	select {
	case ev := <-f.service.Events():
		if ev.UserAchievement.UserID != 42 || ev.Achievement.ID != 1 || ev.GuildID != 7 {
			t.Fatalf("bad award signal %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected exactly one award signal")
	}
	select {
	case <-f.service.Events():
		t.Fatal("only one award signal may be emitted")
	default:
	}
}

func TestReplayAfterCrash(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, BatchSize: 10, ReplayInterval: 20 * time.Millisecond, BlockProducer: true},
		counterAchievement(1, 3))
	ctx := context.Background()

	// Simulate the pre-crash state: event recorded and award already
	// granted, but processed never flipped.
	if _, err := f.events.Record(ctx, messageEvent(42)); err != nil {
		t.Fatal(err)
	}
	f.progress.rows[[2]int64{42, 1}] = &models.AchievementProgress{
		UserID: 42, AchievementID: 1, CurrentValue: 3, TargetValue: 3,
	}
	if _, _, err := f.awards.InsertAward(ctx, 42, 1); err != nil {
		t.Fatal(err)
	}

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return f.events.unprocessedCount() == 0 })

	if f.awards.count() != 1 {
		t.Fatalf("replay must not duplicate the award, got %d rows", f.awards.count())
	}
	select {
	case <-f.service.Events():
		t.Fatal("replay of an already-awarded event must not re-emit the signal")
	default:
	}
}

func TestBusyPolicyShedsProducer(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, QueueCapacity: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: false},
		counterAchievement(1, 100))
	ctx := context.Background()

	// Engine not started: nothing drains the queue.
	if _, err := f.engine.Dispatch(ctx, messageEvent(42)); err != nil {
		t.Fatalf("first dispatch must fit the queue: %v", err)
	}
	rec, err := f.engine.Dispatch(ctx, messageEvent(42))
	if err != models.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	// The shed event is still durable and eligible for replay.
	if rec == nil || f.events.unprocessedCount() != 2 {
		t.Fatalf("shed event must stay in the log: rec=%v unprocessed=%d", rec, f.events.unprocessedCount())
	}
}

func TestEvaluatorFailureIsContained(t *testing.T) {
	bad := &models.Achievement{
		ID: 9, Name: "haunted", Type: models.TypeConditional, IsActive: true,
		// Broken leaf: field without op makes the evaluator error out.
		Criteria: models.Criteria{TargetValue: 1, Expr: json.RawMessage(`{"field": "x"}`)},
	}
	f := newFixture(t, Config{Workers: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true}, bad)
	ctx := context.Background()

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	if _, err := f.engine.Dispatch(ctx, messageEvent(42)); err != nil {
		t.Fatal(err)
	}

	// The poisoned candidate must not wedge the pipeline.
	waitFor(t, 3*time.Second, func() bool { return f.events.unprocessedCount() == 0 })
	if f.awards.count() != 0 {
		t.Fatal("failed evaluation must not award")
	}
}

func TestUnknownEventTypeIsTerminal(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true})
	ctx := context.Background()

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	ev := messageEvent(42)
	ev.EventType = "achievement.totally_unknown"
	if _, err := f.engine.Dispatch(ctx, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.events.unprocessedCount() == 0 })
}

func TestAdminGrantAndRevoke(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true},
		counterAchievement(1, 1000))
	ctx := context.Background()

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	grant := messageEvent(42)
	grant.EventType = models.EventGranted
	grant.EventData = json.RawMessage(`{"achievement_id": 1}`)
	if _, err := f.engine.Dispatch(ctx, grant); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.awards.count() == 1 })

	revoke := messageEvent(42)
	revoke.EventType = models.EventRevoked
	revoke.EventData = json.RawMessage(`{"achievement_id": 1}`)
	if _, err := f.engine.Dispatch(ctx, revoke); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.awards.count() == 0 })
}

func TestShutdownDrainsQueue(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, BatchSize: 5, ReplayInterval: time.Hour, BlockProducer: true},
		counterAchievement(1, 1000))
	ctx := context.Background()

	f.engine.Start(ctx)
	for i := 0; i < 20; i++ {
		if _, err := f.engine.Dispatch(ctx, messageEvent(int64(100+i))); err != nil {
			t.Fatal(err)
		}
	}

	f.engine.Stop(context.Background())
	if n := f.events.unprocessedCount(); n != 0 {
		t.Fatalf("shutdown must drain and flush processed flags, %d left", n)
	}

	// Dispatch after stop persists but reports the engine stopped.
	if _, err := f.engine.Dispatch(ctx, messageEvent(42)); err == nil {
		t.Fatal("dispatch after stop must fail")
	}
}

// gatedCatalog holds ActiveByType until the gate opens, pinning a worker
// mid-event.
type gatedCatalog struct {
	*memCatalog
	gate chan struct{}
}

func (g *gatedCatalog) ActiveByType(ctx context.Context, achievementType string) ([]*models.Achievement, error) {
	<-g.gate
	return g.memCatalog.ActiveByType(ctx, achievementType)
}

func TestStopGraceExpiryToleratesStraggler(t *testing.T) {
	logger := zap.NewNop().Sugar()
	events := newMemEvents()
	prog := newMemProgress()
	awards := newMemAwards()
	a := counterAchievement(1, 3)
	inner := &memCatalog{byType: map[string][]*models.Achievement{a.Type: {a}}}
	prog.targets[a.ID] = a.Criteria.TargetValue
	catalog := &gatedCatalog{memCatalog: inner, gate: make(chan struct{})}

	svc := award.NewService(&awardStoreBridge{memAwards: awards, progress: prog}, catalog, nil, 64, logger)
	tracker := progress.NewTracker(prog, logger)
	eng := New(Config{Workers: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true},
		events, catalog, tracker, svc, progress.NewDefaultRegistry(), nil, logger)

	ctx := context.Background()
	eng.Start(ctx)
	if _, err := eng.Dispatch(ctx, messageEvent(42)); err != nil {
		t.Fatal(err)
	}

	// The worker is parked inside the event; the grace window expires
	// long before it finishes. Stop must return without tearing down the
	// channel the worker will still report on.
	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	eng.Stop(stopCtx)

	close(catalog.gate)
	// The straggler completes and its processed flag is still flushed.
	waitFor(t, 3*time.Second, func() bool { return events.unprocessedCount() == 0 })
}

// vetoEvaluator accrues progress but never reports the criteria met.
type vetoEvaluator struct{}

func (e *vetoEvaluator) CandidateEventTypes() []string { return []string{models.EventMessageSent} }

func (e *vetoEvaluator) ApplyEvent(_ *models.AchievementProgress, _ *models.Achievement, _ *models.EventRecord) (progress.Delta, bool, error) {
	return progress.Inc(1), true, nil
}

func (e *vetoEvaluator) IsSatisfied(_ *models.AchievementProgress, _ *models.Achievement) bool {
	return false
}

func TestEvaluatorVetoBlocksAward(t *testing.T) {
	a := &models.Achievement{
		ID: 5, Name: "night owl", Type: "SEASONAL", IsActive: true,
		Criteria: models.Criteria{TargetValue: 1},
	}
	f := newFixture(t, Config{Workers: 1, BatchSize: 1, ReplayInterval: time.Hour, BlockProducer: true}, a)
	f.engine.registry.Register("SEASONAL", &vetoEvaluator{})
	ctx := context.Background()

	f.engine.Start(ctx)
	defer f.engine.Stop(context.Background())

	if _, err := f.engine.Dispatch(ctx, messageEvent(42)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.events.unprocessedCount() == 0 })

	// The numeric threshold was crossed, but the evaluator's check
	// against the written row rejects completion and no award lands.
	p, err := f.progress.GetProgress(ctx, 42, 5)
	if err != nil || p.CurrentValue != 1 {
		t.Fatalf("progress must still accrue: %+v %v", p, err)
	}
	if f.awards.count() != 0 {
		t.Fatal("a rejected final check must not award")
	}
}
