package progress

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// memStore emulates the repository's locked read-modify-write.
type memStore struct {
	mu      sync.Mutex
	rows    map[lockKey]*models.AchievementProgress
	targets map[int64]float64
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[lockKey]*models.AchievementProgress),
		targets: make(map[int64]float64),
	}
}

func (m *memStore) Apply(_ context.Context, userID, achievementID int64, fn storage.ApplyFunc) (float64, *models.AchievementProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := lockKey{userID: userID, achievementID: achievementID}
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

func (m *memStore) GetProgress(_ context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[lockKey{userID: userID, achievementID: achievementID}]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "test"}
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListUserProgress(_ context.Context, userID int64) ([]*models.AchievementProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AchievementProgress
	for k, p := range m.rows {
		if k.userID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestTracker(t *testing.T) (*Tracker, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewTracker(store, zap.NewNop().Sugar()), store
}

func TestApplySetAndInc(t *testing.T) {
	tr, store := newTestTracker(t)
	store.targets[1] = 10
	ctx := context.Background()

	out, err := tr.Apply(ctx, 42, 1, Inc(3))
	if err != nil {
		t.Fatal(err)
	}
	if out.Previous != 0 || out.Current != 3 || out.Target != 10 || out.CrossedThreshold {
		t.Fatalf("unexpected transition %+v", out)
	}

	out, err = tr.Apply(ctx, 42, 1, Set(7))
	if err != nil {
		t.Fatal(err)
	}
	if out.Previous != 3 || out.Current != 7 {
		t.Fatalf("unexpected transition %+v", out)
	}

	// Negative results clamp to zero.
	out, err = tr.Apply(ctx, 42, 1, Inc(-100))
	if err != nil {
		t.Fatal(err)
	}
	if out.Current != 0 {
		t.Fatalf("current must clamp to 0, got %v", out.Current)
	}
}

func TestCrossedThresholdExactlyOnEdge(t *testing.T) {
	tr, store := newTestTracker(t)
	store.targets[1] = 3
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		out, err := tr.Apply(ctx, 42, 1, Inc(1))
		if err != nil {
			t.Fatal(err)
		}
		if out.CrossedThreshold {
			t.Fatalf("crossed too early at %d", i)
		}
	}

	out, err := tr.Apply(ctx, 42, 1, Inc(1))
	if err != nil {
		t.Fatal(err)
	}
	if !out.CrossedThreshold {
		t.Fatalf("third increment must cross: %+v", out)
	}

	// Beyond the edge there is no second crossing.
	out, err = tr.Apply(ctx, 42, 1, Inc(1))
	if err != nil {
		t.Fatal(err)
	}
	if out.CrossedThreshold {
		t.Fatalf("crossing reported twice: %+v", out)
	}
}

func TestConcurrentCrossingSingleEdge(t *testing.T) {
	tr, store := newTestTracker(t)
	store.targets[1] = 3
	ctx := context.Background()

	if _, err := tr.Apply(ctx, 42, 1, Set(2)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	crossings := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := tr.Apply(ctx, 42, 1, Inc(1))
			if err != nil {
				t.Error(err)
				return
			}
			crossings <- out.CrossedThreshold
		}()
	}
	wg.Wait()
	close(crossings)

	var crossed int
	for c := range crossings {
		if c {
			crossed++
		}
	}
	if crossed != 1 {
		t.Fatalf("exactly one caller must observe the edge, got %d", crossed)
	}

	p, err := tr.Get(ctx, 42, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentValue != 4 {
		t.Fatalf("final value must be 4, got %v", p.CurrentValue)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()
	k := lockKey{userID: 1, achievementID: 2}

	km.Lock(k)
	km.Unlock(k)
	if km.size() != 0 {
		t.Fatalf("idle entries must be evicted, size=%d", km.size())
	}
}

func TestCounterMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr, store := newTestTracker(t)
		store.targets[1] = 1 << 30
		ctx := context.Background()

		last := 0.0
		steps := rapid.SliceOfN(rapid.Float64Range(0, 1000), 1, 50).Draw(rt, "steps")
		for _, step := range steps {
			out, err := tr.Apply(ctx, 7, 1, Inc(step))
			if err != nil {
				rt.Fatal(err)
			}
			if out.Current < last {
				rt.Fatalf("current_value decreased: %v -> %v", last, out.Current)
			}
			last = out.Current
		}
	})
}
