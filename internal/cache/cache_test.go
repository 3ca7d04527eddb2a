package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New(time.Minute, 10)

	if _, ok := c.Get(TypeCategoryByID, "1"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(TypeCategoryByID, "1", "general")
	v, ok := c.Get(TypeCategoryByID, "1")
	if !ok || v.(string) != "general" {
		t.Fatalf("expected hit with general, got %v %v", v, ok)
	}

	// Same key in a different type must not collide.
	if _, ok := c.Get(TypeAchievementByID, "1"); ok {
		t.Fatal("types should not share keys")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set(TypeCategoryByID, "1", "general")
	now = now.Add(59 * time.Second)
	if _, ok := c.Get(TypeCategoryByID, "1"); !ok {
		t.Fatal("entry expired too early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(TypeCategoryByID, "1"); ok {
		t.Fatal("entry should have expired")
	}

	st := c.StatsFor(TypeCategoryByID)
	if st.Entries != 0 {
		t.Fatalf("expired entry not removed, entries=%d", st.Entries)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(time.Minute, 3)

	c.Set(TypeAchievementByID, "a", 1)
	c.Set(TypeAchievementByID, "b", 2)
	c.Set(TypeAchievementByID, "c", 3)
	c.Get(TypeAchievementByID, "a") // refresh a
	c.Set(TypeAchievementByID, "d", 4)

	if _, ok := c.Get(TypeAchievementByID, "b"); ok {
		t.Fatal("b should have been evicted as LRU")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(TypeAchievementByID, k); !ok {
			t.Fatalf("%s should survive eviction", k)
		}
	}
	if st := c.StatsFor(TypeAchievementByID); st.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", st.Evictions)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(time.Minute, 100)

	c.Set(TypeChildrenByParent, "guild:1:cat:5", "x")
	c.Set(TypeChildrenByParent, "guild:1:cat:6", "y")
	c.Set(TypeChildrenByParent, "guild:2:cat:5", "z")

	if n := c.Invalidate(TypeChildrenByParent, "guild:1:"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := c.Get(TypeChildrenByParent, "guild:2:cat:5"); !ok {
		t.Fatal("unrelated key must survive prefix invalidation")
	}

	// Empty prefix clears the type.
	if n := c.Invalidate(TypeChildrenByParent, ""); n != 1 {
		t.Fatalf("expected 1 removed on full clear, got %d", n)
	}
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	c := New(time.Minute, 10)

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(TypeRootCategories, "all", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return "roots", nil
			})
			if err != nil || v.(string) != "roots" {
				t.Errorf("unexpected result %v %v", v, err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c := New(time.Minute, 10)

	boom := errors.New("boom")
	if _, err := c.GetOrLoad(TypeRootCategories, "all", func() (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	v, err := c.GetOrLoad(TypeRootCategories, "all", func() (any, error) {
		return "ok", nil
	})
	if err != nil || v.(string) != "ok" {
		t.Fatalf("error result must not be cached, got %v %v", v, err)
	}
}

func TestStatsCounters(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set(TypeUserProgress, "u1", 1)
	c.Get(TypeUserProgress, "u1")
	c.Get(TypeUserProgress, "u2")

	st := c.StatsFor(TypeUserProgress)
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
