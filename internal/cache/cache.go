package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Type namespaces cache keys. Each type gets its own LRU bound and may
// override the default TTL.
type Type string

const (
	TypeAchievementByID    Type = "achievement_by_id"
	TypeCategoryByID       Type = "category_by_id"
	TypeRootCategories     Type = "root_categories"
	TypeChildrenByParent   Type = "children_by_parent"
	TypeAchievementsByType Type = "achievements_by_type"
	TypeUserProgress       Type = "user_progress"
	TypeGuildSettings      Type = "guild_settings"
	TypeUserPreference     Type = "user_preference"
)

// Stats is a point-in-time view of one type's counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// shard is one type's store: an LRU list plus index, guarded by its own
// mutex so types do not contend with each other.
type shard struct {
	mu        sync.Mutex
	ll        *list.List
	index     map[string]*list.Element
	ttl       time.Duration
	maxEntries int

	hits      uint64
	misses    uint64
	evictions uint64
}

// Cache is the typed, TTL'd, prefix-invalidatable cache shared by the
// catalog, tracker and router. Zero value is not usable; call New.
type Cache struct {
	mu         sync.RWMutex
	shards     map[Type]*shard
	defaultTTL time.Duration
	maxEntries int
	group      singleflight.Group
	now        func() time.Time
}

// New builds a cache with the given default TTL and per-type entry bound.
func New(defaultTTL time.Duration, maxEntriesPerType int) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxEntriesPerType <= 0 {
		maxEntriesPerType = 4096
	}
	return &Cache{
		shards:     make(map[Type]*shard),
		defaultTTL: defaultTTL,
		maxEntries: maxEntriesPerType,
		now:        time.Now,
	}
}

// SetTTL overrides the TTL for one type. Applies to entries stored after
// the call.
func (c *Cache) SetTTL(t Type, ttl time.Duration) {
	s := c.shard(t)
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

func (c *Cache) shard(t Type) *shard {
	c.mu.RLock()
	s, ok := c.shards[t]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[t]; ok {
		return s
	}
	s = &shard{
		ll:         list.New(),
		index:      make(map[string]*list.Element),
		ttl:        c.defaultTTL,
		maxEntries: c.maxEntries,
	}
	c.shards[t] = s
	return s
}

// Get returns the cached value and whether it was present and fresh.
func (c *Cache) Get(t Type, key string) (any, bool) {
	s := c.shard(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		s.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		s.ll.Remove(el)
		delete(s.index, key)
		s.misses++
		return nil, false
	}
	s.ll.MoveToFront(el)
	s.hits++
	return e.value, true
}

// Set stores a value under (type, key), evicting the LRU entry when the
// type is at its bound.
func (c *Cache) Set(t Type, key string, value any) {
	s := c.shard(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := c.now().Add(s.ttl)
	if el, ok := s.index[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expires
		s.ll.MoveToFront(el)
		return
	}
	s.index[key] = s.ll.PushFront(&entry{key: key, value: value, expiresAt: expires})
	for s.ll.Len() > s.maxEntries {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.ll.Remove(oldest)
		delete(s.index, oldest.Value.(*entry).key)
		s.evictions++
	}
}

// Delete drops a single key. Missing keys are a no-op.
func (c *Cache) Delete(t Type, key string) {
	s := c.shard(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.ll.Remove(el)
		delete(s.index, key)
	}
}

// Invalidate drops every key of the type with the given prefix. An empty
// prefix clears the whole type.
func (c *Cache) Invalidate(t Type, prefix string) int {
	s := c.shard(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix == "" {
		n := s.ll.Len()
		s.ll.Init()
		s.index = make(map[string]*list.Element)
		return n
	}
	var removed int
	for el := s.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if strings.HasPrefix(e.key, prefix) {
			s.ll.Remove(el)
			delete(s.index, e.key)
			removed++
		}
		el = next
	}
	return removed
}

// InvalidateAll clears every type.
func (c *Cache) InvalidateAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.shards {
		s.mu.Lock()
		s.ll.Init()
		s.index = make(map[string]*list.Element)
		s.mu.Unlock()
	}
}

// GetOrLoad returns the cached value or runs load once per key across
// concurrent callers, caching its result. Load errors are not cached.
func (c *Cache) GetOrLoad(t Type, key string, load func() (any, error)) (any, error) {
	if v, ok := c.Get(t, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(string(t)+"\x00"+key, func() (any, error) {
		if v, ok := c.Get(t, key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(t, key, v)
		return v, nil
	})
	return v, err
}

// StatsFor returns the counters for one type.
func (c *Cache) StatsFor(t Type) Stats {
	s := c.shard(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Hits: s.hits, Misses: s.misses, Evictions: s.evictions, Entries: s.ll.Len()}
}

// AllStats returns counters per type for the perf monitor.
func (c *Cache) AllStats() map[Type]Stats {
	c.mu.RLock()
	types := make([]Type, 0, len(c.shards))
	for t := range c.shards {
		types = append(types, t)
	}
	c.mu.RUnlock()

	out := make(map[Type]Stats, len(types))
	for _, t := range types {
		out[t] = c.StatsFor(t)
	}
	return out
}
