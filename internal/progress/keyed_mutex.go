package progress

import "sync"

type lockKey struct {
	userID        int64
	achievementID int64
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per (user, achievement). Entries are
// created on demand and dropped as soon as the last holder releases, so
// the table stays bounded by in-flight keys.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[lockKey]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[lockKey]*lockEntry)}
}

func (km *keyedMutex) Lock(k lockKey) {
	km.mu.Lock()
	e, ok := km.entries[k]
	if !ok {
		e = &lockEntry{}
		km.entries[k] = e
	}
	e.refs++
	km.mu.Unlock()
	e.mu.Lock()
}

func (km *keyedMutex) Unlock(k lockKey) {
	km.mu.Lock()
	e := km.entries[k]
	e.refs--
	if e.refs == 0 {
		delete(km.entries, k)
	}
	km.mu.Unlock()
	e.mu.Unlock()
}

func (km *keyedMutex) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
