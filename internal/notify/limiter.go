package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter grants one permit per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// RedisLimiter implements the sliding gap with SET NX PX, so the limit
// holds across engine replicas.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	return l.rdb.SetNX(ctx, "ratelimit:"+key, 1, window).Result()
}

// LocalLimiter is the in-process fallback when Redis is not configured.
type LocalLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{last: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[key]; ok && now.Sub(t) < window {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}
