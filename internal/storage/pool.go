package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Observer receives storage call timings. The perf monitor implements it;
// a nil observer disables instrumentation.
type Observer interface {
	ObserveStorage(op string, d time.Duration, err error)
}

func observe(obs Observer, op string, start time.Time, err error) {
	if obs != nil {
		obs.ObserveStorage(op, time.Since(start), err)
	}
}

// NewPool opens a bounded, health-checked pgx pool.
func NewPool(ctx context.Context, url string, size int, borrowTimeout time.Duration, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if size > 0 {
		cfg.MaxConns = int32(size)
	}
	if borrowTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = borrowTimeout
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Infow("Postgres pool ready", "maxConns", cfg.MaxConns)
	return pool, nil
}
