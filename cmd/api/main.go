package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/cache"
	"github.com/guildforge/achievement-engine/internal/catalog"
	"github.com/guildforge/achievement-engine/internal/config"
	"github.com/guildforge/achievement-engine/internal/engine"
	"github.com/guildforge/achievement-engine/internal/httpapi"
	"github.com/guildforge/achievement-engine/internal/notify"
	"github.com/guildforge/achievement-engine/internal/perf"
	"github.com/guildforge/achievement-engine/internal/progress"
	"github.com/guildforge/achievement-engine/internal/storage"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var zl *zap.Logger
	if cfg.Env == "production" {
		zl, err = zap.NewProduction()
	} else {
		zl, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPool(ctx, cfg.PostgresURL, cfg.PoolSize, cfg.PoolTimeout, logger)
	if err != nil {
		logger.Fatalw("Postgres unavailable", "error", err)
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool, logger); err != nil {
		logger.Fatalw("Migration failed", "error", err)
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalw("Invalid REDIS_URL", "error", err)
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalw("Redis unavailable", "error", err)
	}

	appCache := cache.New(cfg.CacheDefaultTTL, cfg.CacheMaxEntriesPerType)
	monitor := perf.NewMonitor(cfg.ObservabilityEnabled, appCache, prometheus.DefaultRegisterer, logger)

	catalogRepo := storage.NewCatalogRepository(pool, monitor)
	progressRepo := storage.NewProgressRepository(pool, monitor)
	eventRepo := storage.NewEventRepository(pool, monitor)
	notificationRepo := storage.NewNotificationRepository(pool, monitor)

	catalogSvc := catalog.NewService(catalogRepo, appCache, logger)
	tracker := progress.NewTracker(progressRepo, logger)
	awardSvc := award.NewService(progressRepo, catalogSvc, rdb, cfg.QueueCapacity, logger)

	eng := engine.New(engine.Config{
		Workers:        cfg.Workers,
		QueueCapacity:  cfg.QueueCapacity,
		BatchSize:      cfg.BatchSize,
		ReplayInterval: cfg.ReplayInterval,
		BlockProducer:  cfg.BlockProducer,
	}, eventRepo, catalogSvc, tracker, awardSvc, progress.NewDefaultRegistry(), monitor, logger)
	// The engine gets its own lifetime: on SIGTERM, Stop drains the queue
	// and in-flight storage calls must not be cancelled out from under it.
	eng.Start(context.Background())

	router := notify.NewRouter(notify.Config{
		RetryMax:    cfg.RetryMax,
		BackoffBase: cfg.RetryBackoffBase,
	}, notificationRepo, awardSvc, notify.NewRedisSink(rdb, logger), notify.NewRedisLimiter(rdb), logger)

	// The router outlives the signal context so awards drained during
	// engine shutdown still get delivered.
	routerCtx, routerCancel := context.WithCancel(context.Background())
	router.Start(routerCtx, awardSvc.Events())

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.RetentionCron, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if n, err := eventRepo.ArchiveOldEvents(jobCtx, time.Now().Add(-cfg.ArchiveAfter), cfg.EventBatchSize); err != nil {
			logger.Errorw("Event archive failed", "error", err)
		} else if n > 0 {
			logger.Infow("Events archived", "count", n)
		}
		if n, err := eventRepo.CleanupOldEvents(jobCtx, time.Now().Add(-cfg.DeleteAfter), cfg.KeepProcessedEvents, cfg.EventBatchSize); err != nil {
			logger.Errorw("Event cleanup failed", "error", err)
		} else if n > 0 {
			logger.Infow("Events deleted", "count", n)
		}
	}); err != nil {
		logger.Fatalw("Invalid retention cron expression", "cron", cfg.RetentionCron, "error", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		monitor.CheckRegressions(cfg.BaselinePath)
	}); err != nil {
		logger.Fatalw("Cron registration failed", "error", err)
	}
	scheduler.Start()

	handler := httpapi.New(httpapi.Config{
		Engine:         eng,
		Catalog:        catalogSvc,
		Progress:       tracker,
		Awards:         awardSvc,
		AwardLog:       progressRepo,
		Events:         eventRepo,
		Notifications:  notificationRepo,
		Perf:           monitor,
		Postgres:       pool,
		Redis:          rdb,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         zl,
		IngestToken:    cfg.IngestToken,
		BaselinePath:   cfg.BaselinePath,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infow("HTTP server listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("HTTP server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown incomplete", "error", err)
	}

	<-scheduler.Stop().Done()
	eng.Stop(shutdownCtx)
	routerCancel()
	router.Wait()

	if err := perf.SaveBaseline(cfg.BaselinePath, monitor.Snapshot()); err != nil {
		logger.Warnw("Baseline save failed", "error", err)
	}
	logger.Infow("Shutdown complete")
}
