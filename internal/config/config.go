package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port int
	Env  string

	// CORS
	AllowedOrigins []string

	// Stores
	PostgresURL string
	RedisURL    string
	PoolSize    int
	PoolTimeout time.Duration

	// Cache
	CacheDefaultTTL        time.Duration
	CacheMaxEntriesPerType int

	// Trigger engine
	Workers        int
	QueueCapacity  int
	BatchSize      int
	ReplayInterval time.Duration
	BlockProducer  bool

	// Event retention
	ArchiveAfter        time.Duration
	DeleteAfter         time.Duration
	EventBatchSize      int
	RetentionCron       string
	KeepProcessedEvents bool

	// Notifications
	RetryMax         int
	RetryBackoffBase time.Duration

	// Observability
	ObservabilityEnabled bool
	BaselinePath         string

	// Ingest auth
	IngestToken string
}

// Load reads configuration from environment variables once at startup.
// It returns an error if critical configuration is missing.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Env:  getEnv("ENV", "development"),

		PoolSize:    getEnvInt("DB_POOL_SIZE", 10),
		PoolTimeout: getEnvDuration("DB_POOL_TIMEOUT", 5*time.Second),

		CacheDefaultTTL:        getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
		CacheMaxEntriesPerType: getEnvInt("CACHE_MAX_ENTRIES_PER_TYPE", 4096),

		Workers:        getEnvInt("ENGINE_WORKERS", 8),
		QueueCapacity:  getEnvInt("ENGINE_QUEUE_CAPACITY", 10000),
		BatchSize:      getEnvInt("ENGINE_BATCH_SIZE", 200),
		ReplayInterval: getEnvDuration("ENGINE_REPLAY_INTERVAL", 30*time.Second),
		BlockProducer:  getEnvBool("ENGINE_BLOCK_PRODUCER", true),

		ArchiveAfter:        getEnvDuration("EVENTS_ARCHIVE_AFTER", 30*24*time.Hour),
		DeleteAfter:         getEnvDuration("EVENTS_DELETE_AFTER", 90*24*time.Hour),
		EventBatchSize:      getEnvInt("EVENTS_BATCH_SIZE", 1000),
		RetentionCron:       getEnv("EVENTS_RETENTION_CRON", "0 4 * * *"),
		KeepProcessedEvents: getEnvBool("EVENTS_KEEP_PROCESSED", true),

		RetryMax:         getEnvInt("NOTIFICATIONS_RETRY_MAX", 5),
		RetryBackoffBase: getEnvDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 2*time.Second),

		ObservabilityEnabled: getEnvBool("OBSERVABILITY_ENABLED", true),
		BaselinePath:         getEnv("OBSERVABILITY_BASELINE_PATH", "perf-baseline.json"),
	}

	// CORS
	origins := getEnv("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}

	// Critical configuration - fail if missing
	var err error
	if cfg.PostgresURL, err = getEnvRequired("POSTGRES_URL"); err != nil {
		return nil, err
	}
	if cfg.RedisURL, err = getEnvRequired("REDIS_URL"); err != nil {
		return nil, err
	}
	if cfg.IngestToken, err = getEnvRequired("INGEST_TOKEN"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvRequired(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("missing required environment variable: %s", key)
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
