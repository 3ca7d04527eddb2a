package httpapi

import (
	"context"
	"crypto/sha256"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/catalog"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/perf"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// MaxBodySize limits the size of request bodies to 1MB
const MaxBodySize = 1048576

// Dispatcher is the event pipeline entry point. Satisfied by
// *engine.Engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.Event) (*models.EventRecord, error)
	QueueDepth() int
}

// CatalogService owns the category tree and achievement definitions.
type CatalogService interface {
	CreateCategory(ctx context.Context, in catalog.CategoryInput) (*models.Category, error)
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	UpdateCategory(ctx context.Context, id int64, patch catalog.CategoryPatch) (*models.Category, error)
	DeleteCategory(ctx context.Context, id int64, force bool) error
	ListCategories(ctx context.Context, activeOnly bool) ([]*models.Category, error)
	Children(ctx context.Context, parentID *int64) ([]*models.Category, error)
	GetTree(ctx context.Context, root *int64) ([]*models.CategoryNode, error)
	GetCategoryPath(ctx context.Context, id int64) ([]*models.Category, error)
	CreateAchievement(ctx context.Context, a *models.Achievement) (*models.Achievement, error)
	GetAchievement(ctx context.Context, id int64) (*models.Achievement, error)
	UpdateAchievement(ctx context.Context, id int64, patch catalog.AchievementPatch) (*models.Achievement, error)
	DeleteAchievement(ctx context.Context, id int64) error
	ListAchievements(ctx context.Context, f storage.AchievementFilter) ([]*models.Achievement, error)
}

// ProgressReader exposes per-user progress. Satisfied by
// *progress.Tracker.
type ProgressReader interface {
	Get(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error)
	ListForUser(ctx context.Context, userID int64) ([]*models.AchievementProgress, error)
}

// AwardService grants and revokes on behalf of admins.
type AwardService interface {
	AwardDirectly(ctx context.Context, userID, achievementID, guildID int64) (award.Result, error)
	Revoke(ctx context.Context, userID, achievementID int64) (bool, error)
}

// AwardLog reads earned achievements. Satisfied by
// *storage.ProgressRepository.
type AwardLog interface {
	ListUserAwards(ctx context.Context, userID int64) ([]*models.UserAchievement, error)
}

// EventLog reads the durable event log.
type EventLog interface {
	List(ctx context.Context, f models.EventFilter) ([]*models.EventRecord, error)
}

// NotificationStore manages preferences, guild settings and delivery
// history. Satisfied by *storage.NotificationRepository.
type NotificationStore interface {
	GetPreference(ctx context.Context, userID, guildID int64) (*models.NotificationPreference, error)
	UpsertPreference(ctx context.Context, p *models.NotificationPreference) error
	GetGuildSettings(ctx context.Context, guildID int64) (*models.GlobalNotificationSettings, error)
	UpsertGuildSettings(ctx context.Context, s *models.GlobalNotificationSettings) error
	ListDeliveries(ctx context.Context, userID int64, limit int) ([]*models.NotificationDeliveryRecord, error)
}

// PerfSource produces operator snapshots. Satisfied by *perf.Monitor.
type PerfSource interface {
	Snapshot() perf.Snapshot
	CheckRegressions(path string) []perf.Regression
}

type Config struct {
	Engine        Dispatcher
	Catalog       CatalogService
	Progress      ProgressReader
	Awards        AwardService
	AwardLog      AwardLog
	Events        EventLog
	Notifications NotificationStore
	Perf          PerfSource
	Postgres      *pgxpool.Pool
	Redis         *redis.Client
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger

	IngestToken    string
	BaselinePath   string
	AllowedOrigins []string
}

type Handler struct {
	engine        Dispatcher
	catalog       CatalogService
	progress      ProgressReader
	awards        AwardService
	awardLog      AwardLog
	events        EventLog
	notifications NotificationStore
	perf          PerfSource
	pg            *pgxpool.Pool
	redis         *redis.Client
	gatherer      prometheus.Gatherer
	logger        *zap.SugaredLogger
	validator     *validator.Validate

	tokenHash    [32]byte
	baselinePath string
	origins      []string
}

func New(cfg Config) *Handler {
	return &Handler{
		engine:        cfg.Engine,
		catalog:       cfg.Catalog,
		progress:      cfg.Progress,
		awards:        cfg.Awards,
		awardLog:      cfg.AwardLog,
		events:        cfg.Events,
		notifications: cfg.Notifications,
		perf:          cfg.Perf,
		pg:            cfg.Postgres,
		redis:         cfg.Redis,
		gatherer:      cfg.Gatherer,
		logger:        cfg.Logger.Sugar(),
		validator:     validator.New(),
		tokenHash:     sha256.Sum256([]byte(cfg.IngestToken)),
		baselinePath:  cfg.BaselinePath,
		origins:       cfg.AllowedOrigins,
	}
}
