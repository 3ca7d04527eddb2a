package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// A migration is a named, idempotent schema step. Steps already recorded in
// schema_migrations are skipped, and every statement is itself re-runnable,
// so executing the full set twice is a no-op.
type migration struct {
	name  string
	stmts []string
}

var migrations = []migration{
	{
		name: "001_categories",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS categories (
				id            BIGSERIAL PRIMARY KEY,
				name          TEXT NOT NULL,
				description   TEXT NOT NULL DEFAULT '',
				parent_id     BIGINT REFERENCES categories(id) ON DELETE CASCADE,
				level         INT NOT NULL DEFAULT 0 CHECK (level >= 0 AND level <= 9),
				display_order INT NOT NULL DEFAULT 0,
				icon          TEXT NOT NULL DEFAULT '',
				is_expanded   BOOLEAN NOT NULL DEFAULT true,
				is_active     BOOLEAN NOT NULL DEFAULT true,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_categories_parent_name
				ON categories (COALESCE(parent_id, 0), name)`,
			`CREATE INDEX IF NOT EXISTS idx_categories_parent ON categories (parent_id)`,
		},
	},
	{
		name: "002_achievements",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS achievements (
				id          BIGSERIAL PRIMARY KEY,
				name        TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				category_id BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
				type        TEXT NOT NULL,
				criteria    JSONB NOT NULL DEFAULT '{}',
				points      INT NOT NULL DEFAULT 0 CHECK (points >= 0),
				badge       TEXT NOT NULL DEFAULT '',
				role_reward TEXT NOT NULL DEFAULT '',
				is_hidden   BOOLEAN NOT NULL DEFAULT false,
				is_active   BOOLEAN NOT NULL DEFAULT true,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_achievements_category_active
				ON achievements (category_id, is_active)`,
			`CREATE INDEX IF NOT EXISTS idx_achievements_type_active
				ON achievements (type, is_active)`,
		},
	},
	{
		name: "003_user_achievements",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS user_achievements (
				id             BIGSERIAL PRIMARY KEY,
				user_id        BIGINT NOT NULL,
				achievement_id BIGINT NOT NULL REFERENCES achievements(id) ON DELETE CASCADE,
				earned_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				notified       BOOLEAN NOT NULL DEFAULT false,
				CONSTRAINT uq_user_achievements UNIQUE (user_id, achievement_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_achievements_user ON user_achievements (user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_user_achievements_achievement ON user_achievements (achievement_id)`,
			`CREATE INDEX IF NOT EXISTS idx_user_achievements_user_earned ON user_achievements (user_id, earned_at)`,
		},
	},
	{
		name: "004_achievement_progress",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS achievement_progress (
				id             BIGSERIAL PRIMARY KEY,
				user_id        BIGINT NOT NULL,
				achievement_id BIGINT NOT NULL REFERENCES achievements(id) ON DELETE CASCADE,
				current_value  DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (current_value >= 0),
				target_value   DOUBLE PRECISION NOT NULL DEFAULT 0,
				progress_data  JSONB,
				last_updated   TIMESTAMPTZ NOT NULL DEFAULT now(),
				CONSTRAINT uq_achievement_progress UNIQUE (user_id, achievement_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_progress_user ON achievement_progress (user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_progress_achievement ON achievement_progress (achievement_id)`,
			`CREATE INDEX IF NOT EXISTS idx_progress_user_updated ON achievement_progress (user_id, last_updated)`,
		},
	},
	{
		name: "005_achievement_events",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS achievement_events (
				id             BIGSERIAL PRIMARY KEY,
				user_id        BIGINT NOT NULL,
				guild_id       BIGINT NOT NULL,
				event_type     TEXT NOT NULL,
				event_data     JSONB,
				timestamp      TIMESTAMPTZ NOT NULL DEFAULT now(),
				channel_id     BIGINT,
				processed      BOOLEAN NOT NULL DEFAULT false,
				correlation_id TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_user_type ON achievement_events (user_id, event_type)`,
			`CREATE INDEX IF NOT EXISTS idx_events_guild_ts ON achievement_events (guild_id, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_events_processed_ts ON achievement_events (processed, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_events_correlation ON achievement_events (correlation_id)`,
		},
	},
	{
		name: "006_notifications",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS notification_preferences (
				user_id              BIGINT NOT NULL,
				guild_id             BIGINT NOT NULL,
				dm_enabled           BOOLEAN NOT NULL DEFAULT true,
				announcement_enabled BOOLEAN NOT NULL DEFAULT true,
				types                TEXT[] NOT NULL DEFAULT '{}',
				PRIMARY KEY (user_id, guild_id)
			)`,
			`CREATE TABLE IF NOT EXISTS guild_notification_settings (
				guild_id                BIGINT PRIMARY KEY,
				announcement_channel_id BIGINT,
				announcement_enabled    BOOLEAN NOT NULL DEFAULT false,
				rate_limit_seconds      INT NOT NULL DEFAULT 60,
				important_only          BOOLEAN NOT NULL DEFAULT false
			)`,
			`CREATE TABLE IF NOT EXISTS notification_events (
				id             BIGSERIAL PRIMARY KEY,
				user_id        BIGINT NOT NULL,
				guild_id       BIGINT NOT NULL,
				achievement_id BIGINT NOT NULL,
				kind           TEXT NOT NULL,
				sent_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
				delivery_status TEXT NOT NULL DEFAULT 'PENDING',
				error_message  TEXT NOT NULL DEFAULT '',
				retry_count    INT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notification_events_user_sent ON notification_events (user_id, sent_at)`,
			`CREATE INDEX IF NOT EXISTS idx_notification_events_status ON notification_events (delivery_status)`,
		},
	},
	{
		name: "007_seed_default_categories",
		stmts: []string{
			`INSERT INTO categories (name, description, display_order, icon)
			 SELECT v.name, v.description, v.display_order, v.icon
			 FROM (VALUES
				('General',  'Catch-all achievements',            0, 'star'),
				('Social',   'Messaging and reactions',           1, 'chat'),
				('Activity', 'Voice and command usage',           2, 'mic'),
				('Special',  'Admin-granted and seasonal awards', 3, 'gem')
			 ) AS v(name, description, display_order, icon)
			 WHERE NOT EXISTS (SELECT 1 FROM categories)`,
		},
	},
}

// Migrate applies all pending migration steps. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return wrapErr("migrate.init", err)
	}

	for _, m := range migrations {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.name).Scan(&applied)
		if err != nil {
			return wrapErr("migrate.check", err)
		}
		if applied {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return wrapErr("migrate.begin", err)
		}
		ok := false
		func() {
			defer func() {
				if !ok {
					_ = tx.Rollback(ctx)
				}
			}()
			for _, stmt := range m.stmts {
				if _, err = tx.Exec(ctx, stmt); err != nil {
					return
				}
			}
			if _, err = tx.Exec(ctx,
				`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, m.name); err != nil {
				return
			}
			err = tx.Commit(ctx)
			ok = err == nil
		}()
		if err != nil {
			return wrapErr("migrate."+m.name, err)
		}
		logger.Infow("Applied migration", "name", m.name)
	}
	return nil
}
