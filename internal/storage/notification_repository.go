package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildforge/achievement-engine/internal/models"
)

// NotificationRepository persists delivery preferences, per-guild
// announcement settings and the delivery audit log.
type NotificationRepository struct {
	pool *pgxpool.Pool
	obs  Observer
}

func NewNotificationRepository(pool *pgxpool.Pool, obs Observer) *NotificationRepository {
	return &NotificationRepository{pool: pool, obs: obs}
}

// GetPreference returns the stored preference, or the defaults when the
// user has no row.
func (r *NotificationRepository) GetPreference(ctx context.Context, userID, guildID int64) (_ *models.NotificationPreference, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.get_preference", start, err) }()

	var p models.NotificationPreference
	err = r.pool.QueryRow(ctx, `
		SELECT user_id, guild_id, dm_enabled, announcement_enabled, types
		FROM notification_preferences
		WHERE user_id = $1 AND guild_id = $2`, userID, guildID).
		Scan(&p.UserID, &p.GuildID, &p.DMEnabled, &p.AnnouncementEnabled, &p.Types)
	if err == pgx.ErrNoRows {
		def := models.DefaultPreference(userID, guildID)
		return &def, nil
	}
	if err != nil {
		return nil, wrapErr("notify.get_preference", err)
	}
	return &p, nil
}

func (r *NotificationRepository) UpsertPreference(ctx context.Context, p *models.NotificationPreference) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.upsert_preference", start, err) }()

	types := p.Types
	if types == nil {
		types = []string{}
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, guild_id, dm_enabled, announcement_enabled, types)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, guild_id) DO UPDATE
		SET dm_enabled = EXCLUDED.dm_enabled,
		    announcement_enabled = EXCLUDED.announcement_enabled,
		    types = EXCLUDED.types`,
		p.UserID, p.GuildID, p.DMEnabled, p.AnnouncementEnabled, types)
	return wrapErr("notify.upsert_preference", err)
}

// GetGuildSettings returns the guild announcement policy, or a disabled
// default when none has been configured.
func (r *NotificationRepository) GetGuildSettings(ctx context.Context, guildID int64) (_ *models.GlobalNotificationSettings, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.get_guild_settings", start, err) }()

	var s models.GlobalNotificationSettings
	var channelID *int64
	err = r.pool.QueryRow(ctx, `
		SELECT guild_id, announcement_channel_id, announcement_enabled, rate_limit_seconds, important_only
		FROM guild_notification_settings
		WHERE guild_id = $1`, guildID).
		Scan(&s.GuildID, &channelID, &s.AnnouncementEnabled, &s.RateLimitSeconds, &s.ImportantOnly)
	if err == pgx.ErrNoRows {
		return &models.GlobalNotificationSettings{GuildID: guildID, RateLimitSeconds: 60}, nil
	}
	if err != nil {
		return nil, wrapErr("notify.get_guild_settings", err)
	}
	if channelID != nil {
		s.AnnouncementChannelID = *channelID
	}
	return &s, nil
}

func (r *NotificationRepository) UpsertGuildSettings(ctx context.Context, s *models.GlobalNotificationSettings) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.upsert_guild_settings", start, err) }()

	var channelID *int64
	if s.AnnouncementChannelID != 0 {
		channelID = &s.AnnouncementChannelID
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO guild_notification_settings (guild_id, announcement_channel_id, announcement_enabled, rate_limit_seconds, important_only)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id) DO UPDATE
		SET announcement_channel_id = EXCLUDED.announcement_channel_id,
		    announcement_enabled = EXCLUDED.announcement_enabled,
		    rate_limit_seconds = EXCLUDED.rate_limit_seconds,
		    important_only = EXCLUDED.important_only`,
		s.GuildID, channelID, s.AnnouncementEnabled, s.RateLimitSeconds, s.ImportantOnly)
	return wrapErr("notify.upsert_guild_settings", err)
}

const deliveryCols = `id, user_id, guild_id, achievement_id, kind, sent_at, delivery_status, error_message, retry_count`

func scanDelivery(row pgx.Row) (*models.NotificationDeliveryRecord, error) {
	var d models.NotificationDeliveryRecord
	err := row.Scan(&d.ID, &d.UserID, &d.GuildID, &d.AchievementID, &d.Kind,
		&d.SentAt, &d.Status, &d.ErrorMessage, &d.RetryCount)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery opens a PENDING audit row for one delivery attempt.
func (r *NotificationRepository) CreateDelivery(ctx context.Context, userID, guildID, achievementID int64, kind models.DeliveryKind) (_ *models.NotificationDeliveryRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.create_delivery", start, err) }()

	d, err := scanDelivery(r.pool.QueryRow(ctx, `
		INSERT INTO notification_events (user_id, guild_id, achievement_id, kind)
		VALUES ($1, $2, $3, $4)
		RETURNING `+deliveryCols, userID, guildID, achievementID, kind))
	if err != nil {
		return nil, wrapErr("notify.create_delivery", err)
	}
	return d, nil
}

// UpdateDeliveryStatus records the terminal or retried state of a
// delivery row together with its last error.
func (r *NotificationRepository) UpdateDeliveryStatus(ctx context.Context, id int64, status models.DeliveryStatus, errMsg string, retryCount int) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.update_delivery", start, err) }()

	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_events
		SET delivery_status = $2, error_message = $3, retry_count = $4, sent_at = now()
		WHERE id = $1`, id, status, errMsg, retryCount)
	if err != nil {
		return wrapErr("notify.update_delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("notify.update_delivery", pgx.ErrNoRows)
	}
	return nil
}

// ListDeliveries returns a user's delivery history, newest first.
func (r *NotificationRepository) ListDeliveries(ctx context.Context, userID int64, limit int) (_ []*models.NotificationDeliveryRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "notify.list_deliveries", start, err) }()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryCols+` FROM notification_events
		WHERE user_id = $1 ORDER BY sent_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrapErr("notify.list_deliveries", err)
	}
	defer rows.Close()

	var out []*models.NotificationDeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapErr("notify.list_deliveries", err)
		}
		out = append(out, d)
	}
	return out, wrapErr("notify.list_deliveries", rows.Err())
}
