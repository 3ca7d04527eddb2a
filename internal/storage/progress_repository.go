package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildforge/achievement-engine/internal/models"
)

// ProgressRepository persists per-user progress rows and earned awards.
type ProgressRepository struct {
	pool *pgxpool.Pool
	obs  Observer
}

func NewProgressRepository(pool *pgxpool.Pool, obs Observer) *ProgressRepository {
	return &ProgressRepository{pool: pool, obs: obs}
}

const progressCols = `id, user_id, achievement_id, current_value, target_value, progress_data, last_updated`

func scanProgress(row pgx.Row) (*models.AchievementProgress, error) {
	var p models.AchievementProgress
	err := row.Scan(&p.ID, &p.UserID, &p.AchievementID, &p.CurrentValue,
		&p.TargetValue, &p.ProgressData, &p.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyFunc mutates a locked progress row. The row it receives carries the
// previous current_value (zero when the user has no row yet) and the target
// refreshed from the achievement definition.
type ApplyFunc func(cur *models.AchievementProgress) error

// Apply runs fn under a row lock and upserts the result in the same
// transaction, so threshold crossings computed from prev and the returned
// row are race-free. Returns the pre-update value alongside the stored row.
func (r *ProgressRepository) Apply(ctx context.Context, userID, achievementID int64, fn ApplyFunc) (prev float64, _ *models.AchievementProgress, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.apply", start, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, nil, wrapErr("progress.apply", err)
	}
	defer tx.Rollback(ctx)

	var target float64
	var active bool
	err = tx.QueryRow(ctx, `
		SELECT COALESCE((criteria->>'target_value')::float8, 0), is_active
		FROM achievements WHERE id = $1`, achievementID).Scan(&target, &active)
	if err != nil {
		return 0, nil, wrapErr("progress.apply", err)
	}

	cur, err := scanProgress(tx.QueryRow(ctx, `
		SELECT `+progressCols+` FROM achievement_progress
		WHERE user_id = $1 AND achievement_id = $2
		FOR UPDATE`, userID, achievementID))
	if err == pgx.ErrNoRows {
		cur = &models.AchievementProgress{UserID: userID, AchievementID: achievementID}
		err = nil
	}
	if err != nil {
		return 0, nil, wrapErr("progress.apply", err)
	}
	prev = cur.CurrentValue
	cur.TargetValue = target

	if err = fn(cur); err != nil {
		return prev, nil, err
	}

	updated, err := scanProgress(tx.QueryRow(ctx, `
		INSERT INTO achievement_progress (user_id, achievement_id, current_value, target_value, progress_data, last_updated)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT ON CONSTRAINT uq_achievement_progress DO UPDATE
		SET current_value = EXCLUDED.current_value,
		    target_value  = EXCLUDED.target_value,
		    progress_data = EXCLUDED.progress_data,
		    last_updated  = now()
		RETURNING `+progressCols,
		userID, achievementID, cur.CurrentValue, cur.TargetValue, cur.ProgressData))
	if err != nil {
		return prev, nil, wrapErr("progress.apply", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return prev, nil, wrapErr("progress.apply", err)
	}
	return prev, updated, nil
}

func (r *ProgressRepository) GetProgress(ctx context.Context, userID, achievementID int64) (_ *models.AchievementProgress, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.get", start, err) }()

	p, err := scanProgress(r.pool.QueryRow(ctx, `
		SELECT `+progressCols+` FROM achievement_progress
		WHERE user_id = $1 AND achievement_id = $2`, userID, achievementID))
	if err != nil {
		return nil, wrapErr("progress.get", err)
	}
	return p, nil
}

// ListUserProgress returns every progress row a user has, newest first.
func (r *ProgressRepository) ListUserProgress(ctx context.Context, userID int64) (_ []*models.AchievementProgress, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.list_user", start, err) }()

	rows, err := r.pool.Query(ctx, `
		SELECT `+progressCols+` FROM achievement_progress
		WHERE user_id = $1 ORDER BY last_updated DESC`, userID)
	if err != nil {
		return nil, wrapErr("progress.list_user", err)
	}
	defer rows.Close()

	var out []*models.AchievementProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, wrapErr("progress.list_user", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("progress.list_user", rows.Err())
}

// DeleteProgress removes the progress row after an award so a revoked user
// starts over. Missing rows are not an error.
func (r *ProgressRepository) DeleteProgress(ctx context.Context, userID, achievementID int64) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.delete", start, err) }()

	_, err = r.pool.Exec(ctx, `
		DELETE FROM achievement_progress WHERE user_id = $1 AND achievement_id = $2`,
		userID, achievementID)
	return wrapErr("progress.delete", err)
}

const awardCols = `id, user_id, achievement_id, earned_at, notified`

func scanAward(row pgx.Row) (*models.UserAchievement, error) {
	var ua models.UserAchievement
	err := row.Scan(&ua.ID, &ua.UserID, &ua.AchievementID, &ua.EarnedAt, &ua.Notified)
	if err != nil {
		return nil, err
	}
	return &ua, nil
}

// InsertAward records an earned achievement. The unique constraint makes
// the insert idempotent; inserted reports whether this call created the
// row, and the returned record is always the canonical one.
func (r *ProgressRepository) InsertAward(ctx context.Context, userID, achievementID int64) (_ *models.UserAchievement, inserted bool, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.insert_award", start, err) }()

	ua, err := scanAward(r.pool.QueryRow(ctx, `
		INSERT INTO user_achievements (user_id, achievement_id)
		VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT uq_user_achievements DO NOTHING
		RETURNING `+awardCols, userID, achievementID))
	if err == nil {
		return ua, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, wrapErr("progress.insert_award", err)
	}

	// Lost the race or already earned; fetch the existing row.
	ua, err = scanAward(r.pool.QueryRow(ctx, `
		SELECT `+awardCols+` FROM user_achievements
		WHERE user_id = $1 AND achievement_id = $2`, userID, achievementID))
	if err != nil {
		return nil, false, wrapErr("progress.insert_award", err)
	}
	return ua, false, nil
}

func (r *ProgressRepository) HasAward(ctx context.Context, userID, achievementID int64) (_ bool, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.has_award", start, err) }()

	var has bool
	err = r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_achievements WHERE user_id = $1 AND achievement_id = $2)`,
		userID, achievementID).Scan(&has)
	if err != nil {
		return false, wrapErr("progress.has_award", err)
	}
	return has, nil
}

// ListUserAwards returns a user's earned achievements, newest first.
func (r *ProgressRepository) ListUserAwards(ctx context.Context, userID int64) (_ []*models.UserAchievement, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.list_awards", start, err) }()

	rows, err := r.pool.Query(ctx, `
		SELECT `+awardCols+` FROM user_achievements
		WHERE user_id = $1 ORDER BY earned_at DESC`, userID)
	if err != nil {
		return nil, wrapErr("progress.list_awards", err)
	}
	defer rows.Close()

	var out []*models.UserAchievement
	for rows.Next() {
		ua, err := scanAward(rows)
		if err != nil {
			return nil, wrapErr("progress.list_awards", err)
		}
		out = append(out, ua)
	}
	return out, wrapErr("progress.list_awards", rows.Err())
}

// MarkNotified flips the notified flag once delivery succeeds.
func (r *ProgressRepository) MarkNotified(ctx context.Context, userID, achievementID int64) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.mark_notified", start, err) }()

	tag, err := r.pool.Exec(ctx, `
		UPDATE user_achievements SET notified = true
		WHERE user_id = $1 AND achievement_id = $2`, userID, achievementID)
	if err != nil {
		return wrapErr("progress.mark_notified", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("progress.mark_notified", pgx.ErrNoRows)
	}
	return nil
}

// RevokeAward removes an earned achievement and its progress row.
// Returns false when the user never had it.
func (r *ProgressRepository) RevokeAward(ctx context.Context, userID, achievementID int64) (_ bool, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "progress.revoke_award", start, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, wrapErr("progress.revoke_award", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM user_achievements WHERE user_id = $1 AND achievement_id = $2`,
		userID, achievementID)
	if err != nil {
		return false, wrapErr("progress.revoke_award", err)
	}
	_, err = tx.Exec(ctx, `
		DELETE FROM achievement_progress WHERE user_id = $1 AND achievement_id = $2`,
		userID, achievementID)
	if err != nil {
		return false, wrapErr("progress.revoke_award", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, wrapErr("progress.revoke_award", err)
	}
	return tag.RowsAffected() > 0, nil
}
