package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildforge/achievement-engine/internal/models"
)

// EventRepository owns the append-only activity event log.
type EventRepository struct {
	pool *pgxpool.Pool
	obs  Observer
}

func NewEventRepository(pool *pgxpool.Pool, obs Observer) *EventRepository {
	return &EventRepository{pool: pool, obs: obs}
}

const eventCols = `id, user_id, guild_id, event_type, event_data, timestamp, channel_id, processed, correlation_id`

func scanEvent(row pgx.Row) (*models.EventRecord, error) {
	var e models.EventRecord
	var channelID *int64
	var correlationID *string
	err := row.Scan(&e.ID, &e.UserID, &e.GuildID, &e.EventType, &e.EventData,
		&e.Timestamp, &channelID, &e.Processed, &correlationID)
	if err != nil {
		return nil, err
	}
	if channelID != nil {
		e.ChannelID = *channelID
	}
	if correlationID != nil {
		e.CorrelationID = *correlationID
	}
	return &e, nil
}

func eventArgs(ev *models.Event) []any {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var channelID *int64
	if ev.ChannelID != 0 {
		channelID = &ev.ChannelID
	}
	var correlationID *string
	if ev.CorrelationID != "" {
		correlationID = &ev.CorrelationID
	}
	return []any{ev.UserID, ev.GuildID, ev.EventType, ev.EventData, ts, channelID, correlationID}
}

const insertEventSQL = `
	INSERT INTO achievement_events (user_id, guild_id, event_type, event_data, timestamp, channel_id, correlation_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + eventCols

// Record persists one inbound event with processed = false.
func (r *EventRepository) Record(ctx context.Context, ev *models.Event) (_ *models.EventRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.record", start, err) }()

	rec, err := scanEvent(r.pool.QueryRow(ctx, insertEventSQL, eventArgs(ev)...))
	if err != nil {
		return nil, wrapErr("events.record", err)
	}
	return rec, nil
}

// RecordBatch persists a batch in one round trip.
func (r *EventRepository) RecordBatch(ctx context.Context, evs []*models.Event) (_ []*models.EventRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.record_batch", start, err) }()

	if len(evs) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		batch.Queue(insertEventSQL, eventArgs(ev)...)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]*models.EventRecord, 0, len(evs))
	for range evs {
		rec, err := scanEvent(br.QueryRow())
		if err != nil {
			return nil, wrapErr("events.record_batch", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchUnprocessed returns up to limit unprocessed events in timestamp
// order, oldest first, so replay preserves arrival order. A non-empty
// types slice restricts the scan to those event types.
func (r *EventRepository) FetchUnprocessed(ctx context.Context, limit int, types []string) (_ []*models.EventRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.fetch_unprocessed", start, err) }()

	q := `SELECT ` + eventCols + ` FROM achievement_events WHERE processed = false`
	args := []any{limit}
	if len(types) > 0 {
		args = append(args, types)
		q += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	q += ` ORDER BY timestamp ASC, id ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("events.fetch_unprocessed", err)
	}
	defer rows.Close()
	return collectEvents(rows, "events.fetch_unprocessed")
}

// MarkProcessed flips the processed flag for the given event ids. Already
// processed ids are skipped, which keeps replay idempotent.
func (r *EventRepository) MarkProcessed(ctx context.Context, ids []int64) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.mark_processed", start, err) }()

	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE achievement_events SET processed = true
		WHERE id = ANY($1) AND processed = false`, ids)
	if err != nil {
		return 0, wrapErr("events.mark_processed", err)
	}
	return tag.RowsAffected(), nil
}

// List reads the event log through the filter, newest first.
func (r *EventRepository) List(ctx context.Context, f models.EventFilter) (_ []*models.EventRecord, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.list", start, err) }()

	q := `SELECT ` + eventCols + ` FROM achievement_events WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.GuildID != 0 {
		args = append(args, f.GuildID)
		q += fmt.Sprintf(" AND guild_id = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		q += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}
	q += ` ORDER BY timestamp DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("events.list", err)
	}
	defer rows.Close()
	return collectEvents(rows, "events.list")
}

func collectEvents(rows pgx.Rows, op string) ([]*models.EventRecord, error) {
	var out []*models.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, e)
	}
	return out, wrapErr(op, rows.Err())
}

// CleanupOldEvents deletes events older than cutoff in batches of
// batchSize until none remain, returning the total deleted. With
// keepProcessed true every old event is eligible; with keepProcessed
// false only unprocessed old events are deleted and processed history is
// retained for auditing.
func (r *EventRepository) CleanupOldEvents(ctx context.Context, cutoff time.Time, keepProcessed bool, batchSize int) (total int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.cleanup", start, err) }()

	if batchSize <= 0 {
		batchSize = 1000
	}
	q := `
		DELETE FROM achievement_events
		WHERE id IN (
			SELECT id FROM achievement_events
			WHERE timestamp < $1`
	if !keepProcessed {
		q += ` AND processed = false`
	}
	q += `
			ORDER BY timestamp ASC
			LIMIT $2
		)`

	for {
		tag, err := r.pool.Exec(ctx, q, cutoff, batchSize)
		if err != nil {
			return total, wrapErr("events.cleanup", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// ArchiveOldEvents copies processed events older than cutoff into
// achievement_events_archive and deletes the originals in the same
// transaction, in batches. Rows are never deleted without the copy
// committing alongside.
func (r *EventRepository) ArchiveOldEvents(ctx context.Context, cutoff time.Time, batchSize int) (total int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "events.archive", start, err) }()

	if batchSize <= 0 {
		batchSize = 1000
	}
	_, err = r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS achievement_events_archive (
			LIKE achievement_events INCLUDING DEFAULTS,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return 0, wrapErr("events.archive", err)
	}

	for {
		var n int64
		n, err = r.archiveBatch(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func (r *EventRepository) archiveBatch(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr("events.archive", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM achievement_events
			WHERE id IN (
				SELECT id FROM achievement_events
				WHERE processed = true AND timestamp < $1
				ORDER BY timestamp ASC
				LIMIT $2
			)
			RETURNING `+eventCols+`
		)
		INSERT INTO achievement_events_archive (`+eventCols+`)
		SELECT `+eventCols+` FROM moved`, cutoff, batchSize)
	if err != nil {
		return 0, wrapErr("events.archive", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr("events.archive", err)
	}
	return tag.RowsAffected(), nil
}
