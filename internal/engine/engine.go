package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/progress"
)

// Config tunes the pipeline.
type Config struct {
	Workers        int
	QueueCapacity  int
	BatchSize      int
	ReplayInterval time.Duration
	// BlockProducer chooses the backpressure policy: block Dispatch on a
	// full queue, or shed with models.ErrBusy.
	BlockProducer bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 10000
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 200
	}
	if out.ReplayInterval <= 0 {
		out.ReplayInterval = 30 * time.Second
	}
	return out
}

// markFlushInterval bounds how long a processed flag can sit unflushed.
const markFlushInterval = time.Second

var errStopped = errors.New("engine stopped")

// Engine drives events through persist, evaluate, award, mark-processed.
type Engine struct {
	cfg      Config
	store    EventStore
	catalog  Catalog
	tracker  Tracker
	awards   Awarder
	registry *progress.Registry
	metrics  Metrics
	logger   *zap.SugaredLogger

	queue       chan *models.EventRecord
	processedCh chan int64

	mu      sync.RWMutex
	stopped bool

	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	workersWG    sync.WaitGroup
	markerWG     sync.WaitGroup
	replayWG     sync.WaitGroup
	replayCancel context.CancelFunc
}

func New(cfg Config, store EventStore, catalog Catalog, tracker Tracker, awards Awarder, registry *progress.Registry, metrics Metrics, logger *zap.SugaredLogger) *Engine {
	c := cfg.withDefaults()
	return &Engine{
		cfg:         c,
		store:       store,
		catalog:     catalog,
		tracker:     tracker,
		awards:      awards,
		registry:    registry,
		metrics:     metrics,
		logger:      logger,
		queue:       make(chan *models.EventRecord, c.QueueCapacity),
		processedCh: make(chan int64, c.QueueCapacity),
		inflight:    make(map[int64]struct{}),
	}
}

// Start launches the worker pool, the processed-flag batcher and the
// replay loop. ctx bounds all background work.
func (e *Engine) Start(ctx context.Context) {
	e.markerWG.Add(1)
	go e.markLoop(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.workersWG.Add(1)
		go e.worker(ctx)
	}

	replayCtx, cancel := context.WithCancel(ctx)
	e.replayCancel = cancel
	e.replayWG.Add(1)
	go e.replayLoop(replayCtx)

	e.logger.Infow("Trigger engine started",
		"workers", e.cfg.Workers, "queueCapacity", e.cfg.QueueCapacity,
		"batchSize", e.cfg.BatchSize, "replayInterval", e.cfg.ReplayInterval)
}

// Stop drains the queue, flushes processed flags and returns. Events
// still queued when ctx expires stay unprocessed in the log for the
// next start.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	if e.replayCancel != nil {
		e.replayCancel()
	}
	e.replayWG.Wait()

	workersDone := make(chan struct{})
	go func() {
		e.workersWG.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		close(e.processedCh)
		e.markerWG.Wait()
	case <-ctx.Done():
		e.logger.Warnw("Shutdown grace expired with events still queued")
		// A worker may still be mid-event and about to report on
		// processedCh; it must not find the channel closed. The straggler
		// finishes, the marker flushes, and anything unflushed is
		// replayed on the next start.
		go func() {
			<-workersDone
			close(e.processedCh)
		}()
	}
	e.logger.Infow("Trigger engine stopped")
}

// Dispatch persists the event and hands it to the worker pool. Ok means
// the event is durable; evaluation may still be pending. With a full
// queue the call blocks (default policy) or returns models.ErrBusy, in
// which case the persisted event is picked up by replay.
func (e *Engine) Dispatch(ctx context.Context, ev *models.Event) (*models.EventRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	rec, err := e.store.Record(ctx, ev)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return rec, errStopped
	}

	e.markInflight(rec.ID)
	if e.cfg.BlockProducer {
		select {
		case e.queue <- rec:
		case <-ctx.Done():
			e.clearInflight(rec.ID)
			return rec, ctx.Err()
		}
	} else {
		select {
		case e.queue <- rec:
		default:
			e.clearInflight(rec.ID)
			return rec, models.ErrBusy
		}
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth(len(e.queue))
	}
	return rec, nil
}

// QueueDepth reports events waiting in the input queue.
func (e *Engine) QueueDepth() int { return len(e.queue) }

func (e *Engine) markInflight(id int64) {
	e.inflightMu.Lock()
	e.inflight[id] = struct{}{}
	e.inflightMu.Unlock()
}

func (e *Engine) clearInflight(id int64) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) isInflight(id int64) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) worker(ctx context.Context) {
	defer e.workersWG.Done()
	for rec := range e.queue {
		ok := e.processEvent(ctx, rec)
		e.clearInflight(rec.ID)
		if ok {
			e.processedCh <- rec.ID
		}
		if e.metrics != nil {
			e.metrics.SetQueueDepth(len(e.queue))
		}
	}
}

// markLoop batches processed ids into MarkProcessed calls.
func (e *Engine) markLoop(ctx context.Context) {
	defer e.markerWG.Done()

	ticker := time.NewTicker(markFlushInterval)
	defer ticker.Stop()

	batch := make([]int64, 0, e.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := e.store.MarkProcessed(context.WithoutCancel(ctx), batch); err != nil {
			e.logger.Errorw("Failed to mark events processed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case id, ok := <-e.processedCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, id)
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// replayLoop periodically pulls unprocessed events and runs them through
// the same evaluation path. The first pass fires immediately so a
// restart picks up the backlog without waiting a full interval.
func (e *Engine) replayLoop(ctx context.Context) {
	defer e.replayWG.Done()

	ticker := time.NewTicker(e.cfg.ReplayInterval)
	defer ticker.Stop()

	e.replayOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.replayOnce(ctx)
		}
	}
}

func (e *Engine) replayOnce(ctx context.Context) {
	recs, err := e.store.FetchUnprocessed(ctx, e.cfg.BatchSize, nil)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Errorw("Replay fetch failed", "error", err)
		}
		return
	}

	var todo []*models.EventRecord
	for _, rec := range recs {
		if !e.isInflight(rec.ID) {
			e.markInflight(rec.ID)
			todo = append(todo, rec)
		}
	}
	if len(todo) == 0 {
		return
	}
	e.logger.Infow("Replaying unprocessed events", "count", len(todo))

	var doneMu sync.Mutex
	var doneIDs []int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, rec := range todo {
		rec := rec
		g.Go(func() error {
			ok := e.processEvent(gctx, rec)
			e.clearInflight(rec.ID)
			if ok {
				doneMu.Lock()
				doneIDs = append(doneIDs, rec.ID)
				doneMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(doneIDs) > 0 {
		if _, err := e.store.MarkProcessed(context.WithoutCancel(ctx), doneIDs); err != nil {
			e.logger.Errorw("Failed to mark replayed events processed", "count", len(doneIDs), "error", err)
		}
	}
}

// processEvent runs one event to its terminal state. Returns true when
// the event may be marked processed; false leaves it in the log for
// retry.
func (e *Engine) processEvent(ctx context.Context, rec *models.EventRecord) (ok bool) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveEvent(rec.EventType, time.Since(start), ok)
		}
	}()

	switch rec.EventType {
	case models.EventGranted:
		return e.processAdminGrant(ctx, rec)
	case models.EventRevoked:
		return e.processAdminRevoke(ctx, rec)
	}

	types := e.registry.TypesForEvent(rec.EventType)
	if len(types) == 0 {
		// Unknown event types are terminal no-ops.
		return true
	}

	for _, achievementType := range types {
		evaluator, found := e.registry.Get(achievementType)
		if !found {
			continue
		}
		candidates, err := e.catalog.ActiveByType(ctx, achievementType)
		if err != nil {
			e.logger.Errorw("Candidate lookup failed",
				"eventID", rec.ID, "achievementType", achievementType, "error", err)
			return false
		}
		for _, a := range candidates {
			if err := e.evaluateCandidate(ctx, rec, a, evaluator); err != nil {
				if isEvaluatorError(err) {
					// Poison-pill containment: record and move on.
					e.logger.Errorw("Evaluator failed",
						"eventID", rec.ID, "achievementID", a.ID, "error", err)
					continue
				}
				e.logger.Errorw("Progress update failed",
					"eventID", rec.ID, "achievementID", a.ID, "error", err)
				return false
			}
		}
	}
	return true
}

// evaluatorError wraps a failure inside evaluator code, as opposed to a
// storage failure around it.
type evaluatorError struct{ err error }

func (e *evaluatorError) Error() string { return "evaluator: " + e.err.Error() }
func (e *evaluatorError) Unwrap() error { return e.err }

func isEvaluatorError(err error) bool {
	var ee *evaluatorError
	return errors.As(err, &ee)
}

func (e *Engine) evaluateCandidate(ctx context.Context, rec *models.EventRecord, a *models.Achievement, evaluator progress.Evaluator) error {
	tr, applied, err := e.tracker.ApplyWith(ctx, rec.UserID, a.ID, func(cur *models.AchievementProgress) (d progress.Delta, relevant bool, evalErr error) {
		defer func() {
			if r := recover(); r != nil {
				relevant = false
				evalErr = &evaluatorError{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		d, relevant, evalErr = evaluator.ApplyEvent(cur, a, rec)
		if evalErr != nil {
			evalErr = &evaluatorError{err: evalErr}
		}
		return
	})
	if err != nil {
		return err
	}
	if !applied || !tr.CrossedThreshold {
		return nil
	}
	// The evaluator gets the final say on the row it just shaped.
	if tr.Row != nil && !evaluator.IsSatisfied(tr.Row, a) {
		return nil
	}

	res, err := e.awards.MaybeAward(ctx, rec.UserID, a.ID, rec.GuildID)
	if err != nil {
		return err
	}
	e.logger.Debugw("Award attempt",
		"userID", rec.UserID, "achievementID", a.ID, "outcome", res.Outcome)
	return nil
}

type adminPayload struct {
	AchievementID int64 `json:"achievement_id"`
}

func (e *Engine) adminPayload(rec *models.EventRecord) (adminPayload, bool) {
	var p adminPayload
	if len(rec.EventData) == 0 || json.Unmarshal(rec.EventData, &p) != nil || p.AchievementID == 0 {
		e.logger.Errorw("Admin event without achievement_id", "eventID", rec.ID, "type", rec.EventType)
		return p, false
	}
	return p, true
}

func (e *Engine) processAdminGrant(ctx context.Context, rec *models.EventRecord) bool {
	p, ok := e.adminPayload(rec)
	if !ok {
		return true // malformed admin events are terminal
	}
	res, err := e.awards.AwardDirectly(ctx, rec.UserID, p.AchievementID, rec.GuildID)
	if err != nil {
		e.logger.Errorw("Admin grant failed", "eventID", rec.ID, "error", err)
		return false
	}
	e.logger.Infow("Admin grant", "userID", rec.UserID, "achievementID", p.AchievementID, "outcome", res.Outcome)
	return true
}

func (e *Engine) processAdminRevoke(ctx context.Context, rec *models.EventRecord) bool {
	p, ok := e.adminPayload(rec)
	if !ok {
		return true
	}
	revoked, err := e.awards.Revoke(ctx, rec.UserID, p.AchievementID)
	if err != nil {
		e.logger.Errorw("Admin revoke failed", "eventID", rec.ID, "error", err)
		return false
	}
	e.logger.Infow("Admin revoke", "userID", rec.UserID, "achievementID", p.AchievementID, "revoked", revoked)
	return true
}
