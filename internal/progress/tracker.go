package progress

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// Store is the persistence surface the tracker needs. Satisfied by
// *storage.ProgressRepository.
type Store interface {
	Apply(ctx context.Context, userID, achievementID int64, fn storage.ApplyFunc) (prev float64, updated *models.AchievementProgress, err error)
	GetProgress(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error)
	ListUserProgress(ctx context.Context, userID int64) ([]*models.AchievementProgress, error)
}

// Tracker applies progress deltas with per-(user, achievement)
// serialization. The in-process keyed mutex orders local callers; the
// row lock inside Store.Apply keeps the threshold edge race-free even
// across processes.
type Tracker struct {
	store  Store
	locks  *keyedMutex
	logger *zap.SugaredLogger
}

func NewTracker(store Store, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{store: store, locks: newKeyedMutex(), logger: logger}
}

// Apply runs one delta against the progress row and reports the
// transition. crossed_threshold is computed from the values read and
// written inside the same transaction.
func (t *Tracker) Apply(ctx context.Context, userID, achievementID int64, d Delta) (Transition, error) {
	k := lockKey{userID: userID, achievementID: achievementID}
	t.locks.Lock(k)
	defer t.locks.Unlock(k)

	prev, updated, err := t.store.Apply(ctx, userID, achievementID, func(cur *models.AchievementProgress) error {
		switch {
		case d.SetValue != nil:
			cur.CurrentValue = *d.SetValue
		default:
			cur.CurrentValue += d.IncBy
		}
		if cur.CurrentValue < 0 {
			cur.CurrentValue = 0
		}
		if d.Data != nil {
			cur.ProgressData = d.Data
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	tr := Transition{
		Previous: prev,
		Current:  updated.CurrentValue,
		Target:   updated.TargetValue,
		Row:      updated,
	}
	tr.CrossedThreshold = tr.Target > 0 && tr.Previous < tr.Target && tr.Current >= tr.Target
	if tr.CrossedThreshold {
		t.logger.Infow("Progress crossed threshold",
			"userID", userID, "achievementID", achievementID,
			"previous", tr.Previous, "current", tr.Current, "target", tr.Target)
	}
	return tr, nil
}

// errSkip aborts an apply without persisting anything.
var errSkip = errors.New("progress apply skipped")

// ApplyWith computes the delta inside the row lock, so evaluators that
// derive their delta from current state (time windows) never race with
// concurrent applies. compute returning relevant=false leaves the row
// untouched.
func (t *Tracker) ApplyWith(ctx context.Context, userID, achievementID int64, compute func(cur *models.AchievementProgress) (Delta, bool, error)) (Transition, bool, error) {
	k := lockKey{userID: userID, achievementID: achievementID}
	t.locks.Lock(k)
	defer t.locks.Unlock(k)

	prev, updated, err := t.store.Apply(ctx, userID, achievementID, func(cur *models.AchievementProgress) error {
		d, relevant, err := compute(cur)
		if err != nil {
			return err
		}
		if !relevant {
			return errSkip
		}
		switch {
		case d.SetValue != nil:
			cur.CurrentValue = *d.SetValue
		default:
			cur.CurrentValue += d.IncBy
		}
		if cur.CurrentValue < 0 {
			cur.CurrentValue = 0
		}
		if d.Data != nil {
			cur.ProgressData = d.Data
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return Transition{}, false, nil
	}
	if err != nil {
		return Transition{}, false, err
	}

	tr := Transition{
		Previous: prev,
		Current:  updated.CurrentValue,
		Target:   updated.TargetValue,
		Row:      updated,
	}
	tr.CrossedThreshold = tr.Target > 0 && tr.Previous < tr.Target && tr.Current >= tr.Target
	return tr, true, nil
}

// Get returns the progress row for (user, achievement).
func (t *Tracker) Get(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error) {
	return t.store.GetProgress(ctx, userID, achievementID)
}

// ListForUser returns all progress rows for a user.
func (t *Tracker) ListForUser(ctx context.Context, userID int64) ([]*models.AchievementProgress, error) {
	return t.store.ListUserProgress(ctx, userID)
}
