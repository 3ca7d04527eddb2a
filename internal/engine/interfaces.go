package engine

import (
	"context"
	"time"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/progress"
)

// EventStore is the durable event log the engine writes before any
// visible effect. Satisfied by *storage.EventRepository.
type EventStore interface {
	Record(ctx context.Context, ev *models.Event) (*models.EventRecord, error)
	FetchUnprocessed(ctx context.Context, limit int, types []string) ([]*models.EventRecord, error)
	MarkProcessed(ctx context.Context, ids []int64) (int64, error)
}

// Catalog resolves candidate achievements per type.
type Catalog interface {
	ActiveByType(ctx context.Context, achievementType string) ([]*models.Achievement, error)
}

// Tracker applies evaluator deltas with per-(user, achievement)
// serialization.
type Tracker interface {
	ApplyWith(ctx context.Context, userID, achievementID int64, compute func(cur *models.AchievementProgress) (progress.Delta, bool, error)) (progress.Transition, bool, error)
}

// Awarder grants and revokes achievements.
type Awarder interface {
	MaybeAward(ctx context.Context, userID, achievementID, guildID int64) (award.Result, error)
	AwardDirectly(ctx context.Context, userID, achievementID, guildID int64) (award.Result, error)
	Revoke(ctx context.Context, userID, achievementID int64) (bool, error)
}

// Metrics receives pipeline measurements. A nil Metrics disables them.
type Metrics interface {
	ObserveEvent(eventType string, d time.Duration, success bool)
	SetQueueDepth(n int)
}
