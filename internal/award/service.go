package award

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// Outcome of one award attempt.
type Outcome string

const (
	OutcomeAwarded        Outcome = "AWARDED"
	OutcomeAlreadyAwarded Outcome = "ALREADY_AWARDED"
	OutcomeNotEligible    Outcome = "NOT_ELIGIBLE"
)

// Result is the caller-visible outcome. UserAchievement is set for
// AWARDED and ALREADY_AWARDED.
type Result struct {
	Outcome         Outcome                 `json:"outcome"`
	UserAchievement *models.UserAchievement `json:"user_achievement,omitempty"`
}

// Event is the in-process award signal consumed by the notification
// router and any host-wired role binder.
type Event struct {
	UserAchievement *models.UserAchievement `json:"user_achievement"`
	Achievement     *models.Achievement     `json:"achievement"`
	GuildID         int64                   `json:"guild_id"`
}

// Store is the persistence surface the award service needs. Satisfied by
// *storage.ProgressRepository.
type Store interface {
	GetProgress(ctx context.Context, userID, achievementID int64) (*models.AchievementProgress, error)
	InsertAward(ctx context.Context, userID, achievementID int64) (*models.UserAchievement, bool, error)
	MarkNotified(ctx context.Context, userID, achievementID int64) error
	RevokeAward(ctx context.Context, userID, achievementID int64) (bool, error)
}

// Catalog resolves achievement definitions for award signals.
type Catalog interface {
	GetAchievement(ctx context.Context, id int64) (*models.Achievement, error)
}

// mirrorChannel is the Redis pub-sub channel that mirrors award signals
// to other processes (dashboards, the role binder).
const mirrorChannel = "achievement_awards"

// Service is the single award path: idempotent grant against the unique
// constraint, then an in-process signal plus a best-effort Redis mirror.
type Service struct {
	store   Store
	catalog Catalog
	rdb     *redis.Client
	events  chan Event
	logger  *zap.SugaredLogger
}

// NewService builds the award service with a bounded signal channel.
// rdb may be nil to disable the Redis mirror.
func NewService(store Store, catalog Catalog, rdb *redis.Client, signalBuffer int, logger *zap.SugaredLogger) *Service {
	if signalBuffer <= 0 {
		signalBuffer = 256
	}
	return &Service{
		store:   store,
		catalog: catalog,
		rdb:     rdb,
		events:  make(chan Event, signalBuffer),
		logger:  logger,
	}
}

// Events exposes the award signal stream. Single logical consumer: the
// notification router fan-outs further if needed.
func (s *Service) Events() <-chan Event { return s.events }

// MaybeAward grants the achievement iff progress has reached the target.
// Safe to call repeatedly; duplicate grants collapse to AlreadyAwarded.
func (s *Service) MaybeAward(ctx context.Context, userID, achievementID, guildID int64) (Result, error) {
	p, err := s.store.GetProgress(ctx, userID, achievementID)
	if err != nil {
		if models.IsNotFound(err) || storage.IsKind(err, storage.KindNotFound) {
			return Result{Outcome: OutcomeNotEligible}, nil
		}
		return Result{}, err
	}
	if p.TargetValue <= 0 || p.CurrentValue < p.TargetValue {
		return Result{Outcome: OutcomeNotEligible}, nil
	}
	return s.grant(ctx, userID, achievementID, guildID)
}

// AwardDirectly grants without the eligibility check. Admin path; still
// idempotent.
func (s *Service) AwardDirectly(ctx context.Context, userID, achievementID, guildID int64) (Result, error) {
	return s.grant(ctx, userID, achievementID, guildID)
}

func (s *Service) grant(ctx context.Context, userID, achievementID, guildID int64) (Result, error) {
	ua, inserted, err := s.store.InsertAward(ctx, userID, achievementID)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return Result{Outcome: OutcomeAlreadyAwarded, UserAchievement: ua}, nil
	}

	s.logger.Infow("Achievement awarded",
		"userID", userID, "achievementID", achievementID, "guildID", guildID)
	s.publish(ctx, ua, achievementID, guildID)
	return Result{Outcome: OutcomeAwarded, UserAchievement: ua}, nil
}

// publish emits the award signal after the grant is durable. The signal
// is best-effort: a full channel with a cancelled context drops it, the
// award itself is already committed.
func (s *Service) publish(ctx context.Context, ua *models.UserAchievement, achievementID, guildID int64) {
	a, err := s.catalog.GetAchievement(ctx, achievementID)
	if err != nil {
		s.logger.Errorw("Award signal without definition", "achievementID", achievementID, "error", err)
		a = &models.Achievement{ID: achievementID}
	}
	ev := Event{UserAchievement: ua, Achievement: a, GuildID: guildID}

	select {
	case s.events <- ev:
	case <-ctx.Done():
		s.logger.Warnw("Award signal dropped, context cancelled",
			"userID", ua.UserID, "achievementID", achievementID)
	}

	if s.rdb != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = s.rdb.Publish(ctx, mirrorChannel, payload).Err()
		}
		if err != nil {
			s.logger.Warnw("Award mirror publish failed", "error", err)
		}
	}
}

// MarkNotified flags the award as delivered.
func (s *Service) MarkNotified(ctx context.Context, userID, achievementID int64) error {
	return s.store.MarkNotified(ctx, userID, achievementID)
}

// Revoke removes an award and its progress so the user can earn it
// again. Returns false when the user never held it.
func (s *Service) Revoke(ctx context.Context, userID, achievementID int64) (bool, error) {
	revoked, err := s.store.RevokeAward(ctx, userID, achievementID)
	if err != nil {
		return false, err
	}
	if revoked {
		s.logger.Infow("Achievement revoked", "userID", userID, "achievementID", achievementID)
	}
	return revoked, nil
}
