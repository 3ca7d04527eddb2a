package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/award"
	"github.com/guildforge/achievement-engine/internal/models"
)

// SendResult classifies one sink attempt.
type SendResult int

const (
	SendOK SendResult = iota
	SendTransient
	SendPermanent
)

// Payload is what the chat-platform sender renders.
type Payload struct {
	UserID        int64  `json:"user_id"`
	AchievementID int64  `json:"achievement_id"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Badge         string `json:"badge,omitempty"`
	Points        int    `json:"points"`
}

// Sink is the host-provided chat-platform sender.
type Sink interface {
	SendDM(ctx context.Context, userID int64, p Payload) SendResult
	SendAnnouncement(ctx context.Context, guildID, channelID int64, p Payload) SendResult
}

// Store is the persistence surface the router needs. Satisfied by
// *storage.NotificationRepository.
type Store interface {
	GetPreference(ctx context.Context, userID, guildID int64) (*models.NotificationPreference, error)
	GetGuildSettings(ctx context.Context, guildID int64) (*models.GlobalNotificationSettings, error)
	CreateDelivery(ctx context.Context, userID, guildID, achievementID int64, kind models.DeliveryKind) (*models.NotificationDeliveryRecord, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, status models.DeliveryStatus, errMsg string, retryCount int) error
}

// Awarder marks awards notified after the first successful delivery.
type Awarder interface {
	MarkNotified(ctx context.Context, userID, achievementID int64) error
}

// Config tunes the retry policy.
type Config struct {
	RetryMax    int
	BackoffBase time.Duration
	Consumers   int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RetryMax <= 0 {
		out.RetryMax = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.Consumers <= 0 {
		out.Consumers = 4
	}
	return out
}

// importantPointsFloor marks awards worth announcing in important-only
// guilds.
const importantPointsFloor = 100

// Router consumes award signals, resolves preferences and drives the two
// delivery sinks with rate limiting and retries.
type Router struct {
	cfg     Config
	store   Store
	awards  Awarder
	sink    Sink
	limiter Limiter
	logger  *zap.SugaredLogger

	sleep func(ctx context.Context, d time.Duration) bool
	wg    sync.WaitGroup
}

func NewRouter(cfg Config, store Store, awards Awarder, sink Sink, limiter Limiter, logger *zap.SugaredLogger) *Router {
	return &Router{
		cfg:     cfg.withDefaults(),
		store:   store,
		awards:  awards,
		sink:    sink,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start consumes the award stream until it closes or ctx is cancelled.
func (r *Router) Start(ctx context.Context, events <-chan award.Event) {
	for i := 0; i < r.cfg.Consumers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					r.Handle(ctx, ev)
				}
			}
		}()
	}
}

// Wait blocks until all consumers have exited.
func (r *Router) Wait() { r.wg.Wait() }

// Handle routes one award: DM and/or announcement per preferences, then
// marks the award notified on the first success.
func (r *Router) Handle(ctx context.Context, ev award.Event) {
	userID := ev.UserAchievement.UserID
	achievementID := ev.UserAchievement.AchievementID

	pref, err := r.store.GetPreference(ctx, userID, ev.GuildID)
	if err != nil {
		r.logger.Errorw("Preference lookup failed, using defaults", "userID", userID, "error", err)
		def := models.DefaultPreference(userID, ev.GuildID)
		pref = &def
	}
	settings, err := r.store.GetGuildSettings(ctx, ev.GuildID)
	if err != nil {
		r.logger.Errorw("Guild settings lookup failed", "guildID", ev.GuildID, "error", err)
		return
	}

	p := buildPayload(ev)
	delivered := false

	if r.shouldDM(pref, ev.Achievement) {
		window := time.Duration(settings.RateLimitSeconds) * time.Second
		if r.dmAllowed(ctx, ev.GuildID, userID, window) {
			if r.deliver(ctx, ev, models.DeliveryDM, p, settings) {
				delivered = true
			}
		} else {
			r.logger.Debugw("DM rate limited", "userID", userID, "guildID", ev.GuildID)
		}
	}

	if r.shouldAnnounce(pref, settings, ev.Achievement) {
		allowed, err := r.limiter.Allow(ctx, announceKey(ev.GuildID),
			time.Duration(settings.RateLimitSeconds)*time.Second)
		if err != nil {
			r.logger.Warnw("Rate limiter unavailable, announcing anyway", "error", err)
			allowed = true
		}
		if allowed {
			if r.deliver(ctx, ev, models.DeliveryAnnouncement, p, settings) {
				delivered = true
			}
		} else {
			// Announcements over the limit are dropped, with the decision
			// on record.
			r.recordDropped(ctx, ev, models.DeliveryAnnouncement)
		}
	}

	if delivered {
		if err := r.awards.MarkNotified(ctx, userID, achievementID); err != nil {
			r.logger.Errorw("MarkNotified failed", "userID", userID, "achievementID", achievementID, "error", err)
		}
	}
}

func buildPayload(ev award.Event) Payload {
	a := ev.Achievement
	return Payload{
		UserID:        ev.UserAchievement.UserID,
		AchievementID: a.ID,
		Title:         a.Name,
		Message:       fmt.Sprintf("Achievement unlocked: %s (%d points)", a.Name, a.Points),
		Badge:         a.Badge,
		Points:        a.Points,
	}
}

func (r *Router) shouldDM(pref *models.NotificationPreference, a *models.Achievement) bool {
	return pref.DMEnabled && typeEnabled(pref.Types, a.Type)
}

func (r *Router) shouldAnnounce(pref *models.NotificationPreference, s *models.GlobalNotificationSettings, a *models.Achievement) bool {
	if !s.AnnouncementEnabled || s.AnnouncementChannelID == 0 {
		return false
	}
	if !pref.AnnouncementEnabled || !typeEnabled(pref.Types, a.Type) {
		return false
	}
	// Hidden achievements never go to public channels.
	if a.IsHidden {
		return false
	}
	if s.ImportantOnly && !isImportant(a) {
		return false
	}
	return true
}

func isImportant(a *models.Achievement) bool {
	return a.RoleReward != "" || a.Points >= importantPointsFloor
}

// typeEnabled checks the per-user category filter; an empty list enables
// everything.
func typeEnabled(types []string, achievementType string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == achievementType {
			return true
		}
	}
	return false
}

func announceKey(guildID int64) string {
	return "announce:" + strconv.FormatInt(guildID, 10)
}

func dmKey(guildID, userID int64) string {
	return "dm:" + strconv.FormatInt(guildID, 10) + ":" + strconv.FormatInt(userID, 10)
}

// dmAllowed applies the per-user DM window. Limiter trouble fails open:
// losing a DM is worse than sending one early.
func (r *Router) dmAllowed(ctx context.Context, guildID, userID int64, window time.Duration) bool {
	allowed, err := r.limiter.Allow(ctx, dmKey(guildID, userID), window)
	if err != nil {
		return true
	}
	return allowed
}

// deliver runs one delivery through PENDING to SENT or FAILED, with
// exponential backoff for transient sink failures.
func (r *Router) deliver(ctx context.Context, ev award.Event, kind models.DeliveryKind, p Payload, settings *models.GlobalNotificationSettings) bool {
	rec, err := r.store.CreateDelivery(ctx, ev.UserAchievement.UserID, ev.GuildID, ev.Achievement.ID, kind)
	if err != nil {
		r.logger.Errorw("Delivery record create failed", "kind", kind, "error", err)
		return false
	}

	for attempt := 0; ; attempt++ {
		var res SendResult
		if kind == models.DeliveryDM {
			res = r.sink.SendDM(ctx, ev.UserAchievement.UserID, p)
		} else {
			res = r.sink.SendAnnouncement(ctx, ev.GuildID, settings.AnnouncementChannelID, p)
		}

		switch res {
		case SendOK:
			if err := r.store.UpdateDeliveryStatus(ctx, rec.ID, models.DeliverySent, "", attempt); err != nil {
				r.logger.Errorw("Delivery status update failed", "id", rec.ID, "error", err)
			}
			return true
		case SendPermanent:
			if err := r.store.UpdateDeliveryStatus(ctx, rec.ID, models.DeliveryFailed, "permanent send failure", attempt); err != nil {
				r.logger.Errorw("Delivery status update failed", "id", rec.ID, "error", err)
			}
			return false
		}

		// Transient: back off and retry until the budget runs out.
		if attempt+1 >= r.cfg.RetryMax {
			if err := r.store.UpdateDeliveryStatus(ctx, rec.ID, models.DeliveryFailed, "retries exhausted", attempt+1); err != nil {
				r.logger.Errorw("Delivery status update failed", "id", rec.ID, "error", err)
			}
			return false
		}
		if err := r.store.UpdateDeliveryStatus(ctx, rec.ID, models.DeliveryPending, "transient send failure", attempt+1); err != nil {
			r.logger.Errorw("Delivery status update failed", "id", rec.ID, "error", err)
		}
		if !r.sleep(ctx, r.cfg.BackoffBase<<attempt) {
			return false
		}
	}
}

func (r *Router) recordDropped(ctx context.Context, ev award.Event, kind models.DeliveryKind) {
	rec, err := r.store.CreateDelivery(ctx, ev.UserAchievement.UserID, ev.GuildID, ev.Achievement.ID, kind)
	if err != nil {
		r.logger.Errorw("Delivery record create failed", "kind", kind, "error", err)
		return
	}
	if err := r.store.UpdateDeliveryStatus(ctx, rec.ID, models.DeliveryFailed, "rate limited", 0); err != nil {
		r.logger.Errorw("Delivery status update failed", "id", rec.ID, "error", err)
	}
	r.logger.Infow("Announcement dropped by rate limit", "guildID", ev.GuildID, "achievementID", ev.Achievement.ID)
}
