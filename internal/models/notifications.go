package models

import "time"

// DeliveryKind distinguishes the two notification sinks.
type DeliveryKind string

const (
	DeliveryDM           DeliveryKind = "DM"
	DeliveryAnnouncement DeliveryKind = "ANNOUNCEMENT"
)

// DeliveryStatus is the lifecycle of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// NotificationPreference is a per-(user, guild) opt-in record. Users with
// no row get the defaults from DefaultPreference.
type NotificationPreference struct {
	UserID              int64    `json:"user_id"`
	GuildID             int64    `json:"guild_id"`
	DMEnabled           bool     `json:"dm_enabled"`
	AnnouncementEnabled bool     `json:"announcement_enabled"`
	Types               []string `json:"types,omitempty"`
}

// DefaultPreference applies when a user has no explicit preference row:
// DMs on, announcements follow the guild setting.
func DefaultPreference(userID, guildID int64) NotificationPreference {
	return NotificationPreference{
		UserID:              userID,
		GuildID:             guildID,
		DMEnabled:           true,
		AnnouncementEnabled: true,
	}
}

// GlobalNotificationSettings is the per-guild announcement policy.
type GlobalNotificationSettings struct {
	GuildID               int64 `json:"guild_id"`
	AnnouncementChannelID int64 `json:"announcement_channel_id,omitempty"`
	AnnouncementEnabled   bool  `json:"announcement_enabled"`
	RateLimitSeconds      int   `json:"rate_limit_seconds"`
	ImportantOnly         bool  `json:"important_only"`
}

// NotificationDeliveryRecord tracks one delivery attempt through
// PENDING -> SENT | FAILED, with retry bookkeeping.
type NotificationDeliveryRecord struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	GuildID       int64          `json:"guild_id"`
	AchievementID int64          `json:"achievement_id"`
	Kind          DeliveryKind   `json:"kind"`
	SentAt        time.Time      `json:"sent_at"`
	Status        DeliveryStatus `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
}
