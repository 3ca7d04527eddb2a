package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Recognized activity event types. The evaluator registry maps these to
// candidate achievements; the set is open, unknown types simply resolve to
// zero candidates.
const (
	EventMessageSent   = "achievement.message_sent"
	EventReactionAdded = "achievement.reaction_added"
	EventVoiceJoined   = "achievement.voice_joined"
	EventCommandUsed   = "achievement.command_used"

	// Admin events.
	EventGranted = "achievement.granted"
	EventRevoked = "achievement.revoked"
)

// Event is the inbound activity record handed to Dispatch by the
// chat-platform adapter.
type Event struct {
	UserID        int64           `json:"user_id"`
	GuildID       int64           `json:"guild_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ChannelID     int64           `json:"channel_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Validate checks the fields the engine cannot default.
func (e *Event) Validate() error {
	if e.UserID == 0 {
		return &ValidationError{Field: "user_id", Msg: "required"}
	}
	if e.GuildID == 0 {
		return &ValidationError{Field: "guild_id", Msg: "required"}
	}
	if strings.TrimSpace(e.EventType) == "" {
		return &ValidationError{Field: "event_type", Msg: "required"}
	}
	if len(e.EventData) > 0 && !json.Valid(e.EventData) {
		return &ValidationError{Field: "event_data", Msg: "must be valid JSON"}
	}
	return nil
}

// EventRecord is the durable, append-only event log row. Processed
// transitions false to true exactly once.
type EventRecord struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	GuildID       int64           `json:"guild_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ChannelID     int64           `json:"channel_id,omitempty"`
	Processed     bool            `json:"processed"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// EventFilter narrows event-log reads.
type EventFilter struct {
	UserID    int64
	GuildID   int64
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
