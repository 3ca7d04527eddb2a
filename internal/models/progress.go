package models

import (
	"encoding/json"
	"time"
)

// UserAchievement records that a user earned an achievement. Unique per
// (user_id, achievement_id).
type UserAchievement struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	AchievementID int64     `json:"achievement_id"`
	EarnedAt      time.Time `json:"earned_at"`
	Notified      bool      `json:"notified"`
}

// AchievementProgress is the per-user state toward one achievement.
// ProgressData is evaluator-owned and stored verbatim.
type AchievementProgress struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	AchievementID int64           `json:"achievement_id"`
	CurrentValue  float64         `json:"current_value"`
	TargetValue   float64         `json:"target_value"`
	ProgressData  json.RawMessage `json:"progress_data,omitempty"`
	LastUpdated   time.Time       `json:"last_updated"`
}
