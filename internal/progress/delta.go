package progress

import (
	"encoding/json"

	"github.com/guildforge/achievement-engine/internal/models"
)

// Delta describes one mutation of a progress row. Value semantics: when
// SetValue is non-nil it wins over IncBy; Data replaces progress_data
// when non-nil. The zero Delta is a no-op.
type Delta struct {
	SetValue *float64
	IncBy    float64
	Data     json.RawMessage
}

// Set returns a delta that overwrites current_value.
func Set(v float64) Delta {
	return Delta{SetValue: &v}
}

// Inc returns a delta that adds v to current_value.
func Inc(v float64) Delta {
	return Delta{IncBy: v}
}

// WithData attaches a progress_data replacement to the delta.
func (d Delta) WithData(data json.RawMessage) Delta {
	d.Data = data
	return d
}

// Transition reports one apply: the values before and after, the target
// in force, and whether this apply crossed the completion threshold.
// CrossedThreshold is true iff previous < target and current >= target.
// Row is the persisted progress row after the apply, so callers can run
// evaluator checks against exactly what was written.
type Transition struct {
	Previous         float64 `json:"previous"`
	Current          float64 `json:"current"`
	Target           float64 `json:"target"`
	CrossedThreshold bool    `json:"crossed_threshold"`

	Row *models.AchievementProgress `json:"-"`
}
