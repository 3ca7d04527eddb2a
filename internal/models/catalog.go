package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// MaxCategoryDepth is the deepest allowed category level, root = 0.
	MaxCategoryDepth = 9

	// MaxRoleRewardLen bounds the free-form role reward reference.
	MaxRoleRewardLen = 128

	MaxNameLen = 100
)

// Category is a node in the achievement category tree.
type Category struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ParentID     *int64    `json:"parent_id,omitempty"`
	Level        int       `json:"level"`
	DisplayOrder int       `json:"display_order"`
	Icon         string    `json:"icon,omitempty"`
	IsExpanded   bool      `json:"is_expanded"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CategoryNode is a category with its resolved children, as returned by
// the tree endpoints. Siblings are ordered by (display_order, name).
type CategoryNode struct {
	Category
	Children []*CategoryNode `json:"children,omitempty"`
}

// Achievement types.
const (
	TypeCounter     = "COUNTER"
	TypeMilestone   = "MILESTONE"
	TypeTimeBased   = "TIME_BASED"
	TypeConditional = "CONDITIONAL"
)

// ValidType reports whether t is a registered achievement type.
func ValidType(t string) bool {
	switch t {
	case TypeCounter, TypeMilestone, TypeTimeBased, TypeConditional:
		return true
	}
	return false
}

// Criteria is the per-type completion rule. Only the fields relevant to
// the achievement's type are set; Normalize clears the rest.
type Criteria struct {
	TargetValue   float64         `json:"target_value,omitempty"`
	CounterField  string          `json:"counter_field,omitempty"`
	MilestoneType string          `json:"milestone_type,omitempty"`
	TimeUnit      string          `json:"time_unit,omitempty"`
	WindowSeconds int64           `json:"window_seconds,omitempty"`
	Expr          json.RawMessage `json:"expr,omitempty"`
}

// Normalize validates the criteria for the given achievement type and
// zeroes the fields that type does not use.
func (c *Criteria) Normalize(achievementType string) error {
	switch achievementType {
	case TypeCounter:
		if c.TargetValue <= 0 {
			return &ValidationError{Field: "criteria.target_value", Msg: "must be positive"}
		}
		if strings.TrimSpace(c.CounterField) == "" {
			return &ValidationError{Field: "criteria.counter_field", Msg: "required"}
		}
		c.MilestoneType, c.TimeUnit, c.WindowSeconds, c.Expr = "", "", 0, nil
	case TypeMilestone:
		if c.TargetValue <= 0 {
			return &ValidationError{Field: "criteria.target_value", Msg: "must be positive"}
		}
		if strings.TrimSpace(c.MilestoneType) == "" {
			return &ValidationError{Field: "criteria.milestone_type", Msg: "required"}
		}
		c.CounterField, c.TimeUnit, c.WindowSeconds, c.Expr = "", "", 0, nil
	case TypeTimeBased:
		if c.TargetValue <= 0 {
			return &ValidationError{Field: "criteria.target_value", Msg: "must be positive"}
		}
		if strings.TrimSpace(c.TimeUnit) == "" {
			return &ValidationError{Field: "criteria.time_unit", Msg: "required"}
		}
		if c.WindowSeconds < 0 {
			return &ValidationError{Field: "criteria.window_seconds", Msg: "must be non-negative"}
		}
		c.CounterField, c.MilestoneType, c.Expr = "", "", nil
	case TypeConditional:
		if len(c.Expr) == 0 || !json.Valid(c.Expr) {
			return &ValidationError{Field: "criteria.expr", Msg: "must be a JSON predicate"}
		}
		if c.TargetValue <= 0 {
			c.TargetValue = 1
		}
		c.CounterField, c.MilestoneType, c.TimeUnit, c.WindowSeconds = "", "", "", 0
	default:
		return &ValidationError{Field: "type", Msg: "unknown achievement type " + achievementType}
	}
	return nil
}

// Achievement is one earnable definition inside a category.
type Achievement struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CategoryID  int64     `json:"category_id"`
	Type        string    `json:"type"`
	Criteria    Criteria  `json:"criteria"`
	Points      int       `json:"points"`
	Badge       string    `json:"badge,omitempty"`
	RoleReward  string    `json:"role_reward,omitempty"`
	IsHidden    bool      `json:"is_hidden"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the definition and normalizes criteria for its type.
func (a *Achievement) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return &ValidationError{Field: "name", Msg: "required"}
	}
	if len(a.Name) > MaxNameLen {
		return &ValidationError{Field: "name", Msg: "too long"}
	}
	if a.CategoryID == 0 {
		return &ValidationError{Field: "category_id", Msg: "required"}
	}
	if !ValidType(a.Type) {
		return &ValidationError{Field: "type", Msg: "unknown achievement type " + a.Type}
	}
	if a.Points < 0 {
		return &ValidationError{Field: "points", Msg: "must be non-negative"}
	}
	if len(a.RoleReward) > MaxRoleRewardLen {
		return &ValidationError{Field: "role_reward", Msg: "too long"}
	}
	return a.Criteria.Normalize(a.Type)
}
