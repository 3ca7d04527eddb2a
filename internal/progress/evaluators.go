package progress

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guildforge/achievement-engine/internal/models"
)

var activityEventTypes = []string{
	models.EventMessageSent,
	models.EventReactionAdded,
	models.EventVoiceJoined,
	models.EventCommandUsed,
}

// counterFieldEvents maps the well-known counter_field names to the
// event type that increments them.
var counterFieldEvents = map[string]string{
	"messages":    models.EventMessageSent,
	"reactions":   models.EventReactionAdded,
	"voice_joins": models.EventVoiceJoined,
	"commands":    models.EventCommandUsed,
}

func decodeEventData(ev *models.EventRecord) map[string]any {
	if len(ev.EventData) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(ev.EventData, &m); err != nil {
		return nil
	}
	return m
}

func numberField(data map[string]any, field string) (float64, bool) {
	v, ok := data[field]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// CounterEvaluator counts occurrences of one activity measure. The
// criteria's counter_field either names a well-known measure or a
// numeric event_data field to accumulate.
type CounterEvaluator struct{}

func (e *CounterEvaluator) CandidateEventTypes() []string { return activityEventTypes }

func (e *CounterEvaluator) ApplyEvent(_ *models.AchievementProgress, a *models.Achievement, ev *models.EventRecord) (Delta, bool, error) {
	field := a.Criteria.CounterField
	data := decodeEventData(ev)

	if wantType, ok := counterFieldEvents[field]; ok {
		if ev.EventType != wantType {
			return Delta{}, false, nil
		}
		step := 1.0
		if n, ok := numberField(data, "count"); ok && n > 0 {
			step = n
		}
		return Inc(step), true, nil
	}

	// Custom field: accumulate the numeric value the event carries.
	if n, ok := numberField(data, field); ok && n > 0 {
		return Inc(n), true, nil
	}
	return Delta{}, false, nil
}

func (e *CounterEvaluator) IsSatisfied(cur *models.AchievementProgress, _ *models.Achievement) bool {
	return cur.TargetValue > 0 && cur.CurrentValue >= cur.TargetValue
}

// MilestoneEvaluator tracks the highest observed value of a named
// measure carried in event_data.
type MilestoneEvaluator struct{}

func (e *MilestoneEvaluator) CandidateEventTypes() []string { return activityEventTypes }

func (e *MilestoneEvaluator) ApplyEvent(cur *models.AchievementProgress, a *models.Achievement, ev *models.EventRecord) (Delta, bool, error) {
	data := decodeEventData(ev)
	v, ok := numberField(data, a.Criteria.MilestoneType)
	if !ok {
		return Delta{}, false, nil
	}
	// Milestones never regress.
	if v < cur.CurrentValue {
		return Delta{}, false, nil
	}
	return Set(v), true, nil
}

func (e *MilestoneEvaluator) IsSatisfied(cur *models.AchievementProgress, _ *models.Achievement) bool {
	return cur.TargetValue > 0 && cur.CurrentValue >= cur.TargetValue
}

// timeWindow is the evaluator-owned progress_data for TIME_BASED
// achievements: recent event timestamps, pruned to the rolling window.
type timeWindow struct {
	Timestamps []int64 `json:"timestamps"`
}

// maxWindowEntries bounds progress_data growth for very large windows.
const maxWindowEntries = 4096

// TimeBasedEvaluator counts events inside a rolling window; with no
// window configured it degenerates to an all-time event count.
type TimeBasedEvaluator struct{}

func (e *TimeBasedEvaluator) CandidateEventTypes() []string { return activityEventTypes }

func (e *TimeBasedEvaluator) ApplyEvent(cur *models.AchievementProgress, a *models.Achievement, ev *models.EventRecord) (Delta, bool, error) {
	var w timeWindow
	if len(cur.ProgressData) > 0 {
		if err := json.Unmarshal(cur.ProgressData, &w); err != nil {
			return Delta{}, false, fmt.Errorf("corrupt time window data: %w", err)
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w.Timestamps = append(w.Timestamps, ts.Unix())
	w.prune(ts, a.Criteria.WindowSeconds)

	data, err := json.Marshal(&w)
	if err != nil {
		return Delta{}, false, err
	}
	return Set(float64(len(w.Timestamps))).WithData(data), true, nil
}

func (w *timeWindow) prune(now time.Time, windowSeconds int64) {
	if windowSeconds > 0 {
		cutoff := now.Unix() - windowSeconds
		kept := w.Timestamps[:0]
		for _, t := range w.Timestamps {
			if t >= cutoff {
				kept = append(kept, t)
			}
		}
		w.Timestamps = kept
	}
	if len(w.Timestamps) > maxWindowEntries {
		w.Timestamps = w.Timestamps[len(w.Timestamps)-maxWindowEntries:]
	}
}

func (e *TimeBasedEvaluator) IsSatisfied(cur *models.AchievementProgress, a *models.Achievement) bool {
	if cur.TargetValue <= 0 {
		return false
	}
	var w timeWindow
	if len(cur.ProgressData) > 0 && json.Unmarshal(cur.ProgressData, &w) == nil {
		w.prune(time.Now().UTC(), a.Criteria.WindowSeconds)
		return float64(len(w.Timestamps)) >= cur.TargetValue
	}
	return cur.CurrentValue >= cur.TargetValue
}

// ConditionalEvaluator evaluates a structured predicate against
// event_data. The expression grammar:
//
//	{"field": "...", "op": "eq|ne|gt|gte|lt|lte|contains", "value": ...}
//	{"all": [expr, ...]}  {"any": [expr, ...]}  {"not": expr}
type ConditionalEvaluator struct{}

func (e *ConditionalEvaluator) CandidateEventTypes() []string { return activityEventTypes }

func (e *ConditionalEvaluator) ApplyEvent(_ *models.AchievementProgress, a *models.Achievement, ev *models.EventRecord) (Delta, bool, error) {
	ok, err := evalExpr(a.Criteria.Expr, decodeEventData(ev))
	if err != nil {
		return Delta{}, false, err
	}
	if !ok {
		return Delta{}, false, nil
	}
	return Set(a.Criteria.TargetValue), true, nil
}

func (e *ConditionalEvaluator) IsSatisfied(cur *models.AchievementProgress, _ *models.Achievement) bool {
	return cur.TargetValue > 0 && cur.CurrentValue >= cur.TargetValue
}

type condExpr struct {
	Field string            `json:"field"`
	Op    string            `json:"op"`
	Value json.RawMessage   `json:"value"`
	All   []json.RawMessage `json:"all"`
	Any   []json.RawMessage `json:"any"`
	Not   json.RawMessage   `json:"not"`
}

func evalExpr(raw json.RawMessage, data map[string]any) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("empty conditional expression")
	}
	var ex condExpr
	if err := json.Unmarshal(raw, &ex); err != nil {
		return false, fmt.Errorf("bad conditional expression: %w", err)
	}

	switch {
	case len(ex.All) > 0:
		for _, sub := range ex.All {
			ok, err := evalExpr(sub, data)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(ex.Any) > 0:
		for _, sub := range ex.Any {
			ok, err := evalExpr(sub, data)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case len(ex.Not) > 0:
		ok, err := evalExpr(ex.Not, data)
		return !ok, err
	}

	if ex.Field == "" || ex.Op == "" {
		return false, fmt.Errorf("conditional leaf needs field and op")
	}
	var want any
	if err := json.Unmarshal(ex.Value, &want); err != nil {
		return false, fmt.Errorf("bad conditional value: %w", err)
	}
	got, present := data[ex.Field]
	if !present {
		return false, nil
	}
	return compare(got, ex.Op, want)
}

func compare(got any, op string, want any) (bool, error) {
	switch op {
	case "eq":
		return equalJSON(got, want), nil
	case "ne":
		return !equalJSON(got, want), nil
	case "gt", "gte", "lt", "lte":
		g, ok1 := got.(float64)
		w, ok2 := want.(float64)
		if !ok1 || !ok2 {
			return false, nil
		}
		switch op {
		case "gt":
			return g > w, nil
		case "gte":
			return g >= w, nil
		case "lt":
			return g < w, nil
		default:
			return g <= w, nil
		}
	case "contains":
		switch g := got.(type) {
		case string:
			w, ok := want.(string)
			return ok && strings.Contains(g, w), nil
		case []any:
			for _, item := range g {
				if equalJSON(item, want) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown conditional op %q", op)
}

func equalJSON(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
