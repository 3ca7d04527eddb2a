package progress

import (
	"sync"

	"github.com/guildforge/achievement-engine/internal/models"
)

// Evaluator implements one achievement type's semantics. ApplyEvent
// returns the delta an event contributes, or relevant=false when the
// event does not touch this achievement.
type Evaluator interface {
	// CandidateEventTypes lists the event types this evaluator reacts to.
	CandidateEventTypes() []string

	// ApplyEvent maps an event onto a progress delta for one achievement.
	ApplyEvent(cur *models.AchievementProgress, a *models.Achievement, ev *models.EventRecord) (d Delta, relevant bool, err error)

	// IsSatisfied reports whether the progress completes the criteria.
	// The engine confirms it against the persisted row before awarding,
	// so evaluators can veto a threshold crossing (a time window may
	// have expired between the apply and the check).
	IsSatisfied(cur *models.AchievementProgress, a *models.Achievement) bool
}

// Registry maps achievement type to evaluator. Types register at
// startup; lookups are read-mostly.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Evaluator
	// byEvent maps event type to the achievement types listening to it.
	byEvent map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[string]Evaluator),
		byEvent: make(map[string][]string),
	}
}

// Register binds an evaluator to an achievement type, replacing any
// previous binding.
func (r *Registry) Register(achievementType string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[achievementType]; exists {
		for ev, types := range r.byEvent {
			filtered := types[:0]
			for _, t := range types {
				if t != achievementType {
					filtered = append(filtered, t)
				}
			}
			r.byEvent[ev] = filtered
		}
	}
	r.byType[achievementType] = e
	for _, ev := range e.CandidateEventTypes() {
		r.byEvent[ev] = append(r.byEvent[ev], achievementType)
	}
}

// Get returns the evaluator for an achievement type.
func (r *Registry) Get(achievementType string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[achievementType]
	return e, ok
}

// TypesForEvent returns the achievement types whose evaluators listen to
// the event type. Unknown event types yield nil.
func (r *Registry) TypesForEvent(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := r.byEvent[eventType]
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	copy(out, types)
	return out
}

// NewDefaultRegistry returns a registry with the four built-in
// achievement types bound.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.TypeCounter, &CounterEvaluator{})
	r.Register(models.TypeMilestone, &MilestoneEvaluator{})
	r.Register(models.TypeTimeBased, &TimeBasedEvaluator{})
	r.Register(models.TypeConditional, &ConditionalEvaluator{})
	return r
}
