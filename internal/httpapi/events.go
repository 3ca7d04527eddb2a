package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/guildforge/achievement-engine/internal/models"
)

// IngestEvent handles POST /api/v1/events. The 202 means the event is
// durable; evaluation happens asynchronously.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if !h.decodeBody(w, r, &ev) {
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	rec, err := h.engine.Dispatch(r.Context(), &ev)
	if err != nil {
		h.domainError(w, err)
		return
	}

	h.jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"id":             rec.ID,
		"correlation_id": rec.CorrelationID,
	})
}

// ListEvents handles GET /api/v1/events for operators.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	f := models.EventFilter{
		UserID:    queryInt64(r, "user_id"),
		GuildID:   queryInt64(r, "guild_id"),
		EventType: r.URL.Query().Get("event_type"),
		Since:     queryTime(r, "since"),
		Until:     queryTime(r, "until"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	events, err := h.events.List(r.Context(), f)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if events == nil {
		events = []*models.EventRecord{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
