package httpapi

import (
	"net/http"

	"github.com/guildforge/achievement-engine/internal/models"
)

// GetPreference handles GET /api/v1/guilds/{guildID}/users/{userID}/preferences
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	guildID, err := idParam(r, "guildID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid guild ID")
		return
	}
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	pref, err := h.notifications.GetPreference(r.Context(), userID, guildID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, pref)
}

// UpdatePreference handles PUT /api/v1/guilds/{guildID}/users/{userID}/preferences
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	guildID, err := idParam(r, "guildID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid guild ID")
		return
	}
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var pref models.NotificationPreference
	if !h.decodeBody(w, r, &pref) {
		return
	}
	// Path wins over payload, a preference cannot be written for someone
	// else by mislabeling the body.
	pref.UserID = userID
	pref.GuildID = guildID

	if err := h.notifications.UpsertPreference(r.Context(), &pref); err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, pref)
}

// GetGuildSettings handles GET /api/v1/guilds/{guildID}/notification-settings
func (h *Handler) GetGuildSettings(w http.ResponseWriter, r *http.Request) {
	guildID, err := idParam(r, "guildID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid guild ID")
		return
	}

	settings, err := h.notifications.GetGuildSettings(r.Context(), guildID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, settings)
}

// GuildSettingsRequest is the PUT payload for guild announcement policy.
type GuildSettingsRequest struct {
	AnnouncementChannelID int64 `json:"announcement_channel_id"`
	AnnouncementEnabled   bool  `json:"announcement_enabled"`
	RateLimitSeconds      int   `json:"rate_limit_seconds" validate:"gte=0"`
	ImportantOnly         bool  `json:"important_only"`
}

// UpdateGuildSettings handles PUT /api/v1/guilds/{guildID}/notification-settings
func (h *Handler) UpdateGuildSettings(w http.ResponseWriter, r *http.Request) {
	guildID, err := idParam(r, "guildID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid guild ID")
		return
	}

	var req GuildSettingsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := models.GlobalNotificationSettings{
		GuildID:               guildID,
		AnnouncementChannelID: req.AnnouncementChannelID,
		AnnouncementEnabled:   req.AnnouncementEnabled,
		RateLimitSeconds:      req.RateLimitSeconds,
		ImportantOnly:         req.ImportantOnly,
	}
	if err := h.notifications.UpsertGuildSettings(r.Context(), &settings); err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, settings)
}

// ListUserDeliveries handles GET /api/v1/users/{userID}/notifications
func (h *Handler) ListUserDeliveries(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	deliveries, err := h.notifications.ListDeliveries(r.Context(), userID, queryInt(r, "limit", 50))
	if err != nil {
		h.domainError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*models.NotificationDeliveryRecord{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"user_id":       userID,
		"notifications": deliveries,
	})
}
