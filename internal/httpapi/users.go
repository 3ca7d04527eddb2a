package httpapi

import (
	"net/http"

	"github.com/guildforge/achievement-engine/internal/models"
)

// GetUserProgress handles GET /api/v1/users/{userID}/progress
func (h *Handler) GetUserProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	rows, err := h.progress.ListForUser(r.Context(), userID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if rows == nil {
		rows = []*models.AchievementProgress{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"progress": rows,
	})
}

// GetUserAchievementProgress handles
// GET /api/v1/users/{userID}/progress/{achievementID}
func (h *Handler) GetUserAchievementProgress(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	achievementID, err := idParam(r, "achievementID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid achievement ID")
		return
	}

	p, err := h.progress.Get(r.Context(), userID, achievementID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, p)
}

// GetUserAwards handles GET /api/v1/users/{userID}/achievements
func (h *Handler) GetUserAwards(w http.ResponseWriter, r *http.Request) {
	userID, err := idParam(r, "userID")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	awards, err := h.awardLog.ListUserAwards(r.Context(), userID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if awards == nil {
		awards = []*models.UserAchievement{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"achievements": awards,
		"count":        len(awards),
	})
}
