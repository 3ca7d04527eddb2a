package httpapi

import (
	"net/http"

	"github.com/guildforge/achievement-engine/internal/award"
)

// GrantRequest is the admin grant payload.
type GrantRequest struct {
	UserID        int64 `json:"user_id" validate:"required"`
	GuildID       int64 `json:"guild_id" validate:"required"`
	AchievementID int64 `json:"achievement_id" validate:"required"`
}

// RevokeRequest is the admin revoke payload.
type RevokeRequest struct {
	UserID        int64 `json:"user_id" validate:"required"`
	AchievementID int64 `json:"achievement_id" validate:"required"`
}

// GrantAward handles POST /api/v1/admin/awards. The grant bypasses
// eligibility but stays idempotent.
func (h *Handler) GrantAward(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.awards.AwardDirectly(r.Context(), req.UserID, req.AchievementID, req.GuildID)
	if err != nil {
		h.domainError(w, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == award.OutcomeAwarded {
		status = http.StatusCreated
	}
	h.jsonResponse(w, status, res)
}

// RevokeAward handles DELETE /api/v1/admin/awards.
func (h *Handler) RevokeAward(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	revoked, err := h.awards.Revoke(r.Context(), req.UserID, req.AchievementID)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"revoked": revoked})
}

// PerfSnapshot handles GET /api/v1/admin/perf for operators.
func (h *Handler) PerfSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.perf.Snapshot()
	resp := map[string]interface{}{"snapshot": snap}
	if queryBool(r, "check_regressions") && h.baselinePath != "" {
		resp["regressions"] = h.perf.CheckRegressions(h.baselinePath)
	}
	h.jsonResponse(w, http.StatusOK, resp)
}
