package httpapi

import (
	"net/http"

	"github.com/guildforge/achievement-engine/internal/catalog"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// ============================================================================
// CATEGORY ENDPOINTS
// ============================================================================

// CreateCategory handles POST /api/v1/categories
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var in catalog.CategoryInput
	if !h.decodeBody(w, r, &in) {
		return
	}

	c, err := h.catalog.CreateCategory(r.Context(), in)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, c)
}

// GetCategory handles GET /api/v1/categories/{id}
func (h *Handler) GetCategory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid category ID")
		return
	}

	c, err := h.catalog.GetCategory(r.Context(), id)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, c)
}

// UpdateCategory handles PATCH /api/v1/categories/{id}
func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid category ID")
		return
	}

	var patch catalog.CategoryPatch
	if !h.decodeBody(w, r, &patch) {
		return
	}

	c, err := h.catalog.UpdateCategory(r.Context(), id, patch)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, c)
}

// DeleteCategory handles DELETE /api/v1/categories/{id}?force=true
func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid category ID")
		return
	}

	if err := h.catalog.DeleteCategory(r.Context(), id, queryBool(r, "force")); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCategories handles GET /api/v1/categories?active_only=true
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.catalog.ListCategories(r.Context(), queryBool(r, "active_only"))
	if err != nil {
		h.domainError(w, err)
		return
	}
	if cats == nil {
		cats = []*models.Category{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"categories": cats})
}

// GetCategoryTree handles GET /api/v1/categories/tree?root={id}
func (h *Handler) GetCategoryTree(w http.ResponseWriter, r *http.Request) {
	var root *int64
	if id := queryInt64(r, "root"); id != 0 {
		root = &id
	}

	tree, err := h.catalog.GetTree(r.Context(), root)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if tree == nil {
		tree = []*models.CategoryNode{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"tree": tree})
}

// GetCategoryChildren handles GET /api/v1/categories/{id}/children
func (h *Handler) GetCategoryChildren(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid category ID")
		return
	}

	children, err := h.catalog.Children(r.Context(), &id)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if children == nil {
		children = []*models.Category{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"children": children})
}

// GetCategoryPath handles GET /api/v1/categories/{id}/path
func (h *Handler) GetCategoryPath(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid category ID")
		return
	}

	path, err := h.catalog.GetCategoryPath(r.Context(), id)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"path": path})
}

// ============================================================================
// ACHIEVEMENT ENDPOINTS
// ============================================================================

// CreateAchievement handles POST /api/v1/achievements
func (h *Handler) CreateAchievement(w http.ResponseWriter, r *http.Request) {
	var a models.Achievement
	if !h.decodeBody(w, r, &a) {
		return
	}

	created, err := h.catalog.CreateAchievement(r.Context(), &a)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, created)
}

// GetAchievement handles GET /api/v1/achievements/{id}
func (h *Handler) GetAchievement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid achievement ID")
		return
	}

	a, err := h.catalog.GetAchievement(r.Context(), id)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, a)
}

// UpdateAchievement handles PATCH /api/v1/achievements/{id}
func (h *Handler) UpdateAchievement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid achievement ID")
		return
	}

	var patch catalog.AchievementPatch
	if !h.decodeBody(w, r, &patch) {
		return
	}

	a, err := h.catalog.UpdateAchievement(r.Context(), id, patch)
	if err != nil {
		h.domainError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, a)
}

// DeleteAchievement handles DELETE /api/v1/achievements/{id}
func (h *Handler) DeleteAchievement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "Invalid achievement ID")
		return
	}

	if err := h.catalog.DeleteAchievement(r.Context(), id); err != nil {
		h.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAchievements handles GET /api/v1/achievements with filters.
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	f := storage.AchievementFilter{
		CategoryID: queryInt64(r, "category_id"),
		Type:       r.URL.Query().Get("type"),
		ActiveOnly: queryBool(r, "active_only"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}

	list, err := h.catalog.ListAchievements(r.Context(), f)
	if err != nil {
		h.domainError(w, err)
		return
	}
	if list == nil {
		list = []*models.Achievement{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"achievements": list,
		"count":        len(list),
	})
}
