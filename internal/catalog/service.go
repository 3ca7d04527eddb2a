package catalog

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/guildforge/achievement-engine/internal/cache"
	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// Service owns the category tree and achievement definitions, fronted by
// the shared cache with write-through invalidation.
type Service struct {
	store  Store
	cache  *cache.Cache
	logger *zap.SugaredLogger
}

func NewService(store Store, c *cache.Cache, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, cache: c, logger: logger}
}

// CategoryInput carries the caller-settable category fields.
type CategoryInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ParentID     *int64 `json:"parent_id"`
	DisplayOrder int    `json:"display_order"`
	Icon         string `json:"icon"`
	IsExpanded   bool   `json:"is_expanded"`
}

// CategoryPatch updates only the fields that are set. MakeRoot moves the
// category to the root level and wins over ParentID.
type CategoryPatch struct {
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	ParentID     *int64  `json:"parent_id"`
	MakeRoot     bool    `json:"make_root"`
	DisplayOrder *int    `json:"display_order"`
	Icon         *string `json:"icon"`
	IsExpanded   *bool   `json:"is_expanded"`
	IsActive     *bool   `json:"is_active"`
}

func categoryKey(id int64) string { return strconv.FormatInt(id, 10) }

func parentKey(parentID *int64) string {
	if parentID == nil {
		return "root"
	}
	return strconv.FormatInt(*parentID, 10)
}

// invalidateTreeShape drops every cached list that encodes tree
// structure. Called after any category mutation.
func (s *Service) invalidateTreeShape() {
	s.cache.Invalidate(cache.TypeRootCategories, "")
	s.cache.Invalidate(cache.TypeChildrenByParent, "")
}

func (s *Service) invalidateAchievementLists() {
	s.cache.Invalidate(cache.TypeAchievementsByType, "")
}

// mapStorageErr translates storage failures into the catalog's domain
// errors so handlers never see driver details.
func mapStorageErr(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	if storage.IsKind(err, storage.KindNotFound) {
		return &models.NotFoundError{Entity: entity, ID: id}
	}
	if storage.IsKind(err, storage.KindConflict) {
		switch storage.ConstraintName(err) {
		case "uq_categories_parent_name":
			return &models.ConflictError{Reason: models.ReasonDuplicateName, Msg: "name already used under this parent"}
		default:
			return &models.ConflictError{Reason: models.ReasonUnique, Msg: err.Error()}
		}
	}
	if storage.IsKind(err, storage.KindIntegrity) {
		switch storage.ConstraintName(err) {
		case "categories_parent_id_fkey":
			return &models.NotFoundError{Entity: "category", ID: id}
		case "achievements_category_id_fkey":
			return &models.NotFoundError{Entity: "category", ID: id}
		}
	}
	return err
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (*models.Category, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Msg: "required"}
	}
	if len(name) > models.MaxNameLen {
		return nil, &models.ValidationError{Field: "name", Msg: "too long"}
	}

	level := 0
	if in.ParentID != nil {
		parent, err := s.GetCategory(ctx, *in.ParentID)
		if err != nil {
			return nil, err
		}
		level = parent.Level + 1
		if level > models.MaxCategoryDepth {
			return nil, &models.ConflictError{Reason: models.ReasonDepthExceeded, Msg: "category tree limited to 10 levels"}
		}
	}

	created, err := s.store.CreateCategory(ctx, &models.Category{
		Name:         name,
		Description:  in.Description,
		ParentID:     in.ParentID,
		Level:        level,
		DisplayOrder: in.DisplayOrder,
		Icon:         in.Icon,
		IsExpanded:   in.IsExpanded,
	})
	if err != nil {
		return nil, mapStorageErr(err, "category", in.ParentID)
	}
	s.invalidateTreeShape()
	s.logger.Infow("Category created", "id", created.ID, "name", created.Name, "level", created.Level)
	return created, nil
}

func (s *Service) GetCategory(ctx context.Context, id int64) (*models.Category, error) {
	v, err := s.cache.GetOrLoad(cache.TypeCategoryByID, categoryKey(id), func() (any, error) {
		c, err := s.store.GetCategory(ctx, id)
		return c, mapStorageErr(err, "category", id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Category), nil
}

// UpdateCategory applies the patch. Reparenting validates the move with a
// depth-limited ancestor walk and rejects cycles and over-deep subtrees,
// then shifts the levels of the whole subtree.
func (s *Service) UpdateCategory(ctx context.Context, id int64, patch CategoryPatch) (*models.Category, error) {
	cur, err := s.store.GetCategory(ctx, id)
	if err != nil {
		return nil, mapStorageErr(err, "category", id)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, &models.ValidationError{Field: "name", Msg: "required"}
		}
		if len(name) > models.MaxNameLen {
			return nil, &models.ValidationError{Field: "name", Msg: "too long"}
		}
		cur.Name = name
	}
	if patch.Description != nil {
		cur.Description = *patch.Description
	}
	if patch.DisplayOrder != nil {
		cur.DisplayOrder = *patch.DisplayOrder
	}
	if patch.Icon != nil {
		cur.Icon = *patch.Icon
	}
	if patch.IsExpanded != nil {
		cur.IsExpanded = *patch.IsExpanded
	}
	if patch.IsActive != nil {
		cur.IsActive = *patch.IsActive
	}

	levelDiff := 0
	reparent := patch.MakeRoot || patch.ParentID != nil
	if reparent {
		var newParent *int64
		if !patch.MakeRoot {
			newParent = patch.ParentID
		}
		newLevel, err := s.validateReparent(ctx, cur, newParent)
		if err != nil {
			return nil, err
		}
		levelDiff = newLevel - cur.Level
		cur.ParentID = newParent
	}

	n, err := s.store.UpdateCategory(ctx, cur)
	if err != nil {
		return nil, mapStorageErr(err, "category", id)
	}
	if n == 0 {
		return nil, &models.NotFoundError{Entity: "category", ID: id}
	}
	if levelDiff != 0 {
		if err := s.store.ShiftSubtreeLevels(ctx, id, levelDiff); err != nil {
			return nil, mapStorageErr(err, "category", id)
		}
	}

	s.cache.Invalidate(cache.TypeCategoryByID, "")
	s.invalidateTreeShape()
	s.logger.Infow("Category updated", "id", id, "reparented", reparent)
	return s.GetCategory(ctx, id)
}

// validateReparent returns the category's new level under newParent, or
// the conflict that forbids the move.
func (s *Service) validateReparent(ctx context.Context, cur *models.Category, newParent *int64) (int, error) {
	if newParent == nil {
		return 0, nil
	}
	if *newParent == cur.ID {
		return 0, &models.ConflictError{Reason: models.ReasonCycleDetected, Msg: "category cannot be its own parent"}
	}

	// Walk up from the new parent. Finding cur.ID means the new parent
	// lives inside cur's subtree.
	ancestorID := newParent
	for steps := 0; ancestorID != nil; steps++ {
		if steps > models.MaxCategoryDepth+1 {
			return 0, &models.ConflictError{Reason: models.ReasonDepthExceeded, Msg: "ancestor chain too deep"}
		}
		if *ancestorID == cur.ID {
			return 0, &models.ConflictError{Reason: models.ReasonCycleDetected, Msg: "move would create a cycle"}
		}
		anc, err := s.store.GetCategory(ctx, *ancestorID)
		if err != nil {
			return 0, mapStorageErr(err, "category", *ancestorID)
		}
		ancestorID = anc.ParentID
	}

	parent, err := s.store.GetCategory(ctx, *newParent)
	if err != nil {
		return 0, mapStorageErr(err, "category", *newParent)
	}
	newLevel := parent.Level + 1

	maxLevel, err := s.store.SubtreeMaxLevel(ctx, cur.ID)
	if err != nil {
		return 0, mapStorageErr(err, "category", cur.ID)
	}
	subtreeHeight := maxLevel - cur.Level
	if newLevel+subtreeHeight > models.MaxCategoryDepth {
		return 0, &models.ConflictError{Reason: models.ReasonDepthExceeded, Msg: "move would exceed maximum tree depth"}
	}
	return newLevel, nil
}

// DeleteCategory soft-deletes. Without force it refuses when active child
// categories or achievements exist; with force it hard-deletes the
// subtree and lets foreign keys cascade through achievements, awards and
// progress.
func (s *Service) DeleteCategory(ctx context.Context, id int64, force bool) error {
	if _, err := s.store.GetCategory(ctx, id); err != nil {
		return mapStorageErr(err, "category", id)
	}

	if force {
		n, err := s.store.DeleteSubtree(ctx, id)
		if err != nil {
			return mapStorageErr(err, "category", id)
		}
		if n == 0 {
			return &models.NotFoundError{Entity: "category", ID: id}
		}
	} else {
		has, err := s.store.HasActiveChildren(ctx, id)
		if err != nil {
			return mapStorageErr(err, "category", id)
		}
		if has {
			return &models.ConflictError{Reason: models.ReasonHasChildren, Msg: "category has active children; use force"}
		}
		if _, err := s.store.SoftDeleteSubtree(ctx, id); err != nil {
			return mapStorageErr(err, "category", id)
		}
	}

	s.cache.Invalidate(cache.TypeCategoryByID, "")
	s.cache.Invalidate(cache.TypeAchievementByID, "")
	s.invalidateTreeShape()
	s.invalidateAchievementLists()
	s.logger.Infow("Category deleted", "id", id, "force", force)
	return nil
}

func (s *Service) ListCategories(ctx context.Context, activeOnly bool) ([]*models.Category, error) {
	cats, err := s.store.ListCategories(ctx, activeOnly)
	if err != nil {
		return nil, mapStorageErr(err, "category", nil)
	}
	return cats, nil
}

// Children returns a parent's direct children through the cache; a nil
// parentID lists the roots.
func (s *Service) Children(ctx context.Context, parentID *int64) ([]*models.Category, error) {
	v, err := s.cache.GetOrLoad(cache.TypeChildrenByParent, parentKey(parentID), func() (any, error) {
		cats, err := s.store.ListCategories(ctx, true)
		if err != nil {
			return nil, mapStorageErr(err, "category", nil)
		}
		var out []*models.Category
		for _, c := range cats {
			if sameParent(c.ParentID, parentID) {
				out = append(out, c)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Category), nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// GetTree returns the active category forest, or the subtree under root
// when root is non-nil. Siblings keep (display_order, name) order.
func (s *Service) GetTree(ctx context.Context, root *int64) ([]*models.CategoryNode, error) {
	v, err := s.cache.GetOrLoad(cache.TypeRootCategories, "tree:"+parentKey(root), func() (any, error) {
		cats, err := s.store.ListCategories(ctx, true)
		if err != nil {
			return nil, mapStorageErr(err, "category", nil)
		}
		return buildForest(cats, root), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.CategoryNode), nil
}

// buildForest links the flat, pre-ordered category list into nodes.
func buildForest(cats []*models.Category, root *int64) []*models.CategoryNode {
	nodes := make(map[int64]*models.CategoryNode, len(cats))
	for _, c := range cats {
		nodes[c.ID] = &models.CategoryNode{Category: *c}
	}
	var forest []*models.CategoryNode
	for _, c := range cats {
		n := nodes[c.ID]
		if c.ParentID != nil {
			if parent, ok := nodes[*c.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		forest = append(forest, n)
	}
	if root == nil {
		return forest
	}
	if n, ok := nodes[*root]; ok {
		return []*models.CategoryNode{n}
	}
	return nil
}

// GetCategoryPath returns the root-to-node chain for id.
func (s *Service) GetCategoryPath(ctx context.Context, id int64) ([]*models.Category, error) {
	var path []*models.Category
	next := &id
	for steps := 0; next != nil; steps++ {
		if steps > models.MaxCategoryDepth+1 {
			return nil, &models.ConflictError{Reason: models.ReasonDepthExceeded, Msg: "ancestor chain too deep"}
		}
		c, err := s.GetCategory(ctx, *next)
		if err != nil {
			return nil, err
		}
		path = append([]*models.Category{c}, path...)
		next = c.ParentID
	}
	return path, nil
}

func achievementKey(id int64) string { return strconv.FormatInt(id, 10) }

func (s *Service) CreateAchievement(ctx context.Context, a *models.Achievement) (*models.Achievement, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetCategory(ctx, a.CategoryID); err != nil {
		return nil, err
	}

	created, err := s.store.CreateAchievement(ctx, a)
	if err != nil {
		return nil, mapStorageErr(err, "achievement", a.CategoryID)
	}
	s.invalidateAchievementLists()
	s.invalidateTreeShape()
	s.logger.Infow("Achievement created", "id", created.ID, "name", created.Name, "type", created.Type)
	return created, nil
}

func (s *Service) GetAchievement(ctx context.Context, id int64) (*models.Achievement, error) {
	v, err := s.cache.GetOrLoad(cache.TypeAchievementByID, achievementKey(id), func() (any, error) {
		a, err := s.store.GetAchievement(ctx, id)
		return a, mapStorageErr(err, "achievement", id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Achievement), nil
}

// AchievementPatch updates only the set fields. Type and criteria are
// normalized together when either changes.
type AchievementPatch struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	CategoryID  *int64           `json:"category_id"`
	Type        *string          `json:"type"`
	Criteria    *models.Criteria `json:"criteria"`
	Points      *int             `json:"points"`
	Badge       *string          `json:"badge"`
	RoleReward  *string          `json:"role_reward"`
	IsHidden    *bool            `json:"is_hidden"`
	IsActive    *bool            `json:"is_active"`
}

func (s *Service) UpdateAchievement(ctx context.Context, id int64, patch AchievementPatch) (*models.Achievement, error) {
	cur, err := s.store.GetAchievement(ctx, id)
	if err != nil {
		return nil, mapStorageErr(err, "achievement", id)
	}

	if patch.Name != nil {
		cur.Name = *patch.Name
	}
	if patch.Description != nil {
		cur.Description = *patch.Description
	}
	if patch.CategoryID != nil {
		if _, err := s.GetCategory(ctx, *patch.CategoryID); err != nil {
			return nil, err
		}
		cur.CategoryID = *patch.CategoryID
	}
	if patch.Type != nil {
		cur.Type = *patch.Type
	}
	if patch.Criteria != nil {
		cur.Criteria = *patch.Criteria
	}
	if patch.Points != nil {
		cur.Points = *patch.Points
	}
	if patch.Badge != nil {
		cur.Badge = *patch.Badge
	}
	if patch.RoleReward != nil {
		cur.RoleReward = *patch.RoleReward
	}
	if patch.IsHidden != nil {
		cur.IsHidden = *patch.IsHidden
	}
	if patch.IsActive != nil {
		cur.IsActive = *patch.IsActive
	}
	if err := cur.Validate(); err != nil {
		return nil, err
	}

	n, err := s.store.UpdateAchievement(ctx, cur)
	if err != nil {
		return nil, mapStorageErr(err, "achievement", id)
	}
	if n == 0 {
		return nil, &models.NotFoundError{Entity: "achievement", ID: id}
	}

	s.cache.Delete(cache.TypeAchievementByID, achievementKey(id))
	s.invalidateAchievementLists()
	s.invalidateTreeShape()
	return s.GetAchievement(ctx, id)
}

func (s *Service) DeleteAchievement(ctx context.Context, id int64) error {
	n, err := s.store.DeleteAchievement(ctx, id)
	if err != nil {
		return mapStorageErr(err, "achievement", id)
	}
	if n == 0 {
		return &models.NotFoundError{Entity: "achievement", ID: id}
	}
	s.cache.Delete(cache.TypeAchievementByID, achievementKey(id))
	s.invalidateAchievementLists()
	s.invalidateTreeShape()
	s.logger.Infow("Achievement deleted", "id", id)
	return nil
}

func (s *Service) ListAchievements(ctx context.Context, f storage.AchievementFilter) ([]*models.Achievement, error) {
	out, err := s.store.ListAchievements(ctx, f)
	if err != nil {
		return nil, mapStorageErr(err, "achievement", nil)
	}
	return out, nil
}

// ActiveByType returns the active achievements of one type through the
// cache. The trigger engine calls this on every event, so it must stay
// cheap.
func (s *Service) ActiveByType(ctx context.Context, achievementType string) ([]*models.Achievement, error) {
	v, err := s.cache.GetOrLoad(cache.TypeAchievementsByType, achievementType, func() (any, error) {
		out, err := s.store.ListAchievements(ctx, storage.AchievementFilter{Type: achievementType, ActiveOnly: true})
		if err != nil {
			return nil, mapStorageErr(err, "achievement", nil)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Achievement), nil
}
