package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildforge/achievement-engine/internal/models"
)

// CatalogRepository persists categories and achievement definitions.
type CatalogRepository struct {
	pool *pgxpool.Pool
	obs  Observer
}

func NewCatalogRepository(pool *pgxpool.Pool, obs Observer) *CatalogRepository {
	return &CatalogRepository{pool: pool, obs: obs}
}

const categoryCols = `id, name, description, parent_id, level, display_order, icon, is_expanded, is_active, created_at, updated_at`

func scanCategory(row pgx.Row) (*models.Category, error) {
	var c models.Category
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.Level,
		&c.DisplayOrder, &c.Icon, &c.IsExpanded, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CatalogRepository) CreateCategory(ctx context.Context, c *models.Category) (_ *models.Category, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.create_category", start, err) }()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO categories (name, description, parent_id, level, display_order, icon, is_expanded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+categoryCols,
		c.Name, c.Description, c.ParentID, c.Level, c.DisplayOrder, c.Icon, c.IsExpanded)
	created, err := scanCategory(row)
	if err != nil {
		return nil, wrapErr("catalog.create_category", err)
	}
	return created, nil
}

func (r *CatalogRepository) GetCategory(ctx context.Context, id int64) (_ *models.Category, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.get_category", start, err) }()

	row := r.pool.QueryRow(ctx, `SELECT `+categoryCols+` FROM categories WHERE id = $1`, id)
	c, err := scanCategory(row)
	if err != nil {
		return nil, wrapErr("catalog.get_category", err)
	}
	return c, nil
}

// UpdateCategory rewrites the mutable fields and returns the affected-row
// count (0 when the id does not exist).
func (r *CatalogRepository) UpdateCategory(ctx context.Context, c *models.Category) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.update_category", start, err) }()

	tag, err := r.pool.Exec(ctx, `
		UPDATE categories
		SET name = $2, description = $3, parent_id = $4, level = $5,
		    display_order = $6, icon = $7, is_expanded = $8, is_active = $9,
		    updated_at = now()
		WHERE id = $1`,
		c.ID, c.Name, c.Description, c.ParentID, c.Level,
		c.DisplayOrder, c.Icon, c.IsExpanded, c.IsActive)
	if err != nil {
		return 0, wrapErr("catalog.update_category", err)
	}
	return tag.RowsAffected(), nil
}

// ListCategories returns all categories ordered by (display_order, name).
func (r *CatalogRepository) ListCategories(ctx context.Context, activeOnly bool) (_ []*models.Category, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.list_categories", start, err) }()

	q := `SELECT ` + categoryCols + ` FROM categories`
	if activeOnly {
		q += ` WHERE is_active = true`
	}
	q += ` ORDER BY display_order ASC, name ASC`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, wrapErr("catalog.list_categories", err)
	}
	defer rows.Close()

	var out []*models.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, wrapErr("catalog.list_categories", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("catalog.list_categories", rows.Err())
}

// SubtreeIDs returns the ids of a category and all its descendants.
func (r *CatalogRepository) SubtreeIDs(ctx context.Context, rootID int64) (_ []int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.subtree_ids", start, err) }()

	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM categories WHERE id = $1
			UNION ALL
			SELECT c.id FROM categories c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT id FROM subtree`, rootID)
	if err != nil {
		return nil, wrapErr("catalog.subtree_ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("catalog.subtree_ids", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("catalog.subtree_ids", rows.Err())
}

// SubtreeMaxLevel returns the deepest level found in the category's
// subtree, so reparent checks can bound the shifted depth.
func (r *CatalogRepository) SubtreeMaxLevel(ctx context.Context, rootID int64) (_ int, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.subtree_max_level", start, err) }()

	var max int
	err = r.pool.QueryRow(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, level FROM categories WHERE id = $1
			UNION ALL
			SELECT c.id, c.level FROM categories c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT COALESCE(MAX(level), 0) FROM subtree`, rootID).Scan(&max)
	if err != nil {
		return 0, wrapErr("catalog.subtree_max_level", err)
	}
	return max, nil
}

// ShiftSubtreeLevels adds diff to the level of every node in the subtree
// after a reparent.
func (r *CatalogRepository) ShiftSubtreeLevels(ctx context.Context, rootID int64, diff int) (err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.shift_subtree_levels", start, err) }()

	if diff == 0 {
		return nil
	}
	_, err = r.pool.Exec(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM categories WHERE id = $1
			UNION ALL
			SELECT c.id FROM categories c JOIN subtree s ON c.parent_id = s.id
		)
		UPDATE categories SET level = level + $2, updated_at = now()
		WHERE id IN (SELECT id FROM subtree)`, rootID, diff)
	return wrapErr("catalog.shift_subtree_levels", err)
}

// HasActiveChildren reports whether the category has active child
// categories or active achievements.
func (r *CatalogRepository) HasActiveChildren(ctx context.Context, id int64) (_ bool, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.has_active_children", start, err) }()

	var has bool
	err = r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM categories WHERE parent_id = $1 AND is_active = true)
		    OR EXISTS (SELECT 1 FROM achievements WHERE category_id = $1 AND is_active = true)`,
		id).Scan(&has)
	if err != nil {
		return false, wrapErr("catalog.has_active_children", err)
	}
	return has, nil
}

// SoftDeleteSubtree flags the category subtree and its achievements
// inactive; returns the number of categories touched.
func (r *CatalogRepository) SoftDeleteSubtree(ctx context.Context, rootID int64) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.soft_delete_subtree", start, err) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr("catalog.soft_delete_subtree", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM categories WHERE id = $1
			UNION ALL
			SELECT c.id FROM categories c JOIN subtree s ON c.parent_id = s.id
		)
		UPDATE categories SET is_active = false, updated_at = now()
		WHERE id IN (SELECT id FROM subtree)`, rootID)
	if err != nil {
		return 0, wrapErr("catalog.soft_delete_subtree", err)
	}
	_, err = tx.Exec(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM categories WHERE id = $1
			UNION ALL
			SELECT c.id FROM categories c JOIN subtree s ON c.parent_id = s.id
		)
		UPDATE achievements SET is_active = false, updated_at = now()
		WHERE category_id IN (SELECT id FROM subtree)`, rootID)
	if err != nil {
		return 0, wrapErr("catalog.soft_delete_subtree", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, wrapErr("catalog.soft_delete_subtree", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSubtree hard-deletes the category; foreign keys cascade to child
// categories, achievements, user_achievements and progress rows.
func (r *CatalogRepository) DeleteSubtree(ctx context.Context, rootID int64) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.delete_subtree", start, err) }()

	tag, err := r.pool.Exec(ctx, `DELETE FROM categories WHERE id = $1`, rootID)
	if err != nil {
		return 0, wrapErr("catalog.delete_subtree", err)
	}
	return tag.RowsAffected(), nil
}

const achievementCols = `id, name, description, category_id, type, criteria, points, badge, role_reward, is_hidden, is_active, created_at, updated_at`

func scanAchievement(row pgx.Row) (*models.Achievement, error) {
	var a models.Achievement
	var criteria []byte
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.CategoryID, &a.Type, &criteria,
		&a.Points, &a.Badge, &a.RoleReward, &a.IsHidden, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &a.Criteria); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (r *CatalogRepository) CreateAchievement(ctx context.Context, a *models.Achievement) (_ *models.Achievement, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.create_achievement", start, err) }()

	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return nil, wrapErr("catalog.create_achievement", err)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO achievements (name, description, category_id, type, criteria, points, badge, role_reward, is_hidden)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+achievementCols,
		a.Name, a.Description, a.CategoryID, a.Type, criteria, a.Points, a.Badge, a.RoleReward, a.IsHidden)
	created, err := scanAchievement(row)
	if err != nil {
		return nil, wrapErr("catalog.create_achievement", err)
	}
	return created, nil
}

func (r *CatalogRepository) GetAchievement(ctx context.Context, id int64) (_ *models.Achievement, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.get_achievement", start, err) }()

	row := r.pool.QueryRow(ctx, `SELECT `+achievementCols+` FROM achievements WHERE id = $1`, id)
	a, err := scanAchievement(row)
	if err != nil {
		return nil, wrapErr("catalog.get_achievement", err)
	}
	return a, nil
}

func (r *CatalogRepository) UpdateAchievement(ctx context.Context, a *models.Achievement) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.update_achievement", start, err) }()

	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return 0, wrapErr("catalog.update_achievement", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE achievements
		SET name = $2, description = $3, category_id = $4, type = $5, criteria = $6,
		    points = $7, badge = $8, role_reward = $9, is_hidden = $10, is_active = $11,
		    updated_at = now()
		WHERE id = $1`,
		a.ID, a.Name, a.Description, a.CategoryID, a.Type, criteria,
		a.Points, a.Badge, a.RoleReward, a.IsHidden, a.IsActive)
	if err != nil {
		return 0, wrapErr("catalog.update_achievement", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAchievement hard-deletes; cascades remove user_achievements and
// progress rows.
func (r *CatalogRepository) DeleteAchievement(ctx context.Context, id int64) (_ int64, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.delete_achievement", start, err) }()

	tag, err := r.pool.Exec(ctx, `DELETE FROM achievements WHERE id = $1`, id)
	if err != nil {
		return 0, wrapErr("catalog.delete_achievement", err)
	}
	return tag.RowsAffected(), nil
}

// AchievementFilter narrows ListAchievements.
type AchievementFilter struct {
	CategoryID int64
	Type       string
	ActiveOnly bool
	Limit      int
	Offset     int
}

func (r *CatalogRepository) ListAchievements(ctx context.Context, f AchievementFilter) (_ []*models.Achievement, err error) {
	start := time.Now()
	defer func() { observe(r.obs, "catalog.list_achievements", start, err) }()

	q := `SELECT ` + achievementCols + ` FROM achievements WHERE 1=1`
	var args []any
	if f.CategoryID != 0 {
		args = append(args, f.CategoryID)
		q += fmt.Sprintf(` AND category_id = $%d`, len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		q += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.ActiveOnly {
		q += ` AND is_active = true`
	}
	q += ` ORDER BY category_id, name`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("catalog.list_achievements", err)
	}
	defer rows.Close()

	var out []*models.Achievement
	for rows.Next() {
		a, err := scanAchievement(rows)
		if err != nil {
			return nil, wrapErr("catalog.list_achievements", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("catalog.list_achievements", rows.Err())
}
