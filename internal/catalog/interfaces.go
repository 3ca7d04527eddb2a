package catalog

import (
	"context"

	"github.com/guildforge/achievement-engine/internal/models"
	"github.com/guildforge/achievement-engine/internal/storage"
)

// Store is the persistence surface the catalog service needs. Satisfied
// by *storage.CatalogRepository; tests substitute a mock.
type Store interface {
	CreateCategory(ctx context.Context, c *models.Category) (*models.Category, error)
	GetCategory(ctx context.Context, id int64) (*models.Category, error)
	UpdateCategory(ctx context.Context, c *models.Category) (int64, error)
	ListCategories(ctx context.Context, activeOnly bool) ([]*models.Category, error)
	SubtreeIDs(ctx context.Context, rootID int64) ([]int64, error)
	SubtreeMaxLevel(ctx context.Context, rootID int64) (int, error)
	ShiftSubtreeLevels(ctx context.Context, rootID int64, diff int) error
	HasActiveChildren(ctx context.Context, id int64) (bool, error)
	SoftDeleteSubtree(ctx context.Context, rootID int64) (int64, error)
	DeleteSubtree(ctx context.Context, rootID int64) (int64, error)

	CreateAchievement(ctx context.Context, a *models.Achievement) (*models.Achievement, error)
	GetAchievement(ctx context.Context, id int64) (*models.Achievement, error)
	UpdateAchievement(ctx context.Context, a *models.Achievement) (int64, error)
	DeleteAchievement(ctx context.Context, id int64) (int64, error)
	ListAchievements(ctx context.Context, f storage.AchievementFilter) ([]*models.Achievement, error)
}
