package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/komuji/ticketing/internal/repository"
	"github.com/komuji/ticketing/pkg/logger"
)

// CategorySyncer loads a category counter into an out-of-database ledger
type CategorySyncer interface {
	// SyncCategory seeds the counter; concurrent calls for one category share a single load
	SyncCategory(ctx context.Context, categoryID string) error
}

// DefaultCategorySyncer seeds counters from Postgres with the single-flight pattern
type DefaultCategorySyncer struct {
	categories    repository.CategoryRepository
	registrations repository.RegistrationRepository
	seeder        repository.CategorySeeder
	sfGroup       singleflight.Group
}

// NewCategorySyncer creates a new category syncer
func NewCategorySyncer(
	categories repository.CategoryRepository,
	registrations repository.RegistrationRepository,
	seeder repository.CategorySeeder,
) *DefaultCategorySyncer {
	return &DefaultCategorySyncer{
		categories:    categories,
		registrations: registrations,
		seeder:        seeder,
	}
}

// SyncCategory seeds the category counter unless another caller already did
func (s *DefaultCategorySyncer) SyncCategory(ctx context.Context, categoryID string) error {
	_, err, shared := s.sfGroup.Do(categoryID, func() (interface{}, error) {
		return nil, s.doSync(ctx, categoryID)
	})
	if shared {
		logger.Get().Debug("category sync shared", zap.String("category_id", categoryID))
	}
	return err
}

func (s *DefaultCategorySyncer) doSync(ctx context.Context, categoryID string) error {
	category, err := s.categories.GetByID(ctx, categoryID)
	if err != nil {
		return err
	}

	sold, err := s.registrations.CountActive(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("failed to count registrations: %w", err)
	}

	seeded, err := s.seeder.SeedCategory(ctx, category, sold)
	if err != nil {
		return fmt.Errorf("failed to seed category: %w", err)
	}

	logger.Get().Info("category counter synced",
		zap.String("category_id", categoryID),
		zap.Int("quota", category.Quota),
		zap.Int("sold", sold),
		zap.Bool("seeded", seeded),
	)
	return nil
}
