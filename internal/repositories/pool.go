package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormRunnerPoolRepository struct {
	db *gorm.DB
}

// NewRunnerPoolRepository returns a RunnerPoolRepository backed by db.
func NewRunnerPoolRepository(db *gorm.DB) RunnerPoolRepository {
	return &gormRunnerPoolRepository{db: db}
}

// GetOrCreate fetches the pool for repository, creating it with defaults
// (min/max/increment/threshold) if it does not yet exist. This is the
// gorm-level half of the Runner Pool Manager's GetOrCreatePool.
func (r *gormRunnerPoolRepository) GetOrCreate(ctx context.Context, repository string, defaults storage.RunnerPool) (*storage.RunnerPool, error) {
	var pool storage.RunnerPool
	err := r.db.WithContext(ctx).First(&pool, "repository = ?", repository).Error
	if err == nil {
		return &pool, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("runner_pools: get: %w", err)
	}

	pool = defaults
	pool.Repository = repository
	if err := r.db.WithContext(ctx).Create(&pool).Error; err != nil {
		return nil, fmt.Errorf("runner_pools: create: %w", err)
	}
	return &pool, nil
}

func (r *gormRunnerPoolRepository) Update(ctx context.Context, pool *storage.RunnerPool) error {
	if err := r.db.WithContext(ctx).Save(pool).Error; err != nil {
		return fmt.Errorf("runner_pools: update: %w", err)
	}
	return nil
}

func (r *gormRunnerPoolRepository) List(ctx context.Context) ([]storage.RunnerPool, error) {
	var pools []storage.RunnerPool
	if err := r.db.WithContext(ctx).Find(&pools).Error; err != nil {
		return nil, fmt.Errorf("runner_pools: list: %w", err)
	}
	return pools, nil
}
