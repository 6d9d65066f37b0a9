package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormRunnerRepository struct {
	db *gorm.DB
}

// NewRunnerRepository returns a RunnerRepository backed by db.
func NewRunnerRepository(db *gorm.DB) RunnerRepository {
	return &gormRunnerRepository{db: db}
}

func (r *gormRunnerRepository) Create(ctx context.Context, runner *storage.Runner) error {
	if err := r.db.WithContext(ctx).Create(runner).Error; err != nil {
		return fmt.Errorf("runners: create: %w", err)
	}
	return nil
}

func (r *gormRunnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*storage.Runner, error) {
	var runner storage.Runner
	err := r.db.WithContext(ctx).First(&runner, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runners: get by id: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) GetByName(ctx context.Context, name string) (*storage.Runner, error) {
	var runner storage.Runner
	err := r.db.WithContext(ctx).First(&runner, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runners: get by name: %w", err)
	}
	return &runner, nil
}

func (r *gormRunnerRepository) Update(ctx context.Context, runner *storage.Runner) error {
	if err := r.db.WithContext(ctx).Save(runner).Error; err != nil {
		return fmt.Errorf("runners: update: %w", err)
	}
	return nil
}

func (r *gormRunnerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&storage.Runner{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("runners: delete: %w", err)
	}
	return nil
}

func (r *gormRunnerRepository) ListByRepository(ctx context.Context, repository string) ([]storage.Runner, error) {
	var runners []storage.Runner
	err := r.db.WithContext(ctx).Where("repository = ?", repository).Find(&runners).Error
	if err != nil {
		return nil, fmt.Errorf("runners: list by repository: %w", err)
	}
	return runners, nil
}

// ListActiveByRepository returns runners that are not Offline — the Job
// Router's candidate set, also scanned by the Orchestrator when retiring
// idle runners.
func (r *gormRunnerRepository) ListActiveByRepository(ctx context.Context, repository string) ([]storage.Runner, error) {
	var runners []storage.Runner
	err := r.db.WithContext(ctx).
		Where("repository = ? AND status != ?", repository, storage.RunnerStatusOffline).
		Find(&runners).Error
	if err != nil {
		return nil, fmt.Errorf("runners: list active by repository: %w", err)
	}
	return runners, nil
}

func (r *gormRunnerRepository) CountBusy(ctx context.Context, repository string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&storage.Runner{}).
		Where("repository = ? AND status = ?", repository, storage.RunnerStatusBusy).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("runners: count busy: %w", err)
	}
	return count, nil
}
