package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the given primary
// connection. Reads that can tolerate replica lag should be issued against
// a Gateway's Reader() instead of threading this type directly.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *storage.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*storage.Job, error) {
	var job storage.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) GetByForgeJobID(ctx context.Context, forgeJobID int64) (*storage.Job, error) {
	var job storage.Job
	err := r.db.WithContext(ctx).First(&job, "forge_job_id = ?", forgeJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get by forge job id: %w", err)
	}
	return &job, nil
}

// UpdateStatus loads the job, checks the proposed transition against the
// monotonic status DAG, applies mutate, and saves — all inside a
// transaction so the check-then-write is atomic. A backward transition
// returns ErrConflict and leaves the row untouched.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, to storage.JobStatus, mutate func(*storage.Job)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job storage.Job
		if err := tx.Set("gorm:query_option", "FOR UPDATE").First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: update status: load: %w", err)
		}

		if !storage.CanTransition(job.Status, to) {
			return fmt.Errorf("jobs: update status: %s -> %s: %w", job.Status, to, ErrConflict)
		}

		job.Status = to
		if mutate != nil {
			mutate(&job)
		}

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("jobs: update status: save: %w", err)
		}
		return nil
	})
}

func (r *gormJobRepository) Update(ctx context.Context, job *storage.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("jobs: update: %w", err)
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]storage.Job, int64, error) {
	var (
		jobs  []storage.Job
		total int64
	)
	q := r.db.WithContext(ctx).Model(&storage.Job{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: count: %w", err)
	}
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

// ListPendingSince returns jobs still Pending for repository, created at
// or after since — the Auto-Scaler's queue-depth and wait-time inputs.
func (r *gormJobRepository) ListPendingSince(ctx context.Context, repository string, since time.Time) ([]storage.Job, error) {
	var jobs []storage.Job
	err := r.db.WithContext(ctx).
		Where("repository = ? AND status = ? AND created_at >= ?", repository, storage.JobStatusPending, since).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list pending since: %w", err)
	}
	return jobs, nil
}

// CountActive counts jobs in Assigned or Running state for repository — the
// Auto-Scaler's active_jobs input.
func (r *gormJobRepository) CountActive(ctx context.Context, repository string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&storage.Job{}).
		Where("repository = ? AND status IN ?", repository, []storage.JobStatus{storage.JobStatusAssigned, storage.JobStatusRunning}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count active: %w", err)
	}
	return count, nil
}
