package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormMetricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository returns a MetricsRepository backed by db.
func NewMetricsRepository(db *gorm.DB) MetricsRepository {
	return &gormMetricsRepository{db: db}
}

func (r *gormMetricsRepository) RecordWebhook(ctx context.Context, m *storage.WebhookMetric) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("webhook_metrics: record: %w", err)
	}
	return nil
}

func (r *gormMetricsRepository) RecordJob(ctx context.Context, m *storage.JobMetric) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("job_metrics: record: %w", err)
	}
	return nil
}

// BumpRepositoryStat increments the running per-repository rollup,
// creating it on first use. success selects whether total_jobs and
// successful_jobs or total_jobs and failed_jobs are incremented.
func (r *gormMetricsRepository) BumpRepositoryStat(ctx context.Context, repository string, success bool, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stat storage.RepositoryStat
		err := tx.First(&stat, "repository = ?", repository).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stat = storage.RepositoryStat{Repository: repository}
			if err := tx.Create(&stat).Error; err != nil {
				return fmt.Errorf("repository_stats: create: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("repository_stats: load: %w", err)
		}

		stat.TotalJobs++
		if success {
			stat.SuccessfulJobs++
		} else {
			stat.FailedJobs++
		}
		stat.LastJobAt = &at

		if err := tx.Save(&stat).Error; err != nil {
			return fmt.Errorf("repository_stats: save: %w", err)
		}
		return nil
	})
}
