package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

type gormWebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository returns a WebhookEventRepository backed by db.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &gormWebhookEventRepository{db: db}
}

// Create inserts the event. delivery_id is the primary key, so a duplicate
// delivery_id surfaces as ErrConflict — the storage-level half of the
// dedup linearization point.
func (r *gormWebhookEventRepository) Create(ctx context.Context, event *storage.WebhookEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("webhook_events: create: %w", err)
	}
	return nil
}

func (r *gormWebhookEventRepository) GetByDeliveryID(ctx context.Context, deliveryID string) (*storage.WebhookEvent, error) {
	var event storage.WebhookEvent
	err := r.db.WithContext(ctx).First(&event, "delivery_id = ?", deliveryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhook_events: get by delivery id: %w", err)
	}
	return &event, nil
}

func (r *gormWebhookEventRepository) MarkProcessed(ctx context.Context, deliveryID string, durationMs int64) error {
	res := r.db.WithContext(ctx).Model(&storage.WebhookEvent{}).
		Where("delivery_id = ?", deliveryID).
		Updates(map[string]any{
			"processed":               true,
			"processing_duration_ms":  durationMs,
			"last_processing_error":   "",
		})
	if res.Error != nil {
		return fmt.Errorf("webhook_events: mark processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookEventRepository) MarkFailed(ctx context.Context, deliveryID string, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&storage.WebhookEvent{}).
		Where("delivery_id = ?", deliveryID).
		Updates(map[string]any{
			"last_processing_error": errMsg,
			"processing_attempts":   gorm.Expr("processing_attempts + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("webhook_events: mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type gormWorkflowRunRepository struct {
	db *gorm.DB
}

// NewWorkflowRunRepository returns a WorkflowRunRepository backed by db.
func NewWorkflowRunRepository(db *gorm.DB) WorkflowRunRepository {
	return &gormWorkflowRunRepository{db: db}
}

func (r *gormWorkflowRunRepository) Upsert(ctx context.Context, run *storage.WorkflowRun) error {
	err := r.db.WithContext(ctx).
		Where("run_id = ?", run.RunID).
		Assign(run).
		FirstOrCreate(run).Error
	if err != nil {
		return fmt.Errorf("workflow_runs: upsert: %w", err)
	}
	return nil
}

func (r *gormWorkflowRunRepository) GetByRunID(ctx context.Context, runID int64) (*storage.WorkflowRun, error) {
	var run storage.WorkflowRun
	err := r.db.WithContext(ctx).First(&run, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow_runs: get by run id: %w", err)
	}
	return &run, nil
}

// isUniqueViolation is a best-effort check across sqlite and postgres
// error text, so constraint violations are distinguished without
// importing each driver's error package.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
