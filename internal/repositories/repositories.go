// Package repositories is the typed query layer of the Storage Gateway: one
// interface and one GORM-backed implementation per entity, every method
// wrapped with its package/operation prefix so errors.Is/As chains stay
// meaningful up through the Orchestrator.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobRepository is the typed access layer for Delegated Jobs.
type JobRepository interface {
	Create(ctx context.Context, job *storage.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Job, error)
	GetByForgeJobID(ctx context.Context, forgeJobID int64) (*storage.Job, error)
	// UpdateStatus applies a monotonic status transition. Returns
	// ErrConflict if the transition would move the job backward.
	UpdateStatus(ctx context.Context, id uuid.UUID, to storage.JobStatus, mutate func(*storage.Job)) error
	Update(ctx context.Context, job *storage.Job) error
	List(ctx context.Context, opts ListOptions) ([]storage.Job, int64, error)
	ListPendingSince(ctx context.Context, repository string, since time.Time) ([]storage.Job, error)
	CountActive(ctx context.Context, repository string) (int64, error)
}

// RunnerRepository is the typed access layer for Runners.
type RunnerRepository interface {
	Create(ctx context.Context, runner *storage.Runner) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Runner, error)
	GetByName(ctx context.Context, name string) (*storage.Runner, error)
	Update(ctx context.Context, runner *storage.Runner) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByRepository(ctx context.Context, repository string) ([]storage.Runner, error)
	ListActiveByRepository(ctx context.Context, repository string) ([]storage.Runner, error)
	CountBusy(ctx context.Context, repository string) (int64, error)
}

// RunnerPoolRepository is the typed access layer for Runner Pools.
type RunnerPoolRepository interface {
	GetOrCreate(ctx context.Context, repository string, defaults storage.RunnerPool) (*storage.RunnerPool, error)
	Update(ctx context.Context, pool *storage.RunnerPool) error
	List(ctx context.Context) ([]storage.RunnerPool, error)
}

// RoutingRuleRepository is the typed access layer for Routing Rules.
type RoutingRuleRepository interface {
	Create(ctx context.Context, rule *storage.RoutingRule) error
	ListEnabled(ctx context.Context) ([]storage.RoutingRule, error)
	CreateDecision(ctx context.Context, decision *storage.RoutingDecision) error
}

// WebhookEventRepository is the typed access layer for Webhook Events.
type WebhookEventRepository interface {
	Create(ctx context.Context, event *storage.WebhookEvent) error
	GetByDeliveryID(ctx context.Context, deliveryID string) (*storage.WebhookEvent, error)
	MarkProcessed(ctx context.Context, deliveryID string, durationMs int64) error
	MarkFailed(ctx context.Context, deliveryID string, errMsg string) error
}

// WorkflowRunRepository is the typed access layer for Workflow Runs.
type WorkflowRunRepository interface {
	Upsert(ctx context.Context, run *storage.WorkflowRun) error
	GetByRunID(ctx context.Context, runID int64) (*storage.WorkflowRun, error)
}

// MetricsRepository is the typed access layer for the analytics tables
// written by the Monitoring Sink and the Orchestrator.
type MetricsRepository interface {
	RecordWebhook(ctx context.Context, m *storage.WebhookMetric) error
	RecordJob(ctx context.Context, m *storage.JobMetric) error
	BumpRepositoryStat(ctx context.Context, repository string, success bool, at time.Time) error
}
