package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/pool"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/queue"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// defaultPoolMin/Max bound a pool created implicitly by the first job seen
// for a repository.
const (
	defaultPoolMin = 1
	defaultPoolMax = 10
)

// JobEvents is the workflow_job / workflow_run handler set. It owns the
// queued -> in_progress -> completed choreography and nothing
// else; execution belongs to the Orchestrator, reached only through the
// Job Queue.
type JobEvents struct {
	jobs    repositories.JobRepository
	runners repositories.RunnerRepository
	runs    repositories.WorkflowRunRepository
	metricsDB repositories.MetricsRepository
	queue   *queue.Queue
	pools   *pool.Manager
	bus     *eventbus.Bus
	sink    *metrics.Sink
	logger  *zap.Logger
}

// NewJobEvents wires the workflow handlers.
func NewJobEvents(jobs repositories.JobRepository, runners repositories.RunnerRepository, runs repositories.WorkflowRunRepository, metricsDB repositories.MetricsRepository, q *queue.Queue, pools *pool.Manager, bus *eventbus.Bus, sink *metrics.Sink, logger *zap.Logger) *JobEvents {
	return &JobEvents{
		jobs:      jobs,
		runners:   runners,
		runs:      runs,
		metricsDB: metricsDB,
		queue:     q,
		pools:     pools,
		bus:       bus,
		sink:      sink,
		logger:    logger.Named("webhook.jobs"),
	}
}

// RegisterAll installs every handler this set provides on ing.
func (h *JobEvents) RegisterAll(ing *Ingestor) {
	ing.Register("workflow_job", h.HandleWorkflowJob)
	ing.Register("workflow_run", h.HandleWorkflowRun)
	ing.Register("ping", func(ctx context.Context, payload []byte) error {
		h.logger.Info("ping received")
		return nil
	})
}

// HandleWorkflowJob dispatches on the delivery's action.
func (h *JobEvents) HandleWorkflowJob(ctx context.Context, payload []byte) error {
	var ev workflowJobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("webhook: decode workflow_job: %w", err)
	}

	switch ev.Action {
	case "queued":
		return h.jobQueued(ctx, ev)
	case "in_progress":
		return h.jobInProgress(ctx, ev)
	case "completed":
		return h.jobCompleted(ctx, ev)
	default:
		h.logger.Debug("ignoring workflow_job action", zap.String("action", ev.Action))
		return nil
	}
}

// jobQueued upserts the Job row, enqueues it with its computed priority,
// and requests a runner from the target pool.
func (h *JobEvents) jobQueued(ctx context.Context, ev workflowJobEvent) error {
	repo := ev.Repository.FullName
	priority := ComputePriority(ev.WorkflowJob.Labels, ev.Repository.Private)

	job, err := h.jobs.GetByForgeJobID(ctx, ev.WorkflowJob.ID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		job = &storage.Job{
			ForgeJobID: ev.WorkflowJob.ID,
			RunID:      ev.WorkflowJob.RunID,
			Repository: repo,
			Workflow:   ev.WorkflowJob.WorkflowName,
			Labels:     storage.StringSet(ev.WorkflowJob.Labels),
			HeadSHA:    ev.WorkflowJob.HeadSHA,
			HeadBranch: strings.TrimPrefix(ev.WorkflowJob.HeadBranch, "refs/heads/"),
			JobURL:     ev.WorkflowJob.HTMLURL,
			Status:     storage.JobStatusPending,
			Priority:   priority,
		}
		if err := h.jobs.Create(ctx, job); err != nil {
			return fmt.Errorf("webhook: create job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("webhook: load job: %w", err)
	default:
		// A re-delivered queued event for a known job refreshes the
		// mutable fields but must not rewind a job already in flight.
		if job.Status != storage.JobStatusPending {
			h.logger.Warn("queued event for job already in flight",
				zap.Int64("forge_job_id", ev.WorkflowJob.ID), zap.String("status", string(job.Status)))
			return nil
		}
		job.Labels = storage.StringSet(ev.WorkflowJob.Labels)
		job.Priority = priority
		if err := h.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("webhook: refresh job: %w", err)
		}
	}

	taskPayload, err := json.Marshal(queue.JobPayload{
		JobID:      job.ID,
		Repository: repo,
		ForgeJobID: job.ForgeJobID,
		RunID:      job.RunID,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal task payload: %w", err)
	}
	if err := h.queue.Enqueue(ctx, queue.Task{
		JobID:      job.ID,
		Payload:    taskPayload,
		Priority:   float64(priority),
		MaxAttempt: 3,
	}); err != nil {
		return err
	}

	if _, err := h.pools.GetOrCreatePool(ctx, repo, defaultPoolMin, defaultPoolMax); err != nil {
		return err
	}
	if runnerID, ok := h.pools.RequestRunner(repo, ev.WorkflowJob.Labels...); ok {
		h.logger.Info("idle runner reserved for queued job",
			zap.String("runner_id", runnerID.String()), zap.String("repository", repo))
	}

	h.publishTransition(job, "", storage.JobStatusPending)
	h.logger.Info("job queued",
		zap.Int64("forge_job_id", ev.WorkflowJob.ID),
		zap.String("repository", repo),
		zap.Int("priority", priority))
	return nil
}

// jobInProgress marks the job Running and its runner Busy.
func (h *JobEvents) jobInProgress(ctx context.Context, ev workflowJobEvent) error {
	job, err := h.jobs.GetByForgeJobID(ctx, ev.WorkflowJob.ID)
	if err != nil {
		return fmt.Errorf("webhook: in_progress for unknown job %d: %w", ev.WorkflowJob.ID, err)
	}

	var runner *storage.Runner
	if ev.WorkflowJob.RunnerName != "" {
		runner, err = h.runners.GetByName(ctx, ev.WorkflowJob.RunnerName)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("webhook: load runner: %w", err)
		}
	}

	from := job.Status
	err = h.jobs.UpdateStatus(ctx, job.ID, storage.JobStatusRunning, func(j *storage.Job) {
		now := time.Now()
		if ev.WorkflowJob.StartedAt != nil {
			now = *ev.WorkflowJob.StartedAt
		}
		j.StartedAt = &now
		if runner != nil {
			id := runner.ID
			j.RunnerID = &id
		}
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			h.logger.Warn("ignoring backward in_progress transition",
				zap.Int64("forge_job_id", ev.WorkflowJob.ID))
			return nil
		}
		return err
	}

	if runner != nil {
		runner.Status = storage.RunnerStatusBusy
		runner.CurrentJobID = &job.ID
		runner.LastHeartbeat = time.Now()
		if err := h.runners.Update(ctx, runner); err != nil {
			return fmt.Errorf("webhook: mark runner busy: %w", err)
		}
		h.pools.Track(job.Repository, runner.ID, storage.RunnerStatusBusy, runner.Labels...)
	} else if ev.WorkflowJob.RunnerName != "" {
		h.logger.Debug("in_progress names an untracked runner",
			zap.String("runner_name", ev.WorkflowJob.RunnerName))
	}

	h.publishTransition(job, from, storage.JobStatusRunning)
	return nil
}

// jobCompleted finalizes the job and releases (or destroys) its runner.
func (h *JobEvents) jobCompleted(ctx context.Context, ev workflowJobEvent) error {
	job, err := h.jobs.GetByForgeJobID(ctx, ev.WorkflowJob.ID)
	if err != nil {
		return fmt.Errorf("webhook: completed for unknown job %d: %w", ev.WorkflowJob.ID, err)
	}

	from := job.Status
	completedAt := time.Now()
	if ev.WorkflowJob.CompletedAt != nil {
		completedAt = *ev.WorkflowJob.CompletedAt
	}

	err = h.jobs.UpdateStatus(ctx, job.ID, storage.JobStatusCompleted, func(j *storage.Job) {
		j.Conclusion = ev.WorkflowJob.Conclusion
		j.CompletedAt = &completedAt
		started := j.StartedAt
		if started == nil && ev.WorkflowJob.StartedAt != nil {
			started = ev.WorkflowJob.StartedAt
			j.StartedAt = started
		}
		if started != nil {
			d := completedAt.Sub(*started).Milliseconds()
			j.DurationMs = &d
		}
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			h.logger.Warn("ignoring completed event for terminal job",
				zap.Int64("forge_job_id", ev.WorkflowJob.ID))
			return nil
		}
		return err
	}

	// Release whenever the event names a runner, tracked or not — an
	// untracked release degrades to a debug log, never an error.
	if ev.WorkflowJob.RunnerName != "" {
		h.releaseRunner(ctx, job, ev.WorkflowJob.RunnerName)
	}

	success := ev.WorkflowJob.Conclusion == "success"
	h.recordCompletion(ctx, job, success, completedAt)
	h.publishTransition(job, from, storage.JobStatusCompleted)
	return nil
}

// releaseRunner returns a proxy runner to Idle or deletes an ephemeral
// one, and updates the live pool registry either way.
func (h *JobEvents) releaseRunner(ctx context.Context, job *storage.Job, runnerName string) {
	runner, err := h.runners.GetByName(ctx, runnerName)
	if errors.Is(err, repositories.ErrNotFound) {
		h.logger.Debug("completed event names an untracked runner", zap.String("runner_name", runnerName))
		return
	}
	if err != nil {
		h.logger.Warn("failed to load runner for release", zap.Error(err))
		return
	}

	if runner.Type == storage.RunnerTypeEphemeral {
		if err := h.runners.Delete(ctx, runner.ID); err != nil {
			h.logger.Warn("failed to delete ephemeral runner", zap.Error(err))
		}
		h.pools.Untrack(job.Repository, runner.ID)
		return
	}

	runner.Status = storage.RunnerStatusIdle
	runner.CurrentJobID = nil
	runner.LastHeartbeat = time.Now()
	if err := h.runners.Update(ctx, runner); err != nil {
		h.logger.Warn("failed to release runner", zap.Error(err))
		return
	}
	h.pools.ReleaseRunner(job.Repository, runner.ID)
}

// recordCompletion writes the analytics rows and sink metrics for one
// finished job.
func (h *JobEvents) recordCompletion(ctx context.Context, job *storage.Job, success bool, at time.Time) {
	if h.sink != nil {
		h.sink.JobsTotal.WithLabelValues(job.Repository, string(storage.JobStatusCompleted)).Inc()
		if job.DurationMs != nil {
			h.sink.JobDuration.Observe(float64(*job.DurationMs) / 1000)
		}
	}
	if h.metricsDB == nil {
		return
	}
	var duration int64
	if job.DurationMs != nil {
		duration = *job.DurationMs
	}
	if err := h.metricsDB.RecordJob(ctx, &storage.JobMetric{
		JobID:      job.ID,
		Repository: job.Repository,
		Conclusion: job.Conclusion,
		DurationMs: duration,
		RunnerID:   job.RunnerID,
		RecordedAt: at,
	}); err != nil {
		h.logger.Debug("failed to record job metric", zap.Error(err))
	}
	if err := h.metricsDB.BumpRepositoryStat(ctx, job.Repository, success, at); err != nil {
		h.logger.Debug("failed to bump repository stat", zap.Error(err))
	}
}

func (h *JobEvents) publishTransition(job *storage.Job, from, to storage.JobStatus) {
	if h.bus == nil {
		return
	}
	eventbus.Publish(h.bus, eventbus.JobTransitioned{
		JobID:      job.ID,
		Repository: job.Repository,
		From:       string(from),
		To:         string(to),
		At:         time.Now(),
	})
}

// HandleWorkflowRun mirrors the forge-level run grouping for
// reconciliation.
func (h *JobEvents) HandleWorkflowRun(ctx context.Context, payload []byte) error {
	var ev workflowRunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("webhook: decode workflow_run: %w", err)
	}

	return h.runs.Upsert(ctx, &storage.WorkflowRun{
		RunID:      ev.WorkflowRun.ID,
		Repository: ev.Repository.FullName,
		Workflow:   ev.WorkflowRun.Name,
		HeadBranch: ev.WorkflowRun.HeadBranch,
		HeadSHA:    ev.WorkflowRun.HeadSHA,
		Event:      ev.WorkflowRun.Event,
		Status:     ev.WorkflowRun.Status,
		Conclusion: ev.WorkflowRun.Conclusion,
	})
}
