// Package orchestrator is the top-level coordinator: it accepts a
// dispatched job from the Job Queue and drives it end to end — routing,
// runner creation, registration-token issuance, container launch, the
// wait for completion, and teardown. Execution is a numbered step
// sequence with a compensation stack (each successful step pushes its
// rollback); the wait is a select over the container-stop channel, the
// job-transition subscription, and a deadline timer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/container"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/forge"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/network"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/pool"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/queue"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/router"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

const (
	// pollInterval is the backstop cadence for re-reading the job row
	// while waiting on the container.
	pollInterval = 5 * time.Second

	// defaultJobDeadline bounds one job's total execution time.
	defaultJobDeadline = time.Hour

	// completedGracePeriod is how long an ephemeral runner's container
	// survives after its job completes before the cleanup removes it.
	completedGracePeriod = 5 * time.Minute

	// logTailLines is how much container output is captured at stop.
	logTailLines = 100

	// stopTimeout is the grace given to a container on stop before the
	// daemon kills it.
	stopTimeout = 30 * time.Second
)

// ErrPolicyViolation marks a job blocked by the image-scan policy;
// non-retryable.
var ErrPolicyViolation = errors.New("orchestrator: security policy violation")

// ImageScanner is the optional external scanner consulted before a runner
// image is launched. CriticalFindings reports how many critical
// vulnerabilities the image carries.
type ImageScanner interface {
	CriticalFindings(ctx context.Context, image string) (int, error)
}

// finished is one completed ephemeral runner awaiting delayed teardown.
type finished struct {
	containerID string
	runnerID    uuid.UUID
	repository  string
	at          time.Time
}

// Orchestrator executes delegated jobs. One instance serves all queue
// workers; its methods are safe for concurrent use.
type Orchestrator struct {
	cfg config.Config

	jobs      repositories.JobRepository
	runners   repositories.RunnerRepository
	metricsDB repositories.MetricsRepository

	router    *router.Router
	pools     *pool.Manager
	lifecycle *container.Manager
	networks  *network.Isolator
	forge     *forge.Client
	scanner   ImageScanner // nil disables scanning
	blockOnCritical bool

	bus    *eventbus.Bus
	sink   *metrics.Sink
	logger *zap.Logger

	limits container.ResourceLimits

	mu       sync.Mutex
	finished []finished

	jobDeadline time.Duration
}

// New wires an Orchestrator. scanner may be nil; blockOnCritical only
// matters when it is not.
func New(cfg config.Config, jobs repositories.JobRepository, runners repositories.RunnerRepository, metricsDB repositories.MetricsRepository, rt *router.Router, pools *pool.Manager, lifecycle *container.Manager, networks *network.Isolator, forgeClient *forge.Client, scanner ImageScanner, blockOnCritical bool, bus *eventbus.Bus, sink *metrics.Sink, logger *zap.Logger) (*Orchestrator, error) {
	memBytes, err := container.ParseMemoryLimit(cfg.DefaultLimits.Memory)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		jobs:      jobs,
		runners:   runners,
		metricsDB: metricsDB,
		router:    rt,
		pools:     pools,
		lifecycle: lifecycle,
		networks:  networks,
		forge:     forgeClient,
		scanner:   scanner,
		blockOnCritical: blockOnCritical,
		bus:       bus,
		sink:      sink,
		logger:    logger.Named("orchestrator"),
		limits: container.ResourceLimits{
			CPUShares:   cfg.DefaultLimits.CPUShares,
			CPUQuota:    cfg.DefaultLimits.CPUQuota,
			MemoryBytes: memBytes,
			PidsLimit:   cfg.DefaultLimits.PidsLimit,
		},
		jobDeadline: defaultJobDeadline,
	}, nil
}

// HandleTask is the Job Queue worker function: it decodes the task
// payload and executes the job.
func (o *Orchestrator) HandleTask(ctx context.Context, task queue.Task) error {
	var payload queue.JobPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("orchestrator: decode task payload: %w", err)
	}

	job, err := o.jobs.GetByID(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("orchestrator: load job %s: %w", payload.JobID, err)
	}
	if job.Status.Terminal() {
		// The completed webhook can outrun the queue; nothing to do.
		o.logger.Debug("task for terminal job dropped", zap.String("job_id", job.ID.String()))
		return nil
	}

	return o.ExecuteJob(ctx, job)
}

// ExecuteJob runs one job end to end. Any failure after the runner row is
// created unwinds the compensation stack, marks the job Failed, and
// surfaces the error.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *storage.Job) (err error) {
	start := time.Now()

	// undo is the compensation stack: each successful step pushes its
	// rollback; an early return runs them newest-first.
	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		o.failJob(job, err, start)
	}()

	// 1. Assigned. A Conflict here means another worker (or a replayed
	// delivery) already claimed the job; dropping the task is the
	// exactly-once half of the dedup story, not a failure.
	if err = o.transition(ctx, job, storage.JobStatusAssigned, nil); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			o.logger.Warn("job already claimed elsewhere, dropping task",
				zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
			err = nil
			return nil
		}
		return err
	}

	// 2. Routing decision.
	decision, err := o.router.Route(ctx, *job)
	if err != nil {
		return fmt.Errorf("orchestrator: route job: %w", err)
	}
	targetPool := job.Repository
	if decision.PoolOverride != "" {
		targetPool = decision.PoolOverride
	}

	// 3. Ephemeral runner row.
	runner := &storage.Runner{
		Name:          runnerName(job.Repository),
		Type:          storage.RunnerTypeEphemeral,
		Repository:    targetPool,
		Labels:        decision.RunnerLabels,
		Status:        storage.RunnerStatusStarting,
		LastHeartbeat: time.Now(),
	}
	if err = o.runners.Create(ctx, runner); err != nil {
		return fmt.Errorf("orchestrator: create runner: %w", err)
	}
	undo = append(undo, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := o.runners.Delete(cleanupCtx, runner.ID); derr != nil {
			o.logger.Warn("rollback: delete runner failed", zap.Error(derr))
		}
		o.pools.Untrack(targetPool, runner.ID)
	})

	// 4. Registration token.
	token, err := o.forge.GenerateRunnerToken(ctx, job.Repository)
	if err != nil {
		return fmt.Errorf("orchestrator: registration token: %w", err)
	}

	// 5. Image policy.
	if o.scanner != nil {
		critical, serr := o.scanner.CriticalFindings(ctx, o.cfg.RunnerImage)
		if serr != nil {
			o.logger.Warn("image scan failed, continuing", zap.Error(serr))
		} else if critical > 0 && o.blockOnCritical {
			return fmt.Errorf("%w: image %s has %d critical findings", ErrPolicyViolation, o.cfg.RunnerImage, critical)
		}
	}

	// 6-7. Container: network, create, attach, start.
	containerID, err := o.launchContainer(ctx, job, runner, token.Token)
	if err != nil {
		return err
	}
	undo = append(undo, func() {
		o.teardownContainer(containerID, runner, targetPool)
	})

	runner.ContainerID = containerID
	runner.Status = storage.RunnerStatusBusy
	runner.CurrentJobID = &job.ID
	if err = o.runners.Update(ctx, runner); err != nil {
		return fmt.Errorf("orchestrator: bind runner to container: %w", err)
	}
	o.pools.Track(targetPool, runner.ID, storage.RunnerStatusBusy, runner.Labels...)

	// 8. Running.
	startedAt := time.Now()
	if err = o.transition(ctx, job, storage.JobStatusRunning, func(j *storage.Job) {
		j.RunnerID = &runner.ID
		j.StartedAt = &startedAt
	}); err != nil {
		return err
	}

	// 9. Wait for the container to stop, the job to go terminal, or the
	// deadline.
	exitCode, waitErr := o.await(ctx, job.ID, containerID)
	if waitErr != nil {
		return waitErr
	}

	// 10. Finalize.
	o.captureLogs(ctx, containerID, job)

	completedAt := time.Now()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	final := storage.JobStatusCompleted
	conclusion := "success"
	if exitCode != 0 {
		final = storage.JobStatusFailed
		conclusion = "failure"
	}

	err = o.transition(ctx, job, final, func(j *storage.Job) {
		code := int(exitCode)
		j.ExitCode = &code
		j.CompletedAt = &completedAt
		j.DurationMs = &durationMs
		j.Conclusion = conclusion
	})
	switch {
	case errors.Is(err, repositories.ErrConflict):
		// The webhook path finalized the job first; its conclusion and
		// exit code stand. Metrics were recorded there too — only the
		// container teardown is still ours.
		o.logger.Info("job already finalized elsewhere, keeping its record",
			zap.String("job_id", job.ID.String()))
		err = nil
	case err != nil:
		return err
	default:
		o.recordCompletion(ctx, job, conclusion, durationMs, runner.ID)
	}

	o.scheduleTeardown(containerID, runner.ID, targetPool)

	// A non-zero exit is a finalized execution, not a handler failure:
	// the job row is terminal either way, and returning an error here
	// would only make the queue retry a job that can no longer move.
	log := o.logger.Info
	if final == storage.JobStatusFailed {
		log = o.logger.Warn
	}
	log("job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("repository", job.Repository),
		zap.Int64("exit_code", exitCode),
		zap.Duration("duration", completedAt.Sub(startedAt)))

	return nil
}

// launchContainer ensures the repository network, creates the runner
// container with the mandatory defaults and environment, attaches it with
// runner-name aliases, and starts it.
func (o *Orchestrator) launchContainer(ctx context.Context, job *storage.Job, runner *storage.Runner, token string) (string, error) {
	if _, err := o.networks.Ensure(ctx, job.Repository); err != nil {
		return "", err
	}

	env := []string{
		"RUNNER_TOKEN=" + token,
		"RUNNER_NAME=" + runner.Name,
		"RUNNER_EPHEMERAL=1",
		"RUNNER_LABELS=" + strings.Join(runner.Labels, ","),
		"RUNNER_REPOSITORY_URL=https://github.com/" + job.Repository,
		fmt.Sprintf("GITHUB_JOB_ID=%d", job.ForgeJobID),
		fmt.Sprintf("GITHUB_RUN_ID=%d", job.RunID),
		"GITHUB_WORKFLOW=" + job.Workflow,
	}

	spec := container.Spec{
		Name:  runner.Name,
		Image: o.cfg.RunnerImage,
		Env:   env,
		Labels: map[string]string{
			"repository": job.Repository,
		},
	}

	opCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	containerID, err := o.lifecycle.Create(opCtx, runner.ID, job.ID, spec, o.limits)
	if err != nil {
		return "", err
	}

	if err := o.networks.Attach(opCtx, job.Repository, containerID, runner.Name); err != nil {
		_ = o.lifecycle.Remove(context.Background(), containerID, true)
		return "", err
	}

	if err := o.lifecycle.Start(opCtx, containerID); err != nil {
		_ = o.lifecycle.Remove(context.Background(), containerID, true)
		return "", err
	}

	return containerID, nil
}

// await blocks until the container stops, the job row goes terminal, or
// the deadline passes. It returns the container exit code when the
// container path wins.
func (o *Orchestrator) await(ctx context.Context, jobID uuid.UUID, containerID string) (int64, error) {
	waitCh := o.lifecycle.Wait(ctx, containerID)

	transitions, unsubscribe := eventbus.Subscribe[eventbus.JobTransitioned](o.bus)
	defer unsubscribe()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(o.jobDeadline)
	defer deadline.Stop()

	for {
		select {
		case res := <-waitCh:
			if res.Err != nil {
				return 0, res.Err
			}
			return res.ExitCode, nil

		case ev := <-transitions:
			if ev.JobID != jobID {
				continue
			}
			if terminal := storage.JobStatus(ev.To); terminal.Terminal() {
				return o.stopForTerminalJob(containerID), nil
			}

		case <-ticker.C:
			// Backstop for transitions that arrived outside this process
			// (another instance, or a direct DB update).
			job, err := o.jobs.GetByID(ctx, jobID)
			if err != nil {
				o.logger.Warn("poll: load job failed", zap.Error(err))
				continue
			}
			if job.Status.Terminal() {
				return o.stopForTerminalJob(containerID), nil
			}

		case <-deadline.C:
			return 0, fmt.Errorf("orchestrator: job %s exceeded deadline %s", jobID, o.jobDeadline)

		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// stopForTerminalJob stops the container after the job reached a terminal
// state by some other path. It returns 0 in place of an exit code; the
// container's own exit status is not read.
func (o *Orchestrator) stopForTerminalJob(containerID string) int64 {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := o.lifecycle.Stop(stopCtx, containerID, stopTimeout); err != nil {
		o.logger.Warn("stop after terminal job failed", zap.Error(err))
	}
	return 0
}

// captureLogs stores the container's log tail on the job row for
// debugging failed runs; failures here never fail the job.
func (o *Orchestrator) captureLogs(ctx context.Context, containerID string, job *storage.Job) {
	logCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tail, err := o.lifecycle.Logs(logCtx, containerID, logTailLines)
	if err != nil {
		o.logger.Debug("log capture failed", zap.Error(err))
		return
	}
	if tail != "" {
		o.logger.Debug("captured container log tail",
			zap.String("job_id", job.ID.String()), zap.Int("bytes", len(tail)))
	}
}

// transition applies a monotonic job transition and publishes the event.
// A Conflict is surfaced to the caller, who decides whether it is fatal.
func (o *Orchestrator) transition(ctx context.Context, job *storage.Job, to storage.JobStatus, mutate func(*storage.Job)) error {
	from := job.Status
	if err := o.jobs.UpdateStatus(ctx, job.ID, to, mutate); err != nil {
		return err
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}

	if o.bus != nil {
		eventbus.Publish(o.bus, eventbus.JobTransitioned{
			JobID:      job.ID,
			Repository: job.Repository,
			From:       string(from),
			To:         string(to),
			At:         time.Now(),
		})
	}
	return nil
}

// failJob marks job Failed with a structured error, tolerating the
// Conflict that occurs when the job already went terminal by another
// path.
func (o *Orchestrator) failJob(job *storage.Job, cause error, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := o.transition(ctx, job, storage.JobStatusFailed, func(j *storage.Job) {
		now := time.Now()
		j.CompletedAt = &now
		j.Error = cause.Error()
		d := now.Sub(start).Milliseconds()
		j.DurationMs = &d
	})
	if err != nil && !errors.Is(err, repositories.ErrConflict) {
		o.logger.Error("failed to mark job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	o.recordCompletion(ctx, job, "failure", 0, uuid.Nil)
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("repository", job.Repository),
		zap.Error(cause))
}

// recordCompletion writes the analytics rows and sink metrics for one
// finished job.
func (o *Orchestrator) recordCompletion(ctx context.Context, job *storage.Job, conclusion string, durationMs int64, runnerID uuid.UUID) {
	if o.sink != nil {
		o.sink.JobsTotal.WithLabelValues(job.Repository, string(job.Status)).Inc()
		if durationMs > 0 {
			o.sink.JobDuration.Observe(float64(durationMs) / 1000)
		}
	}
	if o.metricsDB == nil {
		return
	}
	var rid *uuid.UUID
	if runnerID != uuid.Nil {
		rid = &runnerID
	}
	if err := o.metricsDB.RecordJob(ctx, &storage.JobMetric{
		JobID:      job.ID,
		Repository: job.Repository,
		Conclusion: conclusion,
		DurationMs: durationMs,
		RunnerID:   rid,
		RecordedAt: time.Now(),
	}); err != nil {
		o.logger.Debug("failed to record job metric", zap.Error(err))
	}
	if err := o.metricsDB.BumpRepositoryStat(ctx, job.Repository, conclusion == "success", time.Now()); err != nil {
		o.logger.Debug("failed to bump repository stat", zap.Error(err))
	}
}

// runnerName derives an ephemeral runner name from the repository and a
// short random suffix: ephemeral-<repo-dashed>-<short-id>.
func runnerName(repository string) string {
	id := uuid.New().String()
	return "ephemeral-" + network.Sanitize(repository) + "-" + id[:8]
}
