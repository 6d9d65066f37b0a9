package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// scheduleTeardown queues a finished ephemeral runner's container for
// removal after the grace period.
func (o *Orchestrator) scheduleTeardown(containerID string, runnerID uuid.UUID, repository string) {
	o.mu.Lock()
	o.finished = append(o.finished, finished{
		containerID: containerID,
		runnerID:    runnerID,
		repository:  repository,
		at:          time.Now(),
	})
	o.mu.Unlock()
}

// StartCleanup schedules the completed-container sweep: every minute,
// remove the containers of runners whose jobs completed more than the
// grace period ago, then delete the runner rows. In HA deployments only
// the leader runs this (gated the same way as the Auto-Scaler, by the
// caller choosing which instance starts it).
func (o *Orchestrator) StartCleanup(ctx context.Context, sched gocron.Scheduler) error {
	_, err := sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { o.sweepFinished(ctx) }),
		gocron.WithName("orchestrator-completed-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: schedule cleanup: %w", err)
	}
	return nil
}

func (o *Orchestrator) sweepFinished(ctx context.Context) {
	cutoff := time.Now().Add(-completedGracePeriod)

	o.mu.Lock()
	var due []finished
	kept := o.finished[:0]
	for _, f := range o.finished {
		if f.at.Before(cutoff) {
			due = append(due, f)
		} else {
			kept = append(kept, f)
		}
	}
	o.finished = kept
	o.mu.Unlock()

	for _, f := range due {
		o.removeFinished(ctx, f)
	}
}

// removeFinished tears one finished runner all the way down: detach from
// its network, stop+remove the container, delete the runner row, and drop
// it from the live registry.
func (o *Orchestrator) removeFinished(ctx context.Context, f finished) {
	opCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	if err := o.networks.Detach(opCtx, f.repository, f.containerID); err != nil {
		o.logger.Debug("cleanup: detach failed", zap.Error(err))
	}
	if err := o.lifecycle.Stop(opCtx, f.containerID, stopTimeout); err != nil {
		o.logger.Debug("cleanup: stop failed", zap.Error(err))
	}
	if err := o.lifecycle.Remove(opCtx, f.containerID, true); err != nil {
		o.logger.Warn("cleanup: remove failed", zap.Error(err))
		return
	}

	if err := o.runners.Delete(opCtx, f.runnerID); err != nil {
		o.logger.Warn("cleanup: delete runner row failed", zap.Error(err))
	}
	o.pools.Untrack(f.repository, f.runnerID)

	o.logger.Info("cleaned up completed runner",
		zap.String("runner_id", f.runnerID.String()),
		zap.String("repository", f.repository))
}

// teardownContainer is the compensation path for a launch that failed
// after the container existed: best-effort stop+remove, detach, and
// registry cleanup.
func (o *Orchestrator) teardownContainer(containerID string, runner *storage.Runner, repository string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := o.networks.Detach(ctx, repository, containerID); err != nil {
		o.logger.Debug("rollback: detach failed", zap.Error(err))
	}
	if err := o.lifecycle.Stop(ctx, containerID, stopTimeout); err != nil {
		o.logger.Debug("rollback: stop failed", zap.Error(err))
	}
	if err := o.lifecycle.Remove(ctx, containerID, true); err != nil {
		o.logger.Warn("rollback: remove failed", zap.Error(err))
	}
	o.pools.Untrack(repository, runner.ID)
}
