package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/container"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// ProvisionRunners is the Auto-Scaler's scale-up hook: it creates n idle
// ephemeral runners for repository, each with a registered container
// warmed up and waiting for work. It provisions as many as it can;
// partial success is logged and returns nil, so the scaler's cooldown
// still engages. Only a run that provisions none returns an error.
func (o *Orchestrator) ProvisionRunners(ctx context.Context, repository string, n int) error {
	token, err := o.forge.GenerateRunnerToken(ctx, repository)
	if err != nil {
		return fmt.Errorf("orchestrator: provision: token: %w", err)
	}
	if _, err := o.networks.Ensure(ctx, repository); err != nil {
		return fmt.Errorf("orchestrator: provision: network: %w", err)
	}

	provisioned := 0
	for i := 0; i < n; i++ {
		if err := o.provisionOne(ctx, repository, token.Token); err != nil {
			o.logger.Warn("provision runner failed",
				zap.String("repository", repository), zap.Error(err))
			continue
		}
		provisioned++
	}

	o.logger.Info("provisioned runners",
		zap.String("repository", repository), zap.Int("requested", n), zap.Int("provisioned", provisioned))

	if provisioned == 0 && n > 0 {
		return fmt.Errorf("orchestrator: provision: no runner of %d could be created", n)
	}
	return nil
}

func (o *Orchestrator) provisionOne(ctx context.Context, repository, token string) error {
	runner := &storage.Runner{
		Name:          runnerName(repository),
		Type:          storage.RunnerTypeEphemeral,
		Repository:    repository,
		Status:        storage.RunnerStatusStarting,
		LastHeartbeat: time.Now(),
	}
	if err := o.runners.Create(ctx, runner); err != nil {
		return err
	}

	env := []string{
		"RUNNER_TOKEN=" + token,
		"RUNNER_NAME=" + runner.Name,
		"RUNNER_EPHEMERAL=1",
		"RUNNER_LABELS=" + strings.Join(runner.Labels, ","),
		"RUNNER_REPOSITORY_URL=https://github.com/" + repository,
	}

	opCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	containerID, err := o.lifecycle.Create(opCtx, runner.ID, runner.ID, container.Spec{
		Name:   runner.Name,
		Image:  o.cfg.RunnerImage,
		Env:    env,
		Labels: map[string]string{"repository": repository},
	}, o.limits)
	if err != nil {
		_ = o.runners.Delete(context.Background(), runner.ID)
		return err
	}

	if err := o.networks.Attach(opCtx, repository, containerID, runner.Name); err != nil {
		_ = o.lifecycle.Remove(context.Background(), containerID, true)
		_ = o.runners.Delete(context.Background(), runner.ID)
		return err
	}
	if err := o.lifecycle.Start(opCtx, containerID); err != nil {
		_ = o.lifecycle.Remove(context.Background(), containerID, true)
		_ = o.runners.Delete(context.Background(), runner.ID)
		return err
	}

	runner.ContainerID = containerID
	runner.Status = storage.RunnerStatusIdle
	if err := o.runners.Update(ctx, runner); err != nil {
		return err
	}
	o.pools.Track(repository, runner.ID, storage.RunnerStatusIdle, runner.Labels...)
	return nil
}

// RetireRunners is the Auto-Scaler's scale-down hook: it removes up to n
// idle runners from repository's pool, never touching a busy one.
func (o *Orchestrator) RetireRunners(ctx context.Context, repository string, n int) error {
	runners, err := o.runners.ListActiveByRepository(ctx, repository)
	if err != nil {
		return fmt.Errorf("orchestrator: retire: list runners: %w", err)
	}

	retired := 0
	for _, r := range runners {
		if retired >= n {
			break
		}
		if r.Status != storage.RunnerStatusIdle {
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		if r.ContainerID != "" {
			if err := o.networks.Detach(opCtx, repository, r.ContainerID); err != nil {
				o.logger.Debug("retire: detach failed", zap.Error(err))
			}
			if err := o.lifecycle.Stop(opCtx, r.ContainerID, stopTimeout); err != nil {
				o.logger.Debug("retire: stop failed", zap.Error(err))
			}
			if err := o.lifecycle.Remove(opCtx, r.ContainerID, true); err != nil {
				cancel()
				o.logger.Warn("retire: remove container failed", zap.Error(err))
				continue
			}
		}
		cancel()

		if err := o.runners.Delete(ctx, r.ID); err != nil {
			o.logger.Warn("retire: delete runner failed", zap.Error(err))
			continue
		}
		o.pools.Untrack(repository, r.ID)
		retired++
	}

	o.logger.Info("retired runners",
		zap.String("repository", repository), zap.Int("requested", n), zap.Int("retired", retired))
	return nil
}
