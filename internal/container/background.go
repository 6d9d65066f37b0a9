package container

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
)

// Thresholds for the stats poll's resource alerts.
const (
	highCPUPercent    = 80.0
	highMemoryPercent = 90.0
)

// stoppedGracePeriod is how long a Stopped container survives before the
// sweep removes it.
const stoppedGracePeriod = time.Hour

// StartBackground runs the Manager's housekeeping on sched: a 30-second
// stats poll over Running containers and a 5-minute sweep of Stopped ones.
// The caller owns sched's lifecycle; in an HA deployment only the leader
// starts these.
func (m *Manager) StartBackground(ctx context.Context, sched gocron.Scheduler) error {
	_, err := sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { m.pollStats(ctx) }),
		gocron.WithName("container-stats-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("container: schedule stats poll: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() { m.sweepStopped(ctx) }),
		gocron.WithName("container-stopped-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("container: schedule stopped sweep: %w", err)
	}

	return nil
}

// pollStats samples every Running container and publishes resource alerts
// for the ones breaching the CPU or memory thresholds.
func (m *Manager) pollStats(ctx context.Context) {
	for _, t := range m.running() {
		usage, err := m.Stats(ctx, t.id)
		if err != nil {
			m.logger.Debug("stats sample failed", zap.String("container_id", shortID(t.id)), zap.Error(err))
			continue
		}

		if usage.CPUPercent > highCPUPercent {
			m.alert(t, "high-cpu", usage.CPUPercent)
		}
		if usage.MemoryPercent > highMemoryPercent {
			m.alert(t, "high-memory", usage.MemoryPercent)
		}
	}
}

func (m *Manager) alert(t *tracked, kind string, value float64) {
	m.logger.Warn("container resource alert",
		zap.String("container_id", shortID(t.id)),
		zap.String("kind", kind),
		zap.Float64("value", value))
	if m.bus != nil {
		eventbus.Publish(m.bus, eventbus.ResourceAlert{
			ContainerID: t.id,
			RunnerID:    t.runnerID,
			Kind:        kind,
			Value:       value,
			At:          time.Now(),
		})
	}
}

// sweepStopped removes containers that have sat in Stopped for longer than
// the grace period.
func (m *Manager) sweepStopped(ctx context.Context) {
	cutoff := time.Now().Add(-stoppedGracePeriod)
	for _, id := range m.stoppedBefore(cutoff) {
		if err := m.Remove(ctx, id, false); err != nil {
			m.logger.Warn("sweep remove failed", zap.String("container_id", shortID(id)), zap.Error(err))
			continue
		}
		m.logger.Info("swept stopped container", zap.String("container_id", shortID(id)))
	}
}

// Reconcile re-ingests containers this system created in a previous
// process lifetime, identified by the managed/owner labels, so the state
// machine and sweepers pick them back up after a restart.
func (m *Manager) Reconcile(ctx context.Context) error {
	f := filters.NewArgs(
		filters.Arg("label", managedLabel+"=true"),
		filters.Arg("label", "owner="+m.tag),
	)
	list, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("container: reconcile list: %w", err)
	}

	ingested := 0
	for _, c := range list {
		m.mu.Lock()
		_, known := m.containers[c.ID]
		m.mu.Unlock()
		if known {
			continue
		}

		state := StateStopped
		switch string(c.State) {
		case "running":
			state = StateRunning
		case "created":
			state = StateCreated
		}

		runnerID, _ := uuid.Parse(c.Labels["runner-id"])
		jobID, _ := uuid.Parse(c.Labels["job-id"])

		t := &tracked{id: c.ID, runnerID: runnerID, jobID: jobID, state: state}
		if state == StateStopped {
			// The real stop time is unknown after a restart; dating it now
			// gives the container a full grace period before the sweep.
			t.stoppedAt = time.Now()
		}

		m.mu.Lock()
		m.containers[c.ID] = t
		m.mu.Unlock()
		ingested++
	}

	if ingested > 0 {
		m.logger.Info("reconciled existing containers", zap.Int("count", ingested))
	}
	return nil
}
