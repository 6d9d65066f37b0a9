package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
)

// Spec is the caller-supplied half of a container's creation config. The
// Manager adds the mandatory security defaults on top; a Spec cannot
// override them.
type Spec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
}

// ResourceUsage is a point-in-time stats sample for one container.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryLimit   uint64
	MemoryPercent float64
	Pids          uint64
}

// ExecResult is the outcome of an in-container command.
type ExecResult struct {
	ExitCode int
	Output   string
}

// WaitResult is delivered once when a waited-on container leaves the
// running state.
type WaitResult struct {
	ExitCode int64
	Err      error
}

// tracked is the Manager's in-memory record of one container it owns.
type tracked struct {
	id        string
	runnerID  uuid.UUID
	jobID     uuid.UUID
	state     State
	stoppedAt time.Time
}

// Manager drives the container lifecycle state machine. One instance is
// shared by the Orchestrator and the background sweepers.
type Manager struct {
	docker *dockerclient.Client
	bus    *eventbus.Bus
	sink   *metrics.Sink
	logger *zap.Logger
	tag    string

	mu         sync.Mutex
	containers map[string]*tracked

	workDir string
}

// New returns a Manager over the given daemon handle. tag is the value of
// the system's ownership label, used to find this system's containers at
// reconciliation.
func New(docker *dockerclient.Client, tag string, bus *eventbus.Bus, sink *metrics.Sink, logger *zap.Logger) *Manager {
	return &Manager{
		docker:     docker,
		bus:        bus,
		sink:       sink,
		logger:     logger.Named("container"),
		tag:        tag,
		containers: make(map[string]*tracked),
		workDir:    "/home/runner/work",
	}
}

// transition moves id's tracked state forward, enforcing monotonicity
// (Error is reachable from anywhere) and emitting the state-change event.
// A backward transition is logged and ignored rather than applied.
func (m *Manager) transition(id string, to State, reason string) {
	m.mu.Lock()
	t, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := t.state
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("rejected backward container transition",
			zap.String("container_id", shortID(id)), zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	t.state = to
	if to == StateStopped {
		t.stoppedAt = time.Now()
	}
	runnerID := t.runnerID
	m.mu.Unlock()

	if m.bus != nil {
		eventbus.Publish(m.bus, eventbus.ContainerTransitioned{
			ContainerID: id,
			RunnerID:    runnerID,
			From:        string(from),
			To:          string(to),
			At:          time.Now(),
			Reason:      reason,
		})
	}
}

func (m *Manager) countOp(op string, err error) {
	if m.sink == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.sink.ContainerErrors.WithLabelValues(op).Inc()
	}
	m.sink.ContainerOps.WithLabelValues(op, outcome).Inc()
}

// Create creates a container for runnerID/jobID from spec with the
// mandatory security defaults and the given resource limits applied, and
// returns its ID. The container is created, not started.
func (m *Manager) Create(ctx context.Context, runnerID, jobID uuid.UUID, spec Spec, limits ResourceLimits) (string, error) {
	labels := map[string]string{
		managedLabel: "true",
		"owner":      m.tag,
		"runner-id":  runnerID.String(),
		"job-id":     jobID.String(),
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		Labels:     labels,
		WorkingDir: m.workDir,
	}

	resources := container.Resources{
		CPUShares:  limits.CPUShares,
		Memory:     limits.MemoryBytes,
		MemorySwap: limits.MemoryBytes, // swap == memory: no extra swap
	}
	if limits.CPUQuota > 0 {
		resources.CPUPeriod = cpuPeriod
		resources.CPUQuota = limits.CPUQuota
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		SecurityOpt:   []string{"no-new-privileges"},
		CapDrop:       strslice.StrSlice{"ALL"},
		CapAdd:        strslice.StrSlice{"CHOWN", "SETUID", "SETGID"},
		Tmpfs:         map[string]string{"/tmp": "rw,noexec,nosuid,size=1g"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Resources:     resources,
	}

	// Track before the daemon call so the Creating -> Error path has a row
	// to land on; the placeholder key is replaced by the real ID below.
	m.mu.Lock()
	m.containers[spec.Name] = &tracked{id: spec.Name, runnerID: runnerID, jobID: jobID, state: StateCreating}
	m.mu.Unlock()

	created, err := m.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	m.countOp("create", err)
	if err != nil {
		m.transition(spec.Name, StateError, err.Error())
		m.forget(spec.Name)
		return "", fmt.Errorf("container: create %q: %w", spec.Name, err)
	}

	m.mu.Lock()
	t := m.containers[spec.Name]
	delete(m.containers, spec.Name)
	t.id = created.ID
	m.containers[created.ID] = t
	m.mu.Unlock()

	m.transition(created.ID, StateCreated, "")
	m.logger.Info("container created",
		zap.String("container_id", shortID(created.ID)),
		zap.String("name", spec.Name),
		zap.String("runner_id", runnerID.String()))
	return created.ID, nil
}

// Start starts a created container.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.transition(id, StateStarting, "")
	err := m.docker.ContainerStart(ctx, id, container.StartOptions{})
	m.countOp("start", err)
	if err != nil {
		m.transition(id, StateError, err.Error())
		return fmt.Errorf("container: start %s: %w", shortID(id), err)
	}
	m.transition(id, StateRunning, "")
	return nil
}

// Stop stops a running container, giving it timeout to exit before the
// daemon kills it. Stopping an already-stopped or missing container is a
// no-op.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	if t, ok := m.containers[id]; ok && (t.state == StateError || stateRank[t.state] >= stateRank[StateStopped]) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.transition(id, StateStopping, "")
	seconds := int(timeout.Seconds())
	err := m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds})
	if dockerclient.IsErrNotFound(err) {
		err = nil
	}
	m.countOp("stop", err)
	if err != nil {
		m.transition(id, StateError, err.Error())
		return fmt.Errorf("container: stop %s: %w", shortID(id), err)
	}
	m.transition(id, StateStopped, "")
	return nil
}

// Remove deletes the container from the daemon. Removing a missing
// container is a no-op; force also removes a still-running one.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	m.transition(id, StateRemoving, "")
	err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if dockerclient.IsErrNotFound(err) {
		err = nil
	}
	m.countOp("remove", err)
	if err != nil {
		m.transition(id, StateError, err.Error())
		return fmt.Errorf("container: remove %s: %w", shortID(id), err)
	}
	m.transition(id, StateRemoved, "")
	m.forget(id)
	return nil
}

// forget drops id from the tracked map once its lifecycle has ended.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.containers, id)
	m.mu.Unlock()
}

// Exec runs cmd inside a running container and returns its exit code and
// combined output.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := m.docker.ContainerExecCreate(ctx, id, execCfg)
	m.countOp("exec", err)
	if err != nil {
		return ExecResult{}, fmt.Errorf("container: exec create on %s: %w", shortID(id), err)
	}

	attach, err := m.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("container: exec attach on %s: %w", shortID(id), err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("container: exec read on %s: %w", shortID(id), err)
	}

	inspect, err := m.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("container: exec inspect on %s: %w", shortID(id), err)
	}

	stdout.Write(stderr.Bytes())
	return ExecResult{ExitCode: inspect.ExitCode, Output: stdout.String()}, nil
}

// Stats returns a one-shot resource usage sample for a running container.
func (m *Manager) Stats(ctx context.Context, id string) (ResourceUsage, error) {
	resp, err := m.docker.ContainerStatsOneShot(ctx, id)
	m.countOp("stats", err)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("container: stats %s: %w", shortID(id), err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return ResourceUsage{}, fmt.Errorf("container: decode stats %s: %w", shortID(id), err)
	}

	usage := ResourceUsage{
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if raw.PidsStats.Current > 0 {
		usage.Pids = raw.PidsStats.Current
	}
	if usage.MemoryLimit > 0 {
		usage.MemoryPercent = float64(usage.MemoryBytes) / float64(usage.MemoryLimit) * 100
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		usage.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	return usage, nil
}

// Logs returns the last tail lines of a container's combined output.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := m.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	m.countOp("logs", err)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container: logs %s: %w", shortID(id), err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("container: read logs %s: %w", shortID(id), err)
	}
	stdout.Write(stderr.Bytes())
	return stdout.String(), nil
}

// Wait returns a channel delivering exactly one WaitResult when the
// container leaves the running state. The Manager transitions the
// container to Stopped as part of delivery, so subscribers on the event
// bus observe the stop as well — this is the container-stopped source
// the Orchestrator's wait select listens on.
func (m *Manager) Wait(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)

	statusCh, errCh := m.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	go func() {
		select {
		case status := <-statusCh:
			var err error
			if status.Error != nil {
				err = fmt.Errorf("container: wait %s: %s", shortID(id), status.Error.Message)
			}
			m.transition(id, StateStopped, "exited")
			out <- WaitResult{ExitCode: status.StatusCode, Err: err}
		case err := <-errCh:
			out <- WaitResult{Err: fmt.Errorf("container: wait %s: %w", shortID(id), err)}
		case <-ctx.Done():
			out <- WaitResult{Err: ctx.Err()}
		}
	}()

	return out
}

// StateOf returns the Manager's current view of id's lifecycle state.
func (m *Manager) StateOf(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.containers[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// running returns a snapshot of tracked containers currently Running.
func (m *Manager) running() []*tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tracked, 0, len(m.containers))
	for _, t := range m.containers {
		if t.state == StateRunning {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

// stoppedBefore returns tracked containers that have been Stopped since
// before cutoff — the sweep's removal candidates.
func (m *Manager) stoppedBefore(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, t := range m.containers {
		if t.state == StateStopped && !t.stoppedAt.IsZero() && t.stoppedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
