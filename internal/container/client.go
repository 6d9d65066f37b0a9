// Package container is the Container Lifecycle Manager: creation, start,
// stop, exec, stats, logs, and removal of execution containers, with a
// monotonic state machine per container plus the background housekeeping
// (stats polling, stopped-container sweeping, startup reconciliation)
// that keeps the daemon's view and this process's view converged.
package container

import (
	"context"
	"errors"
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// ErrDaemonUnavailable is returned when the container daemon cannot be
// reached. Callers treat it as a Transient/DaemonError condition: retry
// idempotent operations, fail-forward mutating ones.
var ErrDaemonUnavailable = errors.New("container: daemon unavailable")

// ErrNotFound is returned when an operation targets a container the daemon
// does not know. remove and stop absorb it to stay idempotent; everything
// else surfaces it.
var ErrNotFound = errors.New("container: not found")

// managedLabel tags every container this system creates, so startup
// reconciliation can re-ingest its own containers and nothing else.
const managedLabel = "managed"

// NewDockerClient dials the daemon at socketPath ("" falls back to the
// SDK's built-in default host, unix:///var/run/docker.sock; DOCKER_HOST is
// not read) and verifies it responds to a ping before handing the client
// out.
func NewDockerClient(ctx context.Context, socketPath string) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
	}
	if _, err := dc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
	}
	return dc, nil
}
