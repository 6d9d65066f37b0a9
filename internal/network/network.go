// Package network owns the per-repository isolated bridge networks that
// ephemeral runner containers are attached to. It shares the docker
// client handle with the Container Lifecycle Manager but is kept as its
// own package because it has its own idempotence and naming invariants.
package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Isolator creates, attaches, and tears down one bridge network per
// repository. Names are <prefix>-<sanitized repository>.
type Isolator struct {
	docker *dockerclient.Client
	prefix string
	logger *zap.Logger
}

// New returns an Isolator using the given docker client handle.
func New(docker *dockerclient.Client, prefix string, logger *zap.Logger) *Isolator {
	return &Isolator{docker: docker, prefix: prefix, logger: logger.Named("network")}
}

// Sanitize maps a repository name (owner/name) to the character set docker
// accepts in network names: lowercase, with every non-alphanumeric run
// collapsed to a single dash. Repeated application is a fixed point.
func Sanitize(repository string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(repository) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// NameFor returns the network name for repository.
func (i *Isolator) NameFor(repository string) string {
	return i.prefix + "-" + Sanitize(repository)
}

// Ensure creates repository's bridge network if it does not already exist
// and returns its ID. Inspect-first keeps the operation idempotent: two
// concurrent Ensure calls for the same repository converge on one network.
func (i *Isolator) Ensure(ctx context.Context, repository string) (string, error) {
	name := i.NameFor(repository)

	inspected, err := i.docker.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return inspected.ID, nil
	}
	if !dockerclient.IsErrNotFound(err) {
		return "", fmt.Errorf("network: inspect %q: %w", name, err)
	}

	created, err := i.docker.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			"managed":    "true",
			"repository": repository,
		},
	})
	if err != nil {
		// Lost a create race; the inspect below resolves the winner.
		inspected, inspectErr := i.docker.NetworkInspect(ctx, name, network.InspectOptions{})
		if inspectErr == nil {
			return inspected.ID, nil
		}
		return "", fmt.Errorf("network: create %q: %w", name, err)
	}

	i.logger.Info("network created", zap.String("name", name), zap.String("repository", repository))
	return created.ID, nil
}

// Attach connects containerID to repository's network with aliases derived
// from the runner name, so the runner is addressable by a stable name
// inside its repository's network regardless of the container ID.
func (i *Isolator) Attach(ctx context.Context, repository, containerID, runnerName string) error {
	name := i.NameFor(repository)
	settings := &network.EndpointSettings{
		Aliases: []string{runnerName, Sanitize(runnerName)},
	}
	if err := i.docker.NetworkConnect(ctx, name, containerID, settings); err != nil {
		return fmt.Errorf("network: attach %s to %q: %w", containerID, name, err)
	}
	return nil
}

// Detach disconnects containerID from repository's network. Already-gone
// containers and networks are tolerated so teardown stays idempotent.
func (i *Isolator) Detach(ctx context.Context, repository, containerID string) error {
	name := i.NameFor(repository)
	err := i.docker.NetworkDisconnect(ctx, name, containerID, true)
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("network: detach %s from %q: %w", containerID, name, err)
	}
	return nil
}

// Remove destroys repository's network. A no-op if the network does not
// exist; a network with remaining endpoints surfaces the daemon's error so
// the caller knows containers are still attached.
func (i *Isolator) Remove(ctx context.Context, repository string) error {
	name := i.NameFor(repository)
	err := i.docker.NetworkRemove(ctx, name)
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("network: remove %q: %w", name, err)
	}
	return nil
}
