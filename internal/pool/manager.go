// Package pool is the Runner Pool Manager: an in-memory, per-repository
// registry of live runners layered over the durable Runner rows in
// storage. The registry is a mutex-guarded map with track/untrack and
// snapshot methods; size invariants and scale bookkeeping sit on top.
// The durable rows remain the source of truth — this registry only
// answers "who is alive right now".
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// liveRunner is the in-memory view of one runner, refreshed from storage
// whenever it changes; the durable storage.Runner row remains the source
// of truth.
type liveRunner struct {
	id     uuid.UUID
	labels storage.StringSet
	status storage.RunnerStatus
}

// livePool is the in-memory registry entry for one repository's pool.
// pending counts runner requests that found no idle match and are waiting
// on the next release or scale-up.
type livePool struct {
	repository string
	min, max   int
	runners    map[uuid.UUID]*liveRunner
	pending    int
	lastScaled time.Time
}

// Metrics is a point-in-time snapshot of one pool's state, returned by
// GetPoolMetrics.
type Metrics struct {
	Repository  string
	Total       int
	Busy        int
	Idle        int
	Utilization float64
	Min, Max    int
}

// Manager is the in-memory Runner Pool Manager. One Manager instance is
// shared by the webhook job handlers, the Auto-Scaler, and the
// Orchestrator.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*livePool
	logger *zap.Logger

	runners repositories.RunnerRepository
	poolsDB repositories.RunnerPoolRepository
	bus     *eventbus.Bus
}

// New returns an idle Manager backed by the given repositories.
func New(runners repositories.RunnerRepository, poolsDB repositories.RunnerPoolRepository, bus *eventbus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		pools:   make(map[string]*livePool),
		logger:  logger.Named("pool"),
		runners: runners,
		poolsDB: poolsDB,
		bus:     bus,
	}
}

// GetOrCreatePool returns the in-memory pool for repository, creating both
// the in-memory entry and its durable RunnerPool row (with the given
// min/max invariants) if this is the first time the repository is seen.
func (m *Manager) GetOrCreatePool(ctx context.Context, repository string, defaultMin, defaultMax int) (*Metrics, error) {
	m.mu.Lock()
	lp, exists := m.pools[repository]
	if !exists {
		lp = &livePool{repository: repository, min: defaultMin, max: defaultMax, runners: make(map[uuid.UUID]*liveRunner)}
		m.pools[repository] = lp
	}
	m.mu.Unlock()

	if !exists {
		row, err := m.poolsDB.GetOrCreate(ctx, repository, storage.RunnerPool{
			MinRunners: defaultMin,
			MaxRunners: defaultMax,
		})
		if err != nil {
			return nil, fmt.Errorf("pool: create pool row: %w", err)
		}

		m.mu.Lock()
		lp.min, lp.max = row.MinRunners, row.MaxRunners
		m.mu.Unlock()

		m.logger.Info("pool created", zap.String("repository", repository), zap.Int("min", row.MinRunners), zap.Int("max", row.MaxRunners))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metricsLocked(repository), nil
}

// GetActiveRunners returns the live runners currently tracked for
// repository (idle or busy — not yet removed).
func (m *Manager) GetActiveRunners(repository string) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lp, ok := m.pools[repository]
	if !ok {
		return nil
	}
	out := make([]uuid.UUID, 0, len(lp.runners))
	for id := range lp.runners {
		out = append(out, id)
	}
	return out
}

// Track registers runnerID against repository's pool with the given
// status. The Orchestrator calls it when it provisions or assigns a
// runner, and the webhook job handlers when a job starts on a known
// runner. A newly Idle runner satisfies one
// pending request, if any are waiting.
func (m *Manager) Track(repository string, runnerID uuid.UUID, status storage.RunnerStatus, labels ...string) {
	m.mu.Lock()
	lp, ok := m.pools[repository]
	if !ok {
		lp = &livePool{repository: repository, runners: make(map[uuid.UUID]*liveRunner)}
		m.pools[repository] = lp
	}
	lp.runners[runnerID] = &liveRunner{id: runnerID, labels: storage.StringSet(labels), status: status}
	if status == storage.RunnerStatusIdle && lp.pending > 0 {
		lp.pending--
	}
	m.mu.Unlock()

	m.publishState(runnerID, status)
}

// Untrack removes runnerID from its pool's live registry, called when a
// runner's container is removed. A no-op if the runner is not tracked —
// the same idempotent-deregister tolerance as agentmanager.Deregister.
func (m *Manager) Untrack(repository string, runnerID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lp, ok := m.pools[repository]
	if !ok {
		return
	}
	delete(lp.runners, runnerID)
}

// RequestRunner reserves an idle runner for repository whose labels
// cover requiredLabels, marking it busy in the live registry and
// returning its ID. When no idle match exists the request is recorded as
// pending — satisfied by the next release or scale-up — and ok=false
// tells the caller to wait for dispatch rather than claim.
func (m *Manager) RequestRunner(repository string, requiredLabels ...string) (uuid.UUID, bool) {
	required := storage.StringSet(requiredLabels)

	m.mu.Lock()
	lp, ok := m.pools[repository]
	if !ok {
		lp = &livePool{repository: repository, runners: make(map[uuid.UUID]*liveRunner)}
		m.pools[repository] = lp
	}

	var claimed uuid.UUID
	found := false
	for id, r := range lp.runners {
		if r.status == storage.RunnerStatusIdle && r.labels.SupersetOf(required) {
			r.status = storage.RunnerStatusBusy
			claimed, found = id, true
			break
		}
	}
	if !found {
		lp.pending++
	}
	m.mu.Unlock()

	if !found {
		return uuid.Nil, false
	}
	m.publishState(claimed, storage.RunnerStatusBusy)
	return claimed, true
}

// PendingRequests reports how many runner requests for repository are
// still waiting on a release or scale-up.
func (m *Manager) PendingRequests(repository string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lp, ok := m.pools[repository]; ok {
		return lp.pending
	}
	return 0
}

// ReleaseRunner marks runnerID idle again in repository's live registry.
// A release is honored even if this Manager lost track of the runner
// (e.g. after a restart), by re-adding it rather than silently dropping
// the release.
func (m *Manager) ReleaseRunner(repository string, runnerID uuid.UUID) {
	m.mu.Lock()
	lp, ok := m.pools[repository]
	if !ok {
		lp = &livePool{repository: repository, runners: make(map[uuid.UUID]*liveRunner)}
		m.pools[repository] = lp
	}
	if r, exists := lp.runners[runnerID]; exists {
		r.status = storage.RunnerStatusIdle
	} else {
		lp.runners[runnerID] = &liveRunner{id: runnerID, status: storage.RunnerStatusIdle}
	}
	if lp.pending > 0 {
		lp.pending--
	}
	m.mu.Unlock()

	m.publishState(runnerID, storage.RunnerStatusIdle)
}

// publishState emits a RunnerStateChanged event. bus is optional (nil in
// tests that only exercise the registry) so this guards against a nil
// Manager.bus rather than requiring every caller to construct one.
func (m *Manager) publishState(runnerID uuid.UUID, status storage.RunnerStatus) {
	if m.bus == nil {
		return
	}
	eventbus.Publish(m.bus, eventbus.RunnerStateChanged{
		RunnerID: runnerID,
		Status:   string(status),
		At:       time.Now(),
	})
}

// GetPoolMetrics returns a point-in-time snapshot of repository's pool.
func (m *Manager) GetPoolMetrics(repository string) (*Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.pools[repository]; !ok {
		return nil, fmt.Errorf("pool: unknown repository %q", repository)
	}
	return m.metricsLocked(repository), nil
}

// metricsLocked computes Metrics for repository. Caller must hold m.mu
// (read or write).
func (m *Manager) metricsLocked(repository string) *Metrics {
	lp := m.pools[repository]
	busy := 0
	for _, r := range lp.runners {
		if r.status == storage.RunnerStatusBusy {
			busy++
		}
	}
	total := len(lp.runners)
	util := 0.0
	if total > 0 {
		util = float64(busy) / float64(total)
	}
	return &Metrics{
		Repository:  repository,
		Total:       total,
		Busy:        busy,
		Idle:        total - busy,
		Utilization: util,
		Min:         lp.min,
		Max:         lp.max,
	}
}

// MarkLastScaled records the time of the most recent scale action for
// repository's pool, consulted by the Auto-Scaler's cooldown check.
func (m *Manager) MarkLastScaled(repository string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lp, ok := m.pools[repository]; ok {
		lp.lastScaled = at
	}
}

// LastScaled returns the last scale action time for repository's pool,
// the zero time if none has occurred.
func (m *Manager) LastScaled(repository string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lp, ok := m.pools[repository]; ok {
		return lp.lastScaled
	}
	return time.Time{}
}

// DefaultPoolRow returns the RunnerPool defaults used when a pool row is
// created implicitly (first job for a repository, or a scale action that
// races pool creation).
func DefaultPoolRow() storage.RunnerPool {
	return storage.RunnerPool{
		MinRunners:     1,
		MaxRunners:     10,
		ScaleIncrement: 5,
		ScaleThreshold: 0.8,
	}
}

// Bounds returns repository's configured min/max pool size.
func (m *Manager) Bounds(repository string) (min, max int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lp, ok := m.pools[repository]; ok {
		return lp.min, lp.max
	}
	return 0, 0
}
