package pool

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

func newTestManager() *Manager {
	// No repositories and no bus: these tests exercise the in-memory
	// registry only.
	return New(nil, nil, nil, zap.NewNop())
}

func TestTrackAndMetrics(t *testing.T) {
	m := newTestManager()

	r1, r2, r3 := uuid.New(), uuid.New(), uuid.New()
	m.Track("o/r", r1, storage.RunnerStatusIdle)
	m.Track("o/r", r2, storage.RunnerStatusBusy)
	m.Track("o/r", r3, storage.RunnerStatusBusy)

	metrics, err := m.GetPoolMetrics("o/r")
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 2, metrics.Busy)
	assert.Equal(t, 1, metrics.Idle)
	assert.InDelta(t, 2.0/3.0, metrics.Utilization, 1e-9)
}

func TestUtilizationOfEmptyPoolIsZero(t *testing.T) {
	m := newTestManager()
	m.Track("o/r", uuid.New(), storage.RunnerStatusIdle)
	m.Untrack("o/r", m.GetActiveRunners("o/r")[0])

	metrics, err := m.GetPoolMetrics("o/r")
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.Total)
	assert.Zero(t, metrics.Utilization)
}

func TestRequestRunnerClaimsIdle(t *testing.T) {
	m := newTestManager()

	idle := uuid.New()
	m.Track("o/r", idle, storage.RunnerStatusIdle)
	m.Track("o/r", uuid.New(), storage.RunnerStatusBusy)

	claimed, ok := m.RequestRunner("o/r")
	require.True(t, ok)
	assert.Equal(t, idle, claimed)

	// The claimed runner is now busy; nothing is left to claim.
	_, ok = m.RequestRunner("o/r")
	assert.False(t, ok)

	metrics, err := m.GetPoolMetrics("o/r")
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.Busy)
}

func TestRequestRunnerUnknownPool(t *testing.T) {
	m := newTestManager()
	_, ok := m.RequestRunner("nobody/nothing")
	assert.False(t, ok)
	assert.Equal(t, 1, m.PendingRequests("nobody/nothing"))
}

func TestRequestRunnerMatchesLabels(t *testing.T) {
	m := newTestManager()

	plain := uuid.New()
	gpu := uuid.New()
	m.Track("o/r", plain, storage.RunnerStatusIdle)
	m.Track("o/r", gpu, storage.RunnerStatusIdle, "gpu", "linux")

	claimed, ok := m.RequestRunner("o/r", "gpu")
	require.True(t, ok)
	assert.Equal(t, gpu, claimed)

	// Only the unlabeled runner remains idle; a second gpu request goes
	// pending until a matching release or scale-up.
	_, ok = m.RequestRunner("o/r", "gpu")
	assert.False(t, ok)
	assert.Equal(t, 1, m.PendingRequests("o/r"))

	m.ReleaseRunner("o/r", gpu)
	assert.Zero(t, m.PendingRequests("o/r"))
}

func TestReleaseRunnerReturnsToIdle(t *testing.T) {
	m := newTestManager()

	id := uuid.New()
	m.Track("o/r", id, storage.RunnerStatusBusy)
	m.ReleaseRunner("o/r", id)

	claimed, ok := m.RequestRunner("o/r")
	require.True(t, ok)
	assert.Equal(t, id, claimed)
}

func TestReleaseUntrackedRunnerIsReAdded(t *testing.T) {
	m := newTestManager()

	id := uuid.New()
	m.ReleaseRunner("o/r", id)

	claimed, ok := m.RequestRunner("o/r")
	require.True(t, ok)
	assert.Equal(t, id, claimed)
}

func TestUntrackIsIdempotent(t *testing.T) {
	m := newTestManager()

	id := uuid.New()
	m.Track("o/r", id, storage.RunnerStatusIdle)
	m.Untrack("o/r", id)
	m.Untrack("o/r", id)
	m.Untrack("other/repo", id)

	assert.Empty(t, m.GetActiveRunners("o/r"))
}

func TestLastScaledRoundTrip(t *testing.T) {
	m := newTestManager()
	m.Track("o/r", uuid.New(), storage.RunnerStatusIdle)

	assert.True(t, m.LastScaled("o/r").IsZero())

	at := time.Now()
	m.MarkLastScaled("o/r", at)
	assert.Equal(t, at, m.LastScaled("o/r"))
}
