package ha

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLock(t *testing.T, mr *miniredis.Miniredis, nodeID string) *Lock {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test:leader", nodeID, 5*time.Second, zap.NewNop())
}

func TestTryAcquireIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestLock(t, mr, "node-a")
	b := newTestLock(t, mr, "node-b")

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.IsLeader())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.IsLeader())
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestLock(t, mr, "node-a")
	b := newTestLock(t, mr, "node-b")

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))
	assert.False(t, a.IsLeader())

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseDoesNotStealForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestLock(t, mr, "node-a")
	b := newTestLock(t, mr, "node-b")

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never held the lock; releasing is a no-op and must not delete
	// a's key.
	require.NoError(t, b.Release(ctx))

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a's lock must survive b's release")
}

func TestRenewExtendsOwnLockOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestLock(t, mr, "node-a")
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := a.renew(ctx)
	require.NoError(t, err)
	assert.True(t, renewed)

	// Simulate the TTL expiring and another node taking over.
	mr.FastForward(10 * time.Second)
	b := newTestLock(t, mr, "node-b")
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err = a.renew(ctx)
	require.NoError(t, err)
	assert.False(t, renewed, "a must not renew a lock it no longer holds")
}

func TestRunInvokesCallbacks(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestLock(t, mr, "node-a")

	acquired := make(chan struct{})
	go a.Run(ctx, func() { close(acquired) }, nil)

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("onAcquire was never called")
	}
}
