package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, DefaultConfig(), zap.NewNop()), mr
}

func task(priority float64) Task {
	payload, _ := json.Marshal(JobPayload{JobID: uuid.New(), Repository: "o/r"})
	return Task{ID: uuid.New(), JobID: uuid.New(), Payload: payload, Priority: priority, MaxAttempt: 3}
}

func TestEnqueueAndDepth(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task(10)))
	require.NoError(t, q.Enqueue(ctx, task(20)))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestClaimOrderFollowsPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := task(10)
	high := task(100)
	mid := task(50)
	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, high))
	require.NoError(t, q.Enqueue(ctx, mid))

	var got []float64
	for i := 0; i < 3; i++ {
		claimed, ok, err := q.claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, claimed.Priority)
	}
	assert.Equal(t, []float64{100, 50, 10}, got)

	_, ok, err := q.claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerProcessesTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	processed := 0

	require.NoError(t, q.Enqueue(ctx, task(1)))

	go q.Run(ctx, func(ctx context.Context, task Task) error {
		mu.Lock()
		processed++
		mu.Unlock()
		cancel()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailedTaskLandsInDeadLetterSet(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	failing := task(1)
	failing.Attempt = 2 // next failure exhausts MaxAttempt 3
	claimedErr := assert.AnError

	q.handler = func(ctx context.Context, task Task) error { return claimedErr }
	q.process(ctx, failing)

	members, err := mr.ZMembers(failedKey)
	require.NoError(t, err)
	require.Len(t, members, 1)

	var dead Task
	require.NoError(t, json.Unmarshal([]byte(members[0]), &dead))
	assert.Equal(t, failing.ID, dead.ID)
	assert.Equal(t, 3, dead.Attempt)
}

func TestReplayMovesTaskBackToPending(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	failing := task(7)
	failing.Attempt = 2
	q.handler = func(ctx context.Context, task Task) error { return assert.AnError }
	q.process(ctx, failing)

	members, err := mr.ZMembers(failedKey)
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, q.Replay(ctx, failing.ID.String()))

	members, err = mr.ZMembers(failedKey)
	require.NoError(t, err)
	assert.Empty(t, members)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	claimed, ok, err := q.claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, failing.ID, claimed.ID)
	assert.Zero(t, claimed.Attempt)
}

func TestReplayUnknownTaskErrors(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Replay(context.Background(), uuid.NewString())
	assert.Error(t, err)
}

func TestRetentionSweep(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	// A completed task far older than the retention window.
	old := task(1)
	encoded, err := json.Marshal(old)
	require.NoError(t, err)
	oldScore := float64(time.Now().Add(-2 * time.Hour).Unix())
	require.NoError(t, q.rdb.ZAdd(ctx, completedKey, redis.Z{Score: oldScore, Member: encoded}).Err())

	q.sweepRetention(ctx)

	members, err := mr.ZMembers(completedKey)
	require.NoError(t, err)
	assert.Empty(t, members)
}
