package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// completedKey and failedKey are sorted sets scored by completion time,
// used for bounded retention (completed: age + count cap, failed: age
// only, replayable as a dead-letter queue).
const completedKey = "github-jobs:completed"
const failedKey = "github-jobs:failed"

// Run starts the bounded-concurrency worker pool, claiming tasks from
// the pending set and dispatching them to handler until ctx is
// cancelled: a fixed number of goroutines pulling from one shared
// source, each fully draining one claimed item before pulling the next.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	q.handler = handler

	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}

	go q.retentionSweeper(ctx)

	wg.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, ok, err := q.claim(ctx)
		if err != nil {
			q.logger.Warn("claim failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		q.process(ctx, task)
	}
}

// claim pops the highest-priority pending task (ZPopMax) onto the
// processing set, returning ok=false if the queue is empty.
func (q *Queue) claim(ctx context.Context) (Task, bool, error) {
	results, err := q.rdb.ZPopMax(ctx, queueKey, 1).Result()
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	if len(results) == 0 {
		return Task{}, false, nil
	}

	raw, ok := results[0].Member.(string)
	if !ok {
		return Task{}, false, fmt.Errorf("queue: claim: unexpected member type %T", results[0].Member)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, false, fmt.Errorf("queue: claim: unmarshal: %w", err)
	}

	_ = q.rdb.ZAdd(ctx, processingKey, redis.Z{Score: float64(time.Now().Unix()), Member: raw}).Err()
	return task, true, nil
}

func (q *Queue) process(ctx context.Context, task Task) {
	task.Attempt++
	err := q.handler(ctx, task)

	encoded, marshalErr := json.Marshal(task)
	if marshalErr != nil {
		q.logger.Error("marshal task for retention", zap.Error(marshalErr))
		return
	}

	now := float64(time.Now().Unix())

	if err == nil {
		_ = q.rdb.ZAdd(ctx, completedKey, redis.Z{Score: now, Member: encoded}).Err()
		return
	}

	q.logger.Warn("task handler failed",
		zap.String("task_id", task.ID.String()), zap.Int("attempt", task.Attempt), zap.Error(err))

	if task.MaxAttempt <= 0 {
		task.MaxAttempt = 3
	}
	if task.Attempt >= task.MaxAttempt {
		_ = q.rdb.ZAdd(ctx, failedKey, redis.Z{Score: now, Member: encoded}).Err()
		return
	}

	delay := time.Duration(math.Pow(2, float64(task.Attempt-1))) * 2 * time.Second
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		reEncoded, err := json.Marshal(task)
		if err != nil {
			return
		}
		_ = q.rdb.ZAdd(context.Background(), queueKey, redis.Z{Score: task.Priority, Member: reEncoded}).Err()
	}()
}

// Replay moves a task from the failed (dead-letter) set back onto the
// pending queue for re-attempt, resetting its attempt counter.
func (q *Queue) Replay(ctx context.Context, taskID string) error {
	members, err := q.rdb.ZRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: replay: list failed set: %w", err)
	}

	for _, raw := range members {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		if task.ID.String() != taskID {
			continue
		}

		task.Attempt = 0
		if err := q.rdb.ZRem(ctx, failedKey, raw).Err(); err != nil {
			return fmt.Errorf("queue: replay: remove from failed set: %w", err)
		}
		return q.Enqueue(ctx, task)
	}

	return fmt.Errorf("queue: replay: task %s not found in failed set", taskID)
}

// retentionSweeper trims the completed and failed sets on a fixed
// interval, enforcing the configured age and count bounds.
func (q *Queue) retentionSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepRetention(ctx)
		}
	}
}

func (q *Queue) sweepRetention(ctx context.Context) {
	if q.retentionCompleted > 0 {
		cutoff := float64(time.Now().Add(-q.retentionCompleted).Unix())
		_ = q.rdb.ZRemRangeByScore(ctx, completedKey, "-inf", fmt.Sprintf("%f", cutoff)).Err()
	}
	if q.retentionCompletedN > 0 {
		_ = q.rdb.ZRemRangeByRank(ctx, completedKey, 0, -q.retentionCompletedN-1).Err()
	}
	if q.retentionFailed > 0 {
		cutoff := float64(time.Now().Add(-q.retentionFailed).Unix())
		_ = q.rdb.ZRemRangeByScore(ctx, failedKey, "-inf", fmt.Sprintf("%f", cutoff)).Err()
	}
}
