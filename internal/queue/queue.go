// Package queue is the Job Queue: a durable, priority-ordered work queue
// backed by a single redis sorted set, plus a bounded-concurrency worker
// pool that drains it. Retries re-enqueue with exponential backoff;
// exhausted tasks land in a dead-letter set replayable by hand.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// queueKey is the sorted set holding pending work, scored by effective
// priority (higher score dequeues first).
const queueKey = "github-jobs"

// processingKey records every claimed task with its claim time. Nothing
// reads this set back or removes entries from it, so a crashed worker's
// claims are not requeued.
const processingKey = "github-jobs:processing"

// JobPayload is the canonical Task payload for the "github-jobs" queue:
// written by the webhook ingestor, decoded by the orchestrator. The queue
// itself never inspects it.
type JobPayload struct {
	JobID      uuid.UUID `json:"job_id"`
	Repository string    `json:"repository"`
	ForgeJobID int64     `json:"forge_job_id"`
	RunID      int64     `json:"run_id"`
}

// Task is one unit of work enqueued onto the Job Queue. Payload is
// opaque to the queue itself; only the Orchestrator interprets it.
type Task struct {
	ID         uuid.UUID       `json:"id"`
	JobID      uuid.UUID       `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	Priority   float64         `json:"priority"`
	Attempt    int             `json:"attempt"`
	MaxAttempt int             `json:"max_attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one claimed Task. A non-nil error triggers a retry
// (with backoff) up to Task.MaxAttempt, after which the task moves to the
// dead-letter set.
type Handler func(ctx context.Context, task Task) error

// Queue is the durable priority queue plus its worker pool.
type Queue struct {
	rdb        redis.UniversalClient
	logger     *zap.Logger
	concurrency int

	retentionCompleted   time.Duration
	retentionCompletedN  int64
	retentionFailed      time.Duration

	handler Handler
}

// Config controls worker-pool sizing, retry, and retention.
type Config struct {
	Concurrency         int           // default 10
	RetryBaseDelay      time.Duration // not read by New: the backoff base is fixed at 2s, doubled per attempt
	MaxAttempts         int           // not read by New: each Task's MaxAttempt applies (3 when unset)
	RetentionCompleted  time.Duration // default 1h
	RetentionCompletedN int64         // default 100
	RetentionFailed     time.Duration // default 24h
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		RetryBaseDelay:      2 * time.Second,
		MaxAttempts:         3,
		RetentionCompleted:  time.Hour,
		RetentionCompletedN: 100,
		RetentionFailed:     24 * time.Hour,
	}
}

// New returns a Queue over rdb. Call Run to start the worker pool.
func New(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Queue{
		rdb:                 rdb,
		logger:              logger.Named("queue"),
		concurrency:         cfg.Concurrency,
		retentionCompleted:  cfg.RetentionCompleted,
		retentionCompletedN: cfg.RetentionCompletedN,
		retentionFailed:     cfg.RetentionFailed,
	}
}

// Enqueue adds task to the pending set, scored by its priority. Redis
// orders members of equal score by their encoded bytes, which begin with
// the random task ID, so order within a priority band is not FIFO.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.EnqueuedAt = time.Now()

	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{Score: task.Priority, Member: encoded}).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Depth returns the number of pending tasks, used by the Auto-Scaler's
// queue_depth signal.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}
