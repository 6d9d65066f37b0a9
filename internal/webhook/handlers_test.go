package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/pool"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/queue"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"

	_ "modernc.org/sqlite"
)

type handlerFixture struct {
	handler *JobEvents
	jobs    repositories.JobRepository
	runners repositories.RunnerRepository
	queue   *queue.Queue
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&storage.Job{}, &storage.Runner{}, &storage.RunnerPool{},
		&storage.WorkflowRun{}, &storage.JobMetric{}, &storage.RepositoryStat{},
	))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	jobs := repositories.NewJobRepository(db)
	runners := repositories.NewRunnerRepository(db)
	runs := repositories.NewWorkflowRunRepository(db)
	metricsDB := repositories.NewMetricsRepository(db)
	poolsDB := repositories.NewRunnerPoolRepository(db)
	q := queue.New(rdb, queue.DefaultConfig(), logger)
	pools := pool.New(runners, poolsDB, nil, logger)

	return &handlerFixture{
		handler: NewJobEvents(jobs, runners, runs, metricsDB, q, pools, nil, nil, logger),
		jobs:    jobs,
		runners: runners,
		queue:   q,
	}
}

func workflowJobPayload(action string, started, completed *time.Time, runnerName string) []byte {
	ev := map[string]any{
		"action": action,
		"workflow_job": map[string]any{
			"id":            int64(1001),
			"run_id":        int64(77),
			"workflow_name": "build",
			"head_sha":      "abc123",
			"labels":        []string{"ubuntu-latest", "ci"},
			"conclusion":    "success",
			"runner_name":   runnerName,
		},
		"repository": map[string]any{"full_name": "o/r", "private": false},
	}
	wj := ev["workflow_job"].(map[string]any)
	if started != nil {
		wj["started_at"] = started.Format(time.RFC3339)
	}
	if completed != nil {
		wj["completed_at"] = completed.Format(time.RFC3339)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		panic(fmt.Sprintf("marshal fixture: %v", err))
	}
	return raw
}

func TestQueuedCreatesJobAndEnqueues(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("queued", nil, nil, "")))

	job, err := f.jobs.GetByForgeJobID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusPending, job.Status)
	assert.Equal(t, 30, job.Priority, "ci (20) plus ubuntu-latest (10)")
	assert.Equal(t, "o/r", job.Repository)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// A re-delivered queued event must not produce a second enqueue for a
	// job already in flight once it progresses; while still Pending it
	// refreshes the row.
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("queued", nil, nil, "")))
	jobsAfter, _, err := f.jobs.List(ctx, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobsAfter, 1, "exactly one job row")
}

func TestLifecycleQueuedToCompleted(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	// Seed a long-lived runner the forge will name in its events.
	runner := &storage.Runner{
		Name: "runner-5", Type: storage.RunnerTypeProxy,
		Repository: "o/r", Status: storage.RunnerStatusIdle,
	}
	require.NoError(t, f.runners.Create(ctx, runner))

	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("queued", nil, nil, "")))

	started := time.Now().Add(-10 * time.Second)
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("in_progress", &started, nil, "runner-5")))

	job, err := f.jobs.GetByForgeJobID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusRunning, job.Status)
	require.NotNil(t, job.RunnerID)
	assert.Equal(t, runner.ID, *job.RunnerID)

	busy, err := f.runners.GetByName(ctx, "runner-5")
	require.NoError(t, err)
	assert.Equal(t, storage.RunnerStatusBusy, busy.Status)
	require.NotNil(t, busy.CurrentJobID)

	completed := time.Now()
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("completed", &started, &completed, "runner-5")))

	job, err = f.jobs.GetByForgeJobID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, job.Status)
	assert.Equal(t, "success", job.Conclusion)
	require.NotNil(t, job.DurationMs)
	assert.InDelta(t, 10000, float64(*job.DurationMs), 2000)

	// The proxy runner returns to Idle rather than being destroyed.
	released, err := f.runners.GetByName(ctx, "runner-5")
	require.NoError(t, err)
	assert.Equal(t, storage.RunnerStatusIdle, released.Status)
	assert.Nil(t, released.CurrentJobID)
}

func TestCompletedDestroysEphemeralRunner(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	runner := &storage.Runner{
		Name: "ephemeral-o-r-1234", Type: storage.RunnerTypeEphemeral,
		Repository: "o/r", Status: storage.RunnerStatusBusy,
	}
	require.NoError(t, f.runners.Create(ctx, runner))

	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("queued", nil, nil, "")))
	started := time.Now().Add(-time.Minute)
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("in_progress", &started, nil, "ephemeral-o-r-1234")))
	completed := time.Now()
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("completed", &started, &completed, "ephemeral-o-r-1234")))

	_, err := f.runners.GetByName(ctx, "ephemeral-o-r-1234")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestCompletedForUnknownRunnerIsTolerated(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("queued", nil, nil, "")))
	started := time.Now().Add(-time.Minute)
	completed := time.Now()

	// The event names a runner this control plane never tracked; the
	// release degrades to a no-op and the job still completes.
	require.NoError(t, f.handler.HandleWorkflowJob(ctx, workflowJobPayload("completed", &started, &completed, "someone-elses-runner")))

	job, err := f.jobs.GetByForgeJobID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, job.Status)
}

func TestWorkflowRunUpserted(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	payload := []byte(`{
		"action": "completed",
		"workflow_run": {"id": 77, "name": "build", "head_branch": "main", "event": "push", "status": "completed", "conclusion": "success"},
		"repository": {"full_name": "o/r"}
	}`)
	require.NoError(t, f.handler.HandleWorkflowRun(ctx, payload))
	require.NoError(t, f.handler.HandleWorkflowRun(ctx, payload))
}
