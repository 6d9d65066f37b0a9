package repositories

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"

	_ "modernc.org/sqlite"
)

// newTestDB opens an in-memory sqlite database with the full schema, so
// repository tests need no external store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&storage.Job{},
		&storage.Runner{},
		&storage.RunnerPool{},
		&storage.RoutingRule{},
		&storage.RoutingDecision{},
		&storage.WebhookEvent{},
		&storage.WorkflowRun{},
		&storage.WebhookMetric{},
		&storage.JobMetric{},
		&storage.RepositoryStat{},
	))
	return db
}

func TestJobCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := &storage.Job{
		ForgeJobID: 1001,
		RunID:      77,
		Repository: "o/r",
		Labels:     storage.StringSet{"ubuntu-latest", "ci"},
		Status:     storage.JobStatusPending,
		Priority:   30,
	}
	require.NoError(t, repo.Create(ctx, job))
	require.NotEqual(t, job.ID.String(), "00000000-0000-0000-0000-000000000000")

	byID, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), byID.ForgeJobID)
	assert.Equal(t, storage.StringSet{"ubuntu-latest", "ci"}, byID.Labels)

	byForge, err := repo.GetByForgeJobID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, job.ID, byForge.ID)

	_, err = repo.GetByForgeJobID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobUpdateStatusIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := &storage.Job{ForgeJobID: 1, Repository: "o/r", Status: storage.JobStatusPending}
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, storage.JobStatusAssigned, nil))
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, storage.JobStatusRunning, func(j *storage.Job) {
		now := time.Now()
		j.StartedAt = &now
	}))
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, storage.JobStatusCompleted, nil))

	// Any backward write is rejected and leaves the row untouched.
	err := repo.UpdateStatus(ctx, job.ID, storage.JobStatusRunning, nil)
	assert.ErrorIs(t, err, ErrConflict)

	final, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, final.Status)
	assert.NotNil(t, final.StartedAt)
}

func TestJobPendingAndActiveQueries(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	mk := func(status storage.JobStatus) {
		require.NoError(t, repo.Create(ctx, &storage.Job{Repository: "o/r", Status: status}))
	}
	mk(storage.JobStatusPending)
	mk(storage.JobStatusPending)
	mk(storage.JobStatusRunning)
	mk(storage.JobStatusAssigned)
	mk(storage.JobStatusCompleted)
	require.NoError(t, repo.Create(ctx, &storage.Job{Repository: "other/repo", Status: storage.JobStatusPending}))

	pending, err := repo.ListPendingSince(ctx, "o/r", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	active, err := repo.CountActive(ctx, "o/r")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestRunnerRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunnerRepository(db)
	ctx := context.Background()

	runner := &storage.Runner{
		Name:       "ephemeral-o-r-abc123",
		Type:       storage.RunnerTypeEphemeral,
		Repository: "o/r",
		Labels:     storage.StringSet{"gpu"},
		Status:     storage.RunnerStatusIdle,
	}
	require.NoError(t, repo.Create(ctx, runner))

	byName, err := repo.GetByName(ctx, "ephemeral-o-r-abc123")
	require.NoError(t, err)
	assert.Equal(t, runner.ID, byName.ID)

	offline := &storage.Runner{Name: "gone", Repository: "o/r", Status: storage.RunnerStatusOffline}
	require.NoError(t, repo.Create(ctx, offline))

	active, err := repo.ListActiveByRepository(ctx, "o/r")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, runner.ID, active[0].ID)

	require.NoError(t, repo.Delete(ctx, runner.ID))
	_, err = repo.GetByID(ctx, runner.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookEventDeliveryIDIsUnique(t *testing.T) {
	db := newTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	event := &storage.WebhookEvent{
		DeliveryID: "d-1",
		EventType:  "workflow_job",
		Repository: "o/r",
		Payload:    []byte(`{}`),
		Timestamp:  time.Now(),
	}
	require.NoError(t, repo.Create(ctx, event))

	dup := *event
	assert.ErrorIs(t, repo.Create(ctx, &dup), ErrConflict)
}

func TestWebhookEventOutcomeBookkeeping(t *testing.T) {
	db := newTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &storage.WebhookEvent{
		DeliveryID: "d-2", EventType: "workflow_job", Payload: []byte(`{}`), Timestamp: time.Now(),
	}))

	require.NoError(t, repo.MarkFailed(ctx, "d-2", "boom"))
	require.NoError(t, repo.MarkFailed(ctx, "d-2", "boom again"))

	event, err := repo.GetByDeliveryID(ctx, "d-2")
	require.NoError(t, err)
	assert.False(t, event.Processed)
	assert.Equal(t, 2, event.ProcessingAttempts)
	assert.Equal(t, "boom again", event.LastProcessingError)

	require.NoError(t, repo.MarkProcessed(ctx, "d-2", 42))
	event, err = repo.GetByDeliveryID(ctx, "d-2")
	require.NoError(t, err)
	assert.True(t, event.Processed)
	require.NotNil(t, event.ProcessingDurationMs)
	assert.Equal(t, int64(42), *event.ProcessingDurationMs)
	assert.Empty(t, event.LastProcessingError)
}

func TestRunnerPoolGetOrCreate(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunnerPoolRepository(db)
	ctx := context.Background()

	created, err := repo.GetOrCreate(ctx, "o/r", storage.RunnerPool{MinRunners: 1, MaxRunners: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, created.MinRunners)

	// Second call returns the existing row, ignoring new defaults.
	again, err := repo.GetOrCreate(ctx, "o/r", storage.RunnerPool{MinRunners: 5, MaxRunners: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, again.MinRunners)
	assert.Equal(t, 10, again.MaxRunners)
}

func TestRoutingRulesOrderedByPriorityThenAge(t *testing.T) {
	db := newTestDB(t)
	repo := NewRoutingRuleRepository(db)
	ctx := context.Background()

	mk := func(name string, priority int, enabled bool) {
		require.NoError(t, repo.Create(ctx, &storage.RoutingRule{
			Name: name, Priority: priority, Enabled: enabled,
		}))
		time.Sleep(2 * time.Millisecond) // distinct created_at for the tie-break
	}
	mk("low", 10, true)
	mk("high", 100, true)
	mk("tie-older", 50, true)
	mk("tie-newer", 50, true)
	mk("disabled", 200, false)

	rules, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.Equal(t, "high", rules[0].Name)
	assert.Equal(t, "tie-older", rules[1].Name)
	assert.Equal(t, "tie-newer", rules[2].Name)
	assert.Equal(t, "low", rules[3].Name)
}

func TestBumpRepositoryStat(t *testing.T) {
	db := newTestDB(t)
	repo := NewMetricsRepository(db)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, repo.BumpRepositoryStat(ctx, "o/r", true, now))
	require.NoError(t, repo.BumpRepositoryStat(ctx, "o/r", true, now))
	require.NoError(t, repo.BumpRepositoryStat(ctx, "o/r", false, now))

	var stat storage.RepositoryStat
	require.NoError(t, db.First(&stat, "repository = ?", "o/r").Error)
	assert.Equal(t, int64(3), stat.TotalJobs)
	assert.Equal(t, int64(2), stat.SuccessfulJobs)
	assert.Equal(t, int64(1), stat.FailedJobs)
}
