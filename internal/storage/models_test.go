package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to assigned", JobStatusPending, JobStatusAssigned, true},
		{"assigned to running", JobStatusAssigned, JobStatusRunning, true},
		{"running to completed", JobStatusRunning, JobStatusCompleted, true},
		{"running to failed", JobStatusRunning, JobStatusFailed, true},
		{"pending skips to running", JobStatusPending, JobStatusRunning, true},
		{"pending to cancelled", JobStatusPending, JobStatusCancelled, true},
		{"running to cancelled", JobStatusRunning, JobStatusCancelled, true},
		{"non-terminal self transition", JobStatusRunning, JobStatusRunning, true},

		// Terminal statuses are final: a repeated terminal write must be
		// rejected so the second finalizer cannot overwrite the first's
		// conclusion and exit code.
		{"completed self transition", JobStatusCompleted, JobStatusCompleted, false},
		{"failed self transition", JobStatusFailed, JobStatusFailed, false},
		{"cancelled self transition", JobStatusCancelled, JobStatusCancelled, false},

		{"running back to assigned", JobStatusRunning, JobStatusAssigned, false},
		{"assigned back to pending", JobStatusAssigned, JobStatusPending, false},
		{"completed to running", JobStatusCompleted, JobStatusRunning, false},
		{"failed to running", JobStatusFailed, JobStatusRunning, false},
		{"cancelled to pending", JobStatusCancelled, JobStatusPending, false},
		{"completed to cancelled", JobStatusCompleted, JobStatusCancelled, false},
		{"unknown status", JobStatus("bogus"), JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusAssigned.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
}

func TestStringSetOperations(t *testing.T) {
	s := StringSet{"gpu", "linux"}

	assert.True(t, s.Has("gpu"))
	assert.False(t, s.Has("windows"))

	assert.True(t, s.SupersetOf(StringSet{"gpu"}))
	assert.True(t, s.SupersetOf(StringSet{}))
	assert.False(t, s.SupersetOf(StringSet{"gpu", "windows"}))

	assert.True(t, s.Intersects(StringSet{"linux", "arm"}))
	assert.False(t, s.Intersects(StringSet{"arm"}))

	assert.True(t, s.Equal(StringSet{"linux", "gpu"}))
	assert.False(t, s.Equal(StringSet{"gpu"}))
}
