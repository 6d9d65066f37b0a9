package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
)

func testPolicy() config.ScalerThresholds {
	return config.ScalerThresholds{
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.2,
		ScaleUpIncrement:    5,
		ScaleDownIncrement:  1,
		CooldownPeriod:      300 * time.Second,
		QueueDepthThreshold: 5,
		AvgWaitThreshold:    60 * time.Second,
		TickInterval:        30 * time.Second,
	}
}

func TestEvaluateDecisionOrder(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		name       string
		in         Inputs
		wantAction Action
		wantDelta  int
		wantReason string
	}{
		{
			name:       "in flight action wins over everything",
			in:         Inputs{InFlight: true, QueueDepth: 50, Utilization: 1, RunnerCount: 1, Max: 10},
			wantAction: ActionMaintain,
			wantReason: "in flight",
		},
		{
			name:       "cooldown blocks scale up",
			in:         Inputs{QueueDepth: 50, Utilization: 1, RunnerCount: 1, Max: 10, LastScaled: time.Now().Add(-time.Minute)},
			wantAction: ActionMaintain,
			wantReason: "cooldown",
		},
		{
			name:       "queue depth triggers scale up",
			in:         Inputs{QueueDepth: 7, Utilization: 0.3, AvgWait: 5 * time.Second, RunnerCount: 3, Min: 1, Max: 10, LastScaled: time.Now().Add(-10 * time.Minute)},
			wantAction: ActionScaleUp,
			wantDelta:  5,
			wantReason: "queue depth",
		},
		{
			name:       "scale up clamped to max",
			in:         Inputs{QueueDepth: 7, RunnerCount: 8, Min: 1, Max: 10},
			wantAction: ActionScaleUp,
			wantDelta:  2,
			wantReason: "queue depth",
		},
		{
			name:       "utilization triggers scale up",
			in:         Inputs{QueueDepth: 0, Utilization: 0.9, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionScaleUp,
			wantDelta:  5,
			wantReason: "utilization",
		},
		{
			name:       "wait time triggers scale up",
			in:         Inputs{QueueDepth: 1, Utilization: 0.5, AvgWait: 2 * time.Minute, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionScaleUp,
			wantDelta:  5,
			wantReason: "wait",
		},
		{
			name:       "at max never scales up",
			in:         Inputs{QueueDepth: 50, Utilization: 1, RunnerCount: 10, Min: 1, Max: 10},
			wantAction: ActionMaintain,
		},
		{
			name:       "idle pool scales down",
			in:         Inputs{Utilization: 0.1, QueueDepth: 0, ActiveJobs: 0, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionScaleDown,
			wantDelta:  1,
		},
		{
			name:       "scale down blocked by pending work",
			in:         Inputs{Utilization: 0.1, QueueDepth: 1, ActiveJobs: 0, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionMaintain,
		},
		{
			name:       "scale down blocked by active jobs",
			in:         Inputs{Utilization: 0.1, QueueDepth: 0, ActiveJobs: 2, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionMaintain,
		},
		{
			name:       "scale down never goes below min",
			in:         Inputs{Utilization: 0, QueueDepth: 0, ActiveJobs: 0, RunnerCount: 1, Min: 1, Max: 10},
			wantAction: ActionMaintain,
		},
		{
			name:       "steady state maintains",
			in:         Inputs{Utilization: 0.5, QueueDepth: 1, RunnerCount: 3, Min: 1, Max: 10},
			wantAction: ActionMaintain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.in, policy)
			assert.Equal(t, tt.wantAction, d.Action)
			if tt.wantDelta != 0 {
				assert.Equal(t, tt.wantDelta, d.Delta)
			}
			if tt.wantReason != "" {
				assert.Contains(t, d.Reason, tt.wantReason)
			}
		})
	}
}

func TestScaleDownDeltaClampedToMin(t *testing.T) {
	policy := testPolicy()
	policy.ScaleDownIncrement = 5

	d := Evaluate(Inputs{
		Utilization: 0, QueueDepth: 0, ActiveJobs: 0,
		RunnerCount: 3, Min: 1, Max: 10,
	}, policy)

	assert.Equal(t, ActionScaleDown, d.Action)
	assert.Equal(t, 2, d.Delta)
}

func TestHistoryPruning(t *testing.T) {
	s := &Scaler{inFlight: make(map[string]bool)}

	old := Decision{Repository: "o/r", Action: ActionMaintain, At: time.Now().Add(-2 * time.Hour)}
	s.history = append(s.history, old)

	s.remember(Decision{Repository: "o/r", Action: ActionMaintain, At: time.Now()})

	got := s.History("o/r")
	assert.Len(t, got, 1)
}

func TestStddevAndMean(t *testing.T) {
	ds := []Decision{
		{Utilization: 0.4},
		{Utilization: 0.6},
	}
	assert.InDelta(t, 0.5, meanUtilization(ds), 1e-9)
	assert.InDelta(t, 0.1, stddevUtilization(ds), 1e-9)

	flat := []Decision{{Utilization: 0.5}, {Utilization: 0.5}, {Utilization: 0.5}}
	assert.InDelta(t, 0, stddevUtilization(flat), 1e-9)
}
