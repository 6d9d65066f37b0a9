package forge

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-github/v32/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
)

func TestObserveRefreshesState(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)

	reset := time.Now().Add(30 * time.Minute)
	rl.Observe(github.Rate{Limit: 5000, Remaining: 4200, Reset: github.Timestamp{Time: reset}})

	state := rl.State()
	assert.Equal(t, 5000, state.Limit)
	assert.Equal(t, 4200, state.Remaining)
	assert.Equal(t, reset.Unix(), state.Reset.Unix())
}

func TestObserveLastResponseWins(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)

	// Regardless of how many responses were seen, the cached state equals
	// the headers of the most recent one.
	for _, remaining := range []int{4000, 100, 3500} {
		rl.Observe(github.Rate{Limit: 5000, Remaining: remaining, Reset: github.Timestamp{Time: time.Now().Add(time.Hour)}})
	}
	assert.Equal(t, 3500, rl.State().Remaining)
}

func TestObserveIgnoresEmptyRate(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)
	before := rl.State()

	rl.Observe(github.Rate{})

	assert.Equal(t, before.Remaining, rl.State().Remaining)
}

func TestWaitFullBudgetIsImmediate(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background(), PriorityLow))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)
	rl.Observe(github.Rate{Limit: 5000, Remaining: 10, Reset: github.Timestamp{Time: time.Now().Add(time.Hour)}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rl.Wait(ctx, PriorityLow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHigherPriorityWaitsLess(t *testing.T) {
	rl := NewRateLimiter(config.StrategyConservative, nil)
	// 30% remaining: conservative prescribes a delay but still admits.
	rl.Observe(github.Rate{Limit: 100, Remaining: 30, Reset: github.Timestamp{Time: time.Now().Add(time.Hour)}})

	measure := func(p Priority) time.Duration {
		start := time.Now()
		require.NoError(t, rl.Wait(context.Background(), p))
		return time.Since(start)
	}

	low := measure(PriorityLow)
	critical := measure(PriorityCritical)
	assert.Less(t, critical, low)
}

func TestStrategies(t *testing.T) {
	tests := []struct {
		name      string
		strategy  pacingStrategy
		remaining float64
		wantAdmit bool
	}{
		{"conservative full budget", conservativeStrategy, 0.9, true},
		{"conservative low budget blocks", conservativeStrategy, 0.1, false},
		{"aggressive tolerates low budget", aggressiveStrategy, 0.2, true},
		{"aggressive exhausted blocks", aggressiveStrategy, 0.05, false},
		{"adaptive mid budget admits", adaptiveStrategy, 0.4, true},
		{"adaptive exhausted blocks", adaptiveStrategy, 0.05, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admit, _ := tt.strategy(tt.remaining)
			assert.Equal(t, tt.wantAdmit, admit)
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, retryableStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 422} {
		assert.False(t, retryableStatus(code), "status %d", code)
	}
}
