package forge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/go-github/v32/github"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/kv"
)

// rateStateKey is where the shared rate-limit ledger lives in the broker,
// so every control-plane instance paces against the same budget.
const rateStateKey = "forge:rate-limit"

// RateLimitState is the client's last-observed view of its forge rate
// limit budget, exported for the Monitoring Sink's gauge.
type RateLimitState struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// pacingStrategy converts a remaining/limit fraction into whether the
// budget still admits calls and the delay to apply before a call. A
// strategy may admit and still prescribe a delay; Wait applies the delay
// either way.
type pacingStrategy func(remainingFraction float64) (admit bool, delay time.Duration)

func conservativeStrategy(remaining float64) (bool, time.Duration) {
	if remaining > 0.5 {
		return true, 0
	}
	if remaining > 0.2 {
		return true, 200 * time.Millisecond
	}
	return false, time.Second
}

func aggressiveStrategy(remaining float64) (bool, time.Duration) {
	if remaining > 0.1 {
		return true, 0
	}
	return false, 500 * time.Millisecond
}

func adaptiveStrategy(remaining float64) (bool, time.Duration) {
	switch {
	case remaining > 0.6:
		return true, 0
	case remaining > 0.3:
		return true, 100 * time.Millisecond
	case remaining > 0.1:
		return true, 500 * time.Millisecond
	default:
		return false, 2 * time.Second
	}
}

func strategyFor(s config.Strategy) pacingStrategy {
	switch s {
	case config.StrategyAggressive:
		return aggressiveStrategy
	case config.StrategyAdaptive:
		return adaptiveStrategy
	default:
		return conservativeStrategy
	}
}

// RateLimiter gates outbound Forge calls against the shared, last-observed
// rate-limit budget using a priority-weighted pacing strategy. A single
// process-wide instance is shared by every caller of Client.do; the
// ledger itself is written through to the broker so other instances pace
// against the same budget.
type RateLimiter struct {
	mu       sync.Mutex
	state    RateLimitState
	strategy pacingStrategy
	broker   *kv.Broker // nil keeps the ledger process-local
}

// NewRateLimiter returns a RateLimiter using the configured pacing
// strategy. It seeds itself from the broker's shared ledger when one is
// available, and otherwise starts with an optimistic full-budget
// assumption until the first response is observed.
func NewRateLimiter(strategy config.Strategy, broker *kv.Broker) *RateLimiter {
	rl := &RateLimiter{
		strategy: strategyFor(strategy),
		broker:   broker,
		state:    RateLimitState{Limit: 5000, Remaining: 5000, Reset: time.Now().Add(time.Hour)},
	}

	if broker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if raw, err := broker.Get(ctx, rateStateKey); err == nil {
			var shared RateLimitState
			if json.Unmarshal(raw, &shared) == nil && shared.Limit > 0 {
				rl.state = shared
			}
		}
	}
	return rl
}

// Observe records the rate-limit state reported by the forge's last
// response and writes it through to the shared ledger with a TTL equal
// to the remainder of the reset window.
func (rl *RateLimiter) Observe(rate github.Rate) {
	if rate.Limit == 0 {
		return
	}
	state := RateLimitState{Limit: rate.Limit, Remaining: rate.Remaining, Reset: rate.Reset.Time}

	rl.mu.Lock()
	rl.state = state
	rl.mu.Unlock()

	if rl.broker != nil {
		if raw, err := json.Marshal(state); err == nil {
			ttl := time.Until(state.Reset)
			if ttl <= 0 {
				ttl = time.Minute
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = rl.broker.SetWithTTL(ctx, rateStateKey, raw, ttl)
		}
	}
}

// State returns the last-observed rate-limit snapshot.
func (rl *RateLimiter) State() RateLimitState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.state
}

// Wait blocks the caller for the strategy's prescribed delay before
// letting a call proceed, honoring ctx cancellation. Higher-priority
// calls receive a proportionally shorter delay: each tier above Low
// halves the base wait, so Critical calls pass through near-immediately
// even while the budget is tight and Low-priority calls absorb the full
// backpressure of a contended budget.
func (rl *RateLimiter) Wait(ctx context.Context, priority Priority) error {
	fraction := rl.remainingFraction()
	_, delay := rl.strategy(fraction)
	if delay == 0 {
		return nil
	}

	shift := uint(priority)
	if shift > 3 {
		shift = 3
	}
	delay /= time.Duration(1 << shift)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rl *RateLimiter) remainingFraction() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.state.Limit == 0 {
		return 1
	}
	return float64(rl.state.Remaining) / float64(rl.state.Limit)
}
