// Package autoscaler is the Auto-Scaler: a periodic control loop that
// drives each pool's size from utilization, queue depth, and wait-time
// signals. The tick is a gocron singleton job; the scale actions
// themselves are delegated to a Provisioner so the decision logic stays
// a pure function of its inputs and is testable without a daemon.
package autoscaler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/pool"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
)

// Action is one tick's outcome for one pool.
type Action string

const (
	ActionScaleUp   Action = "scale-up"
	ActionScaleDown Action = "scale-down"
	ActionMaintain  Action = "maintain"
)

// pendingWindow is how far back Pending jobs count toward queue depth and
// average wait time.
const pendingWindow = 5 * time.Minute

// historyRetention bounds the in-memory decision history backing the
// trend API.
const historyRetention = time.Hour

// Provisioner performs the actual runner mutations a scale decision asks
// for. Implemented by the Orchestrator, which owns runner/container
// creation.
type Provisioner interface {
	ProvisionRunners(ctx context.Context, repository string, n int) error
	RetireRunners(ctx context.Context, repository string, n int) error
}

// Inputs is the per-pool signal snapshot one decision is made from.
type Inputs struct {
	Utilization float64
	QueueDepth  int
	AvgWait     time.Duration
	ActiveJobs  int
	RunnerCount int
	Min, Max    int
	LastScaled  time.Time
	InFlight    bool
}

// Decision is one evaluated tick for one pool, kept in the history ring.
type Decision struct {
	Repository  string
	Action      Action
	Delta       int
	Reason      string
	Utilization float64
	QueueDepth  int
	At          time.Time
}

// Prediction is the trend API's projection for one pool.
type Prediction struct {
	PredictedUtilization float64
	RecommendedRunners   int
	Confidence           float64
}

// Scaler evaluates every pool on a fixed tick and keeps the last hour of
// decisions for the trend API.
type Scaler struct {
	policy      config.ScalerThresholds
	pools       *pool.Manager
	poolsDB     repositories.RunnerPoolRepository
	jobs        repositories.JobRepository
	provisioner Provisioner
	bus         *eventbus.Bus
	sink        *metrics.Sink
	logger      *zap.Logger

	// isLeader gates the tick in HA deployments: only the lock holder
	// mutates pools. Nil means always-leader (single instance).
	isLeader func() bool

	mu       sync.Mutex
	inFlight map[string]bool
	history  []Decision
}

// New constructs a Scaler. provisioner must be set before Start.
func New(policy config.ScalerThresholds, pools *pool.Manager, poolsDB repositories.RunnerPoolRepository, jobs repositories.JobRepository, provisioner Provisioner, bus *eventbus.Bus, sink *metrics.Sink, isLeader func() bool, logger *zap.Logger) *Scaler {
	return &Scaler{
		policy:      policy,
		pools:       pools,
		poolsDB:     poolsDB,
		jobs:        jobs,
		provisioner: provisioner,
		bus:         bus,
		sink:        sink,
		isLeader:    isLeader,
		logger:      logger.Named("autoscaler"),
		inFlight:    make(map[string]bool),
	}
}

// Start schedules the control loop on sched at the policy's tick interval.
func (s *Scaler) Start(ctx context.Context, sched gocron.Scheduler) error {
	interval := s.policy.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	_, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithName("autoscaler-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("autoscaler: schedule tick: %w", err)
	}
	return nil
}

// Tick evaluates every known pool once. Non-leaders skip the tick
// entirely so at most one instance mutates pool sizes.
func (s *Scaler) Tick(ctx context.Context) {
	if s.isLeader != nil && !s.isLeader() {
		return
	}

	rows, err := s.poolsDB.List(ctx)
	if err != nil {
		s.logger.Warn("tick: list pools failed", zap.Error(err))
		return
	}

	for _, row := range rows {
		inputs, err := s.gather(ctx, row.Repository)
		if err != nil {
			s.logger.Warn("tick: gather failed", zap.String("repository", row.Repository), zap.Error(err))
			continue
		}
		decision := Evaluate(inputs, s.policy)
		decision.Repository = row.Repository
		s.apply(ctx, decision)
	}
}

// EvaluateNow forces an immediate evaluation of repository, clearing its
// cooldown first. This is an explicit operator escape hatch: observers of
// the cooldown invariant will see last_scaled_at reset by this call.
func (s *Scaler) EvaluateNow(ctx context.Context, repository string) (Decision, error) {
	s.pools.MarkLastScaled(repository, time.Time{})

	inputs, err := s.gather(ctx, repository)
	if err != nil {
		return Decision{}, err
	}
	decision := Evaluate(inputs, s.policy)
	decision.Repository = repository
	s.apply(ctx, decision)
	return decision, nil
}

// gather assembles one pool's Inputs from the live registry and storage.
func (s *Scaler) gather(ctx context.Context, repository string) (Inputs, error) {
	m, err := s.pools.GetPoolMetrics(repository)
	if err != nil {
		// Pool rows can exist before any runner has been tracked locally;
		// synthesize an empty registry view with the stored bounds.
		if _, cerr := s.pools.GetOrCreatePool(ctx, repository, 0, 0); cerr != nil {
			return Inputs{}, cerr
		}
		m, err = s.pools.GetPoolMetrics(repository)
		if err != nil {
			return Inputs{}, err
		}
	}

	pending, err := s.jobs.ListPendingSince(ctx, repository, time.Now().Add(-pendingWindow))
	if err != nil {
		return Inputs{}, err
	}
	var totalWait time.Duration
	for _, j := range pending {
		totalWait += time.Since(j.CreatedAt)
	}
	var avgWait time.Duration
	if len(pending) > 0 {
		avgWait = totalWait / time.Duration(len(pending))
	}

	active, err := s.jobs.CountActive(ctx, repository)
	if err != nil {
		return Inputs{}, err
	}

	s.mu.Lock()
	inFlight := s.inFlight[repository]
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.JobQueueDepth.WithLabelValues(repository).Set(float64(len(pending)))
		s.sink.PoolUtilization.WithLabelValues(repository).Set(m.Utilization)
	}

	return Inputs{
		Utilization: m.Utilization,
		QueueDepth:  len(pending),
		AvgWait:     avgWait,
		ActiveJobs:  int(active),
		RunnerCount: m.Total,
		Min:         m.Min,
		Max:         m.Max,
		LastScaled:  s.pools.LastScaled(repository),
		InFlight:    inFlight,
	}, nil
}

// Evaluate applies the scaling decision ladder to one pool's inputs.
// First rule that fires wins.
func Evaluate(in Inputs, policy config.ScalerThresholds) Decision {
	now := time.Now()
	maintain := func(reason string) Decision {
		return Decision{Action: ActionMaintain, Reason: reason, Utilization: in.Utilization, QueueDepth: in.QueueDepth, At: now}
	}

	if in.InFlight {
		return maintain("scaling action already in flight")
	}
	if !in.LastScaled.IsZero() && now.Sub(in.LastScaled) < policy.CooldownPeriod {
		return maintain("cooldown period active")
	}

	scaleUp := func(reason string) Decision {
		delta := policy.ScaleUpIncrement
		if room := in.Max - in.RunnerCount; delta > room {
			delta = room
		}
		return Decision{Action: ActionScaleUp, Delta: delta, Reason: reason, Utilization: in.Utilization, QueueDepth: in.QueueDepth, At: now}
	}

	switch {
	case in.QueueDepth >= policy.QueueDepthThreshold && in.RunnerCount < in.Max:
		return scaleUp(fmt.Sprintf("queue depth %d at or above threshold %d", in.QueueDepth, policy.QueueDepthThreshold))

	case in.Utilization >= policy.ScaleUpThreshold && in.RunnerCount < in.Max:
		return scaleUp(fmt.Sprintf("utilization %.2f at or above threshold %.2f", in.Utilization, policy.ScaleUpThreshold))

	case in.AvgWait > policy.AvgWaitThreshold && in.RunnerCount < in.Max:
		return scaleUp(fmt.Sprintf("average wait %s above threshold %s", in.AvgWait, policy.AvgWaitThreshold))

	case in.Utilization <= policy.ScaleDownThreshold && in.RunnerCount > in.Min && in.QueueDepth == 0 && in.ActiveJobs == 0:
		delta := policy.ScaleDownIncrement
		if delta < 1 {
			delta = 1
		}
		if room := in.RunnerCount - in.Min; delta > room {
			delta = room
		}
		return Decision{Action: ActionScaleDown, Delta: delta, Reason: fmt.Sprintf("utilization %.2f at or below threshold %.2f with idle pool", in.Utilization, policy.ScaleDownThreshold), Utilization: in.Utilization, QueueDepth: in.QueueDepth, At: now}

	default:
		return maintain("within thresholds")
	}
}

// apply records the decision and, for scale actions, runs the provisioner
// under the per-pool in-flight guard.
func (s *Scaler) apply(ctx context.Context, d Decision) {
	s.remember(d)

	if s.sink != nil {
		s.sink.ScaleActions.WithLabelValues(d.Repository, string(d.Action)).Inc()
	}
	if s.bus != nil {
		eventbus.Publish(s.bus, eventbus.PoolScaled{
			Repository: d.Repository,
			Action:     string(d.Action),
			Delta:      d.Delta,
			Reason:     d.Reason,
			At:         d.At,
		})
	}

	if d.Action == ActionMaintain || d.Delta <= 0 {
		return
	}

	s.mu.Lock()
	if s.inFlight[d.Repository] {
		s.mu.Unlock()
		return
	}
	s.inFlight[d.Repository] = true
	s.mu.Unlock()

	s.logger.Info("scale action",
		zap.String("repository", d.Repository),
		zap.String("action", string(d.Action)),
		zap.Int("delta", d.Delta),
		zap.String("reason", d.Reason))

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, d.Repository)
			s.mu.Unlock()
		}()

		var err error
		switch d.Action {
		case ActionScaleUp:
			err = s.provisioner.ProvisionRunners(ctx, d.Repository, d.Delta)
		case ActionScaleDown:
			err = s.provisioner.RetireRunners(ctx, d.Repository, d.Delta)
		}
		if err != nil {
			s.logger.Warn("scale action failed",
				zap.String("repository", d.Repository), zap.Error(err))
			return
		}

		now := time.Now()
		s.pools.MarkLastScaled(d.Repository, now)
		if row, perr := s.poolsDB.GetOrCreate(ctx, d.Repository, pool.DefaultPoolRow()); perr == nil {
			row.LastScaledAt = &now
			if uerr := s.poolsDB.Update(ctx, row); uerr != nil {
				s.logger.Warn("persist last_scaled_at failed", zap.Error(uerr))
			}
		}
	}()
}

// remember appends d to the history ring and prunes entries older than
// the retention window.
func (s *Scaler) remember(d Decision) {
	cutoff := time.Now().Add(-historyRetention)
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.history[:0]
	for _, h := range s.history {
		if h.At.After(cutoff) {
			kept = append(kept, h)
		}
	}
	s.history = append(kept, d)
}

// History returns a copy of the retained decisions for repository, oldest
// first.
func (s *Scaler) History(repository string) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Decision
	for _, h := range s.history {
		if h.Repository == repository {
			out = append(out, h)
		}
	}
	return out
}

// Predict projects repository's utilization with a half-window linear
// trend over the retained history and recommends a runner count for it.
// Confidence is 1 − stddev(utilization) over the window, clamped to
// [0, 1]: a noisy window yields a prediction nobody should act on
// automatically.
func (s *Scaler) Predict(repository string) (Prediction, error) {
	history := s.History(repository)
	if len(history) < 2 {
		return Prediction{}, fmt.Errorf("autoscaler: not enough history for %q", repository)
	}

	half := len(history) / 2
	firstMean := meanUtilization(history[:half])
	secondMean := meanUtilization(history[half:])
	trend := secondMean - firstMean

	predicted := secondMean + trend
	if predicted < 0 {
		predicted = 0
	}
	if predicted > 1 {
		predicted = 1
	}

	m, err := s.pools.GetPoolMetrics(repository)
	if err != nil {
		return Prediction{}, err
	}

	recommended := m.Total
	if s.policy.ScaleUpThreshold > 0 {
		recommended = int(math.Ceil(predicted * float64(maxInt(m.Total, 1)) / s.policy.ScaleUpThreshold))
	}
	if recommended < m.Min {
		recommended = m.Min
	}
	if m.Max > 0 && recommended > m.Max {
		recommended = m.Max
	}

	confidence := 1 - stddevUtilization(history)
	if confidence < 0 {
		confidence = 0
	}

	return Prediction{
		PredictedUtilization: predicted,
		RecommendedRunners:   recommended,
		Confidence:           confidence,
	}, nil
}

func meanUtilization(ds []Decision) float64 {
	if len(ds) == 0 {
		return 0
	}
	var sum float64
	for _, d := range ds {
		sum += d.Utilization
	}
	return sum / float64(len(ds))
}

func stddevUtilization(ds []Decision) float64 {
	mean := meanUtilization(ds)
	var sum float64
	for _, d := range ds {
		diff := d.Utilization - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(ds)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
