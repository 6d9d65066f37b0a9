// Package router is the Job Router: it resolves a delegated job to a
// target pool and the set of candidate runners it may be dispatched to,
// by matching the job against enabled Routing Rules. Rules are kept in
// an in-memory snapshot recomputed on a gocron schedule rather than
// queried from storage on every dispatch.
package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
)

// compiledRule is a Routing Rule with its wildcard conditions pre-compiled
// to regular expressions, so matching a job never recompiles a pattern.
type compiledRule struct {
	rule       storage.RoutingRule
	repository *regexp.Regexp // nil when the condition is empty
	workflow   *regexp.Regexp
	branch     *regexp.Regexp
}

// Decision is the outcome of routing one job: the rule that matched (nil
// for default routing), the resolved target pool and runner labels, and
// the candidate runners in that pool.
type Decision struct {
	Rule          *storage.RoutingRule
	RunnerLabels  storage.StringSet
	PoolOverride  string
	Exclusive     bool
	TargetRunners []storage.Runner
}

// Router holds the current in-memory snapshot of enabled Routing Rules
// and refreshes it on an interval.
type Router struct {
	mu    sync.RWMutex
	rules []compiledRule

	rulesDB repositories.RoutingRuleRepository
	runners repositories.RunnerRepository
	logger  *zap.Logger
	sched   gocron.Scheduler
}

// New constructs a Router. Call Start to perform the initial load and
// begin periodic refresh.
func New(rulesDB repositories.RoutingRuleRepository, runners repositories.RunnerRepository, logger *zap.Logger) (*Router, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("router: new scheduler: %w", err)
	}
	return &Router{rulesDB: rulesDB, runners: runners, logger: logger.Named("router"), sched: sched}, nil
}

// Start loads the current rule set and schedules a refresh every interval
// (60 seconds per the default policy) until ctx is cancelled.
func (r *Router) Start(ctx context.Context, interval time.Duration) error {
	if err := r.refresh(ctx); err != nil {
		return fmt.Errorf("router: initial load: %w", err)
	}

	_, err := r.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("rule refresh failed", zap.Error(err))
			}
		}),
		gocron.WithName("router-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("router: schedule refresh: %w", err)
	}

	r.sched.Start()
	go func() {
		<-ctx.Done()
		_ = r.sched.Shutdown()
	}()
	return nil
}

// refresh reloads every enabled Routing Rule from storage, sorts them by
// priority descending (ties broken by creation order, ascending), and
// compiles their wildcard conditions. A rule with an uncompilable
// condition is skipped, not fatal — one bad row must not stop routing.
func (r *Router) refresh(ctx context.Context) error {
	rules, err := r.rulesDB.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("router: list enabled rules: %w", err)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{rule: rule}
		ok := true
		for _, c := range []struct {
			pattern string
			dst     **regexp.Regexp
		}{
			{rule.Conditions.Repository, &cr.repository},
			{rule.Conditions.Workflow, &cr.workflow},
			{rule.Conditions.Branch, &cr.branch},
		} {
			if c.pattern == "" {
				continue
			}
			re, err := compileWildcard(c.pattern)
			if err != nil {
				r.logger.Warn("skipping rule with invalid pattern",
					zap.String("rule", rule.Name), zap.String("pattern", c.pattern), zap.Error(err))
				ok = false
				break
			}
			*c.dst = re
		}
		if ok {
			compiled = append(compiled, cr)
		}
	}

	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()

	r.logger.Debug("routing rules refreshed", zap.Int("count", len(compiled)))
	return nil
}

// Route resolves job to a Decision: the first (highest-priority) rule
// whose conditions all match, or default routing on the job's own labels
// if none does. The decision, including its candidate-runner count, is
// persisted for analytics.
func (r *Router) Route(ctx context.Context, job storage.Job) (Decision, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	var decision Decision
	for i := range rules {
		cr := &rules[i]
		if !matches(cr, job) {
			continue
		}
		decision = Decision{
			Rule:         &cr.rule,
			RunnerLabels: cr.rule.Targets.RunnerLabels,
			PoolOverride: cr.rule.Targets.PoolOverride,
			Exclusive:    cr.rule.Targets.Exclusive,
		}
		if len(decision.RunnerLabels) == 0 {
			decision.RunnerLabels = job.Labels
		}
		break
	}
	if decision.Rule == nil {
		decision = Decision{RunnerLabels: job.Labels}
	}

	targets, err := r.resolveRunners(ctx, decision, job)
	if err != nil {
		return Decision{}, err
	}
	decision.TargetRunners = targets

	record := &storage.RoutingDecision{
		JobID:       job.ID,
		TargetCount: len(targets),
	}
	if decision.Rule != nil {
		record.RuleID = &decision.Rule.ID
	}
	if err := r.rulesDB.CreateDecision(ctx, record); err != nil {
		r.logger.Warn("failed to persist routing decision", zap.Error(err))
	}

	return decision, nil
}

// resolveRunners fetches the target pool's active runners and filters
// them per the decision: superset of the rule's runner labels (equality
// when exclusive); for default routing, prefer runners intersecting the
// job's labels and fall back to all active runners when none intersect.
func (r *Router) resolveRunners(ctx context.Context, decision Decision, job storage.Job) ([]storage.Runner, error) {
	targetPool := job.Repository
	if decision.PoolOverride != "" {
		targetPool = decision.PoolOverride
	}

	active, err := r.runners.ListActiveByRepository(ctx, targetPool)
	if err != nil {
		return nil, fmt.Errorf("router: list active runners: %w", err)
	}

	if decision.Rule != nil {
		required := decision.Rule.Targets.RunnerLabels
		var out []storage.Runner
		for _, runner := range active {
			if decision.Exclusive {
				if runner.Labels.Equal(required) {
					out = append(out, runner)
				}
				continue
			}
			if runner.Labels.SupersetOf(required) {
				out = append(out, runner)
			}
		}
		return out, nil
	}

	var intersecting []storage.Runner
	for _, runner := range active {
		if runner.Labels.Intersects(job.Labels) {
			intersecting = append(intersecting, runner)
		}
	}
	if len(intersecting) > 0 {
		return intersecting, nil
	}
	return active, nil
}

// matches reports whether job satisfies every non-empty condition on cr.
func matches(cr *compiledRule, job storage.Job) bool {
	cond := cr.rule.Conditions

	if cr.repository != nil && !cr.repository.MatchString(job.Repository) {
		return false
	}
	if cr.workflow != nil && !cr.workflow.MatchString(job.Workflow) {
		return false
	}
	if cr.branch != nil && !cr.branch.MatchString(strings.TrimPrefix(job.HeadBranch, "refs/heads/")) {
		return false
	}
	if cond.Event != "" && cond.Event != job.Event {
		return false
	}
	// Label condition is a subset check: every label the rule requires
	// must be present on the job.
	if !job.Labels.SupersetOf(cond.Labels) {
		return false
	}
	return true
}

// compileWildcard converts a pattern where '*' is the only wildcard into
// an anchored regular expression, escaping every other regex
// metacharacter first.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}
