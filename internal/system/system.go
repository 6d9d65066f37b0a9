// Package system is the composition root: every manager the control
// plane runs is constructed exactly once here and handed to its
// consumers by reference — no process-wide singletons, no hidden
// globals. Construction order: storage first, then the broker, then
// domain services, then the HTTP surface, then the periodic tickers.
package system

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/autoscaler"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/container"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/eventbus"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/forge"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/ha"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/kv"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/metrics"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/network"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/orchestrator"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/pool"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/queue"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/repositories"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/router"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/storage"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/webhook"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/ws"
)

// ruleRefreshInterval is the Job Router's rule reload cadence.
const ruleRefreshInterval = 60 * time.Second

// System owns every long-lived component of the control plane.
type System struct {
	cfg    config.Config
	logger *zap.Logger

	Storage *storage.Gateway
	Broker  *kv.Broker
	Bus     *eventbus.Bus
	Sink    *metrics.Sink

	Jobs      repositories.JobRepository
	Runners   repositories.RunnerRepository
	PoolsDB   repositories.RunnerPoolRepository
	Rules     repositories.RoutingRuleRepository
	Webhooks  repositories.WebhookEventRepository
	Runs      repositories.WorkflowRunRepository
	MetricsDB repositories.MetricsRepository

	Forge        *forge.Client
	Queue        *queue.Queue
	Pools        *pool.Manager
	Router       *router.Router
	Lifecycle    *container.Manager
	Networks     *network.Isolator
	Orchestrator *orchestrator.Orchestrator
	Scaler       *autoscaler.Scaler
	Ingestor     *webhook.Ingestor
	Hub          *ws.Hub

	lock     *ha.Lock
	isLeader atomic.Bool

	// leaderSched runs the jobs only the HA leader may execute
	// (Auto-Scaler tick, container sweepers, completed-cleanup); it is
	// started on lock acquisition and stopped on loss. The Job Router
	// owns its own scheduler for the always-on rule refresh.
	leaderSched gocron.Scheduler
}

// New constructs the full component graph. Nothing is started; call Start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*System, error) {
	s := &System{cfg: cfg, logger: logger.Named("system")}

	// --- Storage Gateway: relational half ---
	gw, err := storage.New(storage.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		ReadDSN:  cfg.DBReadDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return nil, fmt.Errorf("system: storage: %w", err)
	}
	s.Storage = gw

	// --- Storage Gateway: key/value half ---
	broker, err := kv.New(ctx, kv.Config{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		Sentinels:  cfg.RedisSentinels,
		MasterName: cfg.RedisMasterName,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("system: broker: %w", err)
	}
	s.Broker = broker

	// --- Repositories ---
	db := gw.Writer()
	s.Jobs = repositories.NewJobRepository(db)
	s.Runners = repositories.NewRunnerRepository(db)
	s.PoolsDB = repositories.NewRunnerPoolRepository(db)
	s.Rules = repositories.NewRoutingRuleRepository(db)
	s.Webhooks = repositories.NewWebhookEventRepository(db)
	s.Runs = repositories.NewWorkflowRunRepository(db)
	s.MetricsDB = repositories.NewMetricsRepository(db)

	// --- Shared infrastructure ---
	s.Bus = eventbus.New()
	s.Sink = metrics.New()

	// --- Forge Client ---
	limiter := forge.NewRateLimiter(cfg.ForgeStrategy, broker)
	cache := forge.NewResponseCache(broker, cfg.Cache)
	s.Forge = forge.New(cfg, limiter, cache, logger)

	// --- Job Queue ---
	s.Queue = queue.New(broker.Client(), queue.DefaultConfig(), logger)

	// --- Runner Pool Manager ---
	s.Pools = pool.New(s.Runners, s.PoolsDB, s.Bus, logger)

	// --- Job Router ---
	s.Router, err = router.New(s.Rules, s.Runners, logger)
	if err != nil {
		return nil, fmt.Errorf("system: router: %w", err)
	}

	// --- Container host ---
	docker, err := container.NewDockerClient(ctx, cfg.DockerSocket)
	if err != nil {
		return nil, fmt.Errorf("system: docker: %w", err)
	}
	s.Lifecycle = container.New(docker, cfg.ContainerTag, s.Bus, s.Sink, logger)
	s.Networks = network.New(docker, cfg.NetworkPrefix, logger)

	// --- Orchestrator ---
	s.Orchestrator, err = orchestrator.New(cfg, s.Jobs, s.Runners, s.MetricsDB,
		s.Router, s.Pools, s.Lifecycle, s.Networks, s.Forge,
		nil, false, s.Bus, s.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("system: orchestrator: %w", err)
	}

	// --- Auto-Scaler ---
	s.Scaler = autoscaler.New(cfg.Scaler, s.Pools, s.PoolsDB, s.Jobs,
		s.Orchestrator, s.Bus, s.Sink, s.isLeaderFn(), logger)

	// --- Webhook Ingestor ---
	s.Ingestor = webhook.New(cfg.WebhookSecret, s.Webhooks, s.MetricsDB,
		broker, s.Bus, s.Sink, logger)
	jobEvents := webhook.NewJobEvents(s.Jobs, s.Runners, s.Runs, s.MetricsDB,
		s.Queue, s.Pools, s.Bus, s.Sink, logger)
	jobEvents.RegisterAll(s.Ingestor)

	// --- Real-time hub ---
	s.Hub = ws.NewHub()

	// --- Scheduler for leader-only periodic work ---
	s.leaderSched, err = gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("system: leader scheduler: %w", err)
	}

	// --- HA lock ---
	if cfg.HA.Enabled {
		s.lock = ha.New(broker.Client(), cfg.HA.LockKey, cfg.HA.NodeID, cfg.HA.LockTTL, logger)
	}

	return s, nil
}

// isLeaderFn returns the leadership predicate consumed by the Auto-Scaler
// and sweepers. With HA disabled this instance is always the leader.
func (s *System) isLeaderFn() func() bool {
	return func() bool {
		if s.lock == nil {
			return true
		}
		return s.isLeader.Load()
	}
}

// Start brings the control plane up: reconciliation, the router refresh,
// the queue workers, the hub, and the periodic tickers. It returns once
// everything is running; the caller blocks on ctx for shutdown.
func (s *System) Start(ctx context.Context) error {
	if err := s.Lifecycle.Reconcile(ctx); err != nil {
		s.logger.Warn("container reconciliation failed", zap.Error(err))
	}

	if err := s.Router.Start(ctx, ruleRefreshInterval); err != nil {
		return err
	}

	go s.Hub.Run(ctx)
	go ws.NewRelay(s.Hub, s.Bus).Run(ctx)
	go s.Queue.Run(ctx, s.Orchestrator.HandleTask)

	// Leader-only periodic work lives on its own scheduler so leadership
	// changes map to one Start/StopJobs pair.
	if err := s.Lifecycle.StartBackground(ctx, s.leaderSched); err != nil {
		return err
	}
	if err := s.Orchestrator.StartCleanup(ctx, s.leaderSched); err != nil {
		return err
	}
	if err := s.Scaler.Start(ctx, s.leaderSched); err != nil {
		return err
	}

	if s.lock != nil {
		go s.lock.Run(ctx,
			func() {
				s.isLeader.Store(true)
				s.leaderSched.Start()
				s.logger.Info("leadership acquired, leader tasks started")
			},
			func() {
				s.isLeader.Store(false)
				if err := s.leaderSched.StopJobs(); err != nil {
					s.logger.Warn("stopping leader tasks failed", zap.Error(err))
				}
				s.logger.Warn("leadership lost, leader tasks stopped")
			},
		)
	} else {
		s.isLeader.Store(true)
		s.leaderSched.Start()
	}

	s.logger.Info("control plane started")
	return nil
}

// Shutdown releases everything Start acquired, newest-first.
func (s *System) Shutdown(ctx context.Context) {
	if s.lock != nil {
		if err := s.lock.Release(ctx); err != nil {
			s.logger.Warn("lock release failed", zap.Error(err))
		}
	}
	if err := s.leaderSched.Shutdown(); err != nil {
		s.logger.Warn("leader scheduler shutdown failed", zap.Error(err))
	}
	if err := s.Broker.Close(); err != nil {
		s.logger.Warn("broker close failed", zap.Error(err))
	}
	s.logger.Info("control plane stopped")
}
