package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/system"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "runnerhub",
		Short: "RunnerHub — self-hosted CI runner orchestrator",
		Long: `RunnerHub receives workflow job notifications from the forge,
allocates ephemeral execution containers on the local container host,
and reports progress back. It runs the webhook ingestion pipeline, the
job queue, the runner-pool autoscaler, the label-based job router, and
the container lifecycle manager.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.HTTPAddr, "http-addr", config.EnvOrDefault("RUNNERHUB_HTTP_ADDR", cfg.HTTPAddr), "HTTP listen address (webhooks, health, metrics, ws)")
	flags.StringVar(&cfg.DBDriver, "db-driver", config.EnvOrDefault("RUNNERHUB_DB_DRIVER", cfg.DBDriver), "Database driver (sqlite or postgres)")
	flags.StringVar(&cfg.DBDSN, "db-dsn", config.EnvOrDefault("RUNNERHUB_DB_DSN", cfg.DBDSN), "Database DSN or file path for SQLite")
	flags.StringVar(&cfg.DBReadDSN, "db-read-dsn", config.EnvOrDefault("RUNNERHUB_DB_READ_DSN", ""), "Optional read-replica DSN for HA deployments")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", config.EnvOrDefault("RUNNERHUB_REDIS_ADDR", cfg.RedisAddr), "Redis broker address")
	flags.StringVar(&cfg.RedisPassword, "redis-password", config.EnvOrDefault("RUNNERHUB_REDIS_PASSWORD", ""), "Redis password")
	flags.StringSliceVar(&cfg.RedisSentinels, "redis-sentinels", nil, "Redis sentinel endpoints for HA (overrides --redis-addr)")
	flags.StringVar(&cfg.RedisMasterName, "redis-master-name", config.EnvOrDefault("RUNNERHUB_REDIS_MASTER", "mymaster"), "Redis sentinel master name")
	flags.StringVar(&cfg.ForgeBaseURL, "forge-url", config.EnvOrDefault("RUNNERHUB_FORGE_URL", cfg.ForgeBaseURL), "Forge API base URL")
	flags.StringVar(&cfg.ForgeToken, "forge-token", config.EnvOrDefault("RUNNERHUB_FORGE_TOKEN", ""), "Forge API token (required)")
	flags.StringVar(&cfg.ForgeOrganization, "forge-org", config.EnvOrDefault("RUNNERHUB_FORGE_ORG", ""), "Forge organization")
	flags.StringVar((*string)(&cfg.ForgeStrategy), "rate-strategy", config.EnvOrDefault("RUNNERHUB_RATE_STRATEGY", string(cfg.ForgeStrategy)), "Rate-limit strategy (conservative, aggressive, adaptive)")
	flags.StringVar(&cfg.WebhookSecret, "webhook-secret", config.EnvOrDefault("RUNNERHUB_WEBHOOK_SECRET", ""), "Shared secret for webhook signature verification (empty disables verification)")
	flags.StringVar(&cfg.DockerSocket, "docker-socket", config.EnvOrDefault("RUNNERHUB_DOCKER_SOCKET", cfg.DockerSocket), "Container daemon socket path")
	flags.StringVar(&cfg.RunnerImage, "runner-image", config.EnvOrDefault("RUNNERHUB_RUNNER_IMAGE", cfg.RunnerImage), "Runner container image reference")
	flags.StringVar(&cfg.NetworkPrefix, "network-prefix", config.EnvOrDefault("RUNNERHUB_NETWORK_PREFIX", cfg.NetworkPrefix), "Per-repository network name prefix")
	flags.Int64Var(&cfg.DefaultLimits.CPUShares, "cpu-shares", cfg.DefaultLimits.CPUShares, "Per-runner CPU shares")
	flags.Int64Var(&cfg.DefaultLimits.CPUQuota, "cpu-quota", cfg.DefaultLimits.CPUQuota, "Per-runner CPU quota in microseconds per 100ms period")
	flags.StringVar(&cfg.DefaultLimits.Memory, "memory-limit", config.EnvOrDefault("RUNNERHUB_MEMORY_LIMIT", cfg.DefaultLimits.Memory), "Per-runner memory limit (<integer><b|k|m|g>)")
	flags.Int64Var(&cfg.DefaultLimits.PidsLimit, "pids-limit", cfg.DefaultLimits.PidsLimit, "Per-runner pids limit")
	flags.BoolVar(&cfg.HA.Enabled, "ha", config.EnvOrDefaultBool("RUNNERHUB_HA", false), "Enable HA leader election for the scaler and sweepers")
	flags.StringVar(&cfg.HA.NodeID, "node-id", config.EnvOrDefault("RUNNERHUB_NODE_ID", ""), "This node's identifier for HA leader election")
	flags.StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("RUNNERHUB_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runnerhub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting runnerhub",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("ha", cfg.HA.Enabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sys, err := system.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := sys.Start(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      sys.NewHTTPHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down runnerhub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	sys.Shutdown(shutdownCtx)

	logger.Info("runnerhub stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
