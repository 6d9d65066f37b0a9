// Package config is the closed configuration object for the orchestrator
// binary: one struct of enumerated, struct-valued fields — no
// map[string]any, so every valid configuration is representable and
// greppable. Populated from cobra flags with an env-var fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Strategy selects the Forge Client's rate-limit pacing algorithm.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	StrategyAdaptive     Strategy = "adaptive"
)

// Limits are the mandatory per-container resource caps applied by the
// Container Lifecycle Manager.
type Limits struct {
	CPUShares int64
	CPUQuota  int64 // microseconds per 100,000us period; 0 disables the quota
	Memory    string
	PidsLimit int64
}

// HA carries the leader-election parameters consumed by internal/ha.
type HA struct {
	Enabled bool
	NodeID  string
	LockKey string
	LockTTL time.Duration
}

// ScalerThresholds mirrors the Auto-Scaler's per-pool policy defaults;
// individual pools may override these via RunnerPool rows.
type ScalerThresholds struct {
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleUpIncrement    int
	ScaleDownIncrement  int
	CooldownPeriod      time.Duration
	QueueDepthThreshold int
	AvgWaitThreshold    time.Duration
	TickInterval        time.Duration
}

// CacheTTLs are the Forge Client response-cache lifetimes by resource
// class.
type CacheTTLs struct {
	Static  time.Duration
	Dynamic time.Duration
	Realtime time.Duration
}

// Config is the single source of truth for process configuration. Every
// field is either a primitive or a nested struct — never a free-form map —
// so that every valid configuration is representable and self-documenting.
type Config struct {
	HTTPAddr string

	DBDriver  string
	DBDSN     string
	DBReadDSN string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisSentinels  []string
	RedisMasterName string

	ForgeBaseURL      string
	ForgeToken        string
	ForgeOrganization string
	ForgeStrategy     Strategy

	WebhookSecret string

	DockerSocket  string
	RunnerImage   string
	ContainerTag  string
	NetworkPrefix string

	DefaultLimits Limits

	Scaler ScalerThresholds
	Cache  CacheTTLs
	HA     HA

	LogLevel string
}

// Default returns a Config populated with the built-in defaults, before
// flags or environment variables are applied.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",

		DBDriver: "sqlite",
		DBDSN:    "./runnerhub.db",

		RedisAddr: "127.0.0.1:6379",

		ForgeBaseURL:      "https://api.github.com",
		ForgeOrganization: "",
		ForgeStrategy:     StrategyConservative,

		DockerSocket:  "/var/run/docker.sock",
		RunnerImage:   "ghcr.io/actions/runner:latest",
		ContainerTag:  "ci-orchestrator",
		NetworkPrefix: "ci-net",

		DefaultLimits: Limits{
			CPUShares: 1024,
			CPUQuota:  100000,
			Memory:    "2g",
			PidsLimit: 512,
		},

		Scaler: ScalerThresholds{
			ScaleUpThreshold:    0.8,
			ScaleDownThreshold:  0.2,
			ScaleUpIncrement:    5,
			ScaleDownIncrement:  1,
			CooldownPeriod:      300 * time.Second,
			QueueDepthThreshold: 5,
			AvgWaitThreshold:    60 * time.Second,
			TickInterval:        30 * time.Second,
		},

		Cache: CacheTTLs{
			Static:   time.Hour,
			Dynamic:  2 * time.Minute,
			Realtime: time.Minute,
		},

		HA: HA{
			Enabled: false,
			LockKey: "ci-orchestrator:leader",
			LockTTL: 15 * time.Second,
		},

		LogLevel: "info",
	}
}

// EnvOrDefault returns the value of the named environment variable, or
// def if it is unset or empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvOrDefaultInt parses the named environment variable as an int,
// falling back to def on absence or parse failure.
func EnvOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvOrDefaultBool parses the named environment variable as a bool,
// falling back to def on absence or parse failure.
func EnvOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Validate checks the minimal set of fields required to start the control
// plane, returning a descriptive error naming the first missing one.
func (c Config) Validate() error {
	if c.ForgeToken == "" {
		return fmt.Errorf("config: forge token is required (RUNNERHUB_FORGE_TOKEN)")
	}
	if c.HA.Enabled && c.HA.NodeID == "" {
		return fmt.Errorf("config: ha.node_id is required when ha.enabled is set")
	}
	return nil
}
