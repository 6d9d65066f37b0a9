// Package kv is the key/value half of the Storage Gateway: a thin wrapper
// over redis (go-redis/v9) that backs the Job Queue, the Forge Client's
// rate-limit state and response cache, the webhook dedup cache, and the
// HA distributed lock (internal/ha). One broker is shared by every
// instance of the control plane.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds the parameters needed to connect to the broker. For HA
// deployments Sentinels/MasterName select a sentinel-backed failover
// client instead of a single address.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Sentinels  []string
	MasterName string
	Logger     *zap.Logger
}

// Broker wraps a redis client. It is deliberately thin: callers (queue,
// forge, ha, webhook) own their own key naming and encoding; Broker only
// owns the connection and a few key/value primitives (TTL set/get, SetNX,
// Del). Anything else goes through Client.
type Broker struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// New dials the broker and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("kv: logger is required")
	}

	var rdb redis.UniversalClient
	if len(cfg.Sentinels) > 0 {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Sentinels,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping failed: %w", err)
	}

	return &Broker{rdb: rdb, logger: cfg.Logger.Named("kv")}, nil
}

// Client exposes the underlying redis client for packages that need
// operations this wrapper does not cover (sorted sets for the Job Queue,
// Lua scripts for the HA lock).
func (b *Broker) Client() redis.UniversalClient { return b.rdb }

// Close releases the connection.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// SetWithTTL stores value under key with the given expiry — used for the
// rate-limit state (TTL = forge reset window) and cached forge responses
// (TTL = per-resource cache policy).
func (b *Broker) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

// Get returns the raw value for key, or redis.Nil unwrapped if absent.
func (b *Broker) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err // redis.Nil propagated for callers to check with errors.Is
	}
	return v, nil
}

// SetNX sets key to value with ttl only if it does not already exist,
// returning whether the set happened. This is the write-through primitive
// the webhook dedup cache uses.
func (b *Broker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %q: %w", key, err)
	}
	return ok, nil
}

// Del removes key.
func (b *Broker) Del(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %q: %w", key, err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
