// Package ha implements the control plane's leader-election primitive: a
// redis-backed distributed lock with a renew-before-expiry loop. Only the
// instance holding the lock runs the Auto-Scaler and the Container
// Lifecycle Manager's sweepers; every other component is safe to run on
// every instance.
//
// Acquisition is a retry loop with jittered backoff and renewal a plain
// ticker loop, each around a single fallible operation; release is one
// call. State changes are signaled to the rest of the process instead of
// panicking.
package ha

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes key only if its value still matches token, so a
// node never releases a lock it no longer holds (e.g. after its TTL
// already expired and another node acquired it).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// renewScript extends key's TTL only if it still matches token.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// ErrNotLeader is returned by operations that require leadership when the
// caller does not currently hold the lock.
var ErrNotLeader = errors.New("ha: not the current leader")

// Lock is a renewable, single-owner distributed lock backed by redis.
type Lock struct {
	rdb    redis.UniversalClient
	key    string
	ttl    time.Duration
	nodeID string
	logger *zap.Logger

	token string // the current node's random membership token, empty when not held
}

// New returns a Lock for the given key. nodeID is embedded in the lock's
// token for debugging; it does not need to be globally unique on its own
// since the token also includes a random suffix.
func New(rdb redis.UniversalClient, key, nodeID string, ttl time.Duration, logger *zap.Logger) *Lock {
	return &Lock{
		rdb:    rdb,
		key:    key,
		ttl:    ttl,
		nodeID: nodeID,
		logger: logger.Named("ha"),
	}
}

// TryAcquire attempts a single non-blocking acquisition, returning whether
// it succeeded. Safe to call repeatedly.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	token := fmt.Sprintf("%s-%d-%d", l.nodeID, time.Now().UnixNano(), rand.Int63())
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ha: acquire: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// IsLeader reports whether this Lock instance currently believes it holds
// the lock. This is a local, possibly stale, view — the renew loop is the
// source of truth for whether leadership was actually lost.
func (l *Lock) IsLeader() bool {
	return l.token != ""
}

// Release drops the lock if this instance still holds it. A no-op if the
// lock was already lost or never acquired.
func (l *Lock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
	l.token = ""
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ha: release: %w", err)
	}
	return nil
}

// Run acquires the lock and holds it, renewing at less than half the
// TTL, until ctx is cancelled or
// leadership is lost. onAcquire is called after every successful
// acquisition and onLost when renewal fails to re-confirm
// ownership — the signal the Auto-Scaler and sweepers use to stop. Run
// keeps retrying acquisition after a loss, so a node that regains the
// lock resumes leadership without restarting the process.
func (l *Lock) Run(ctx context.Context, onAcquire func(), onLost func()) {
	renewInterval := l.ttl / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	acquireBackoff := 500 * time.Millisecond
	const acquireBackoffMax = 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		ok, err := l.TryAcquire(ctx)
		if err != nil {
			l.logger.Warn("lock acquire attempt failed", zap.Error(err))
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(acquireBackoff)):
			}
			acquireBackoff = nextBackoff(acquireBackoff, acquireBackoffMax)
			continue
		}

		l.logger.Info("acquired leadership", zap.String("key", l.key))
		acquireBackoff = 500 * time.Millisecond
		if onAcquire != nil {
			onAcquire()
		}

		l.holdUntilLost(ctx, renewInterval)

		if l.token == "" {
			l.logger.Warn("lost leadership", zap.String("key", l.key))
			if onLost != nil {
				onLost()
			}
		}
	}
}

// holdUntilLost renews the lock on a ticker until ctx is cancelled or a
// renewal fails to confirm ownership, in which case l.token is cleared
// before returning.
func (l *Lock) holdUntilLost(ctx context.Context, renewInterval time.Duration) {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.Release(context.Background())
			return
		case <-ticker.C:
			renewed, err := l.renew(ctx)
			if err != nil {
				l.logger.Warn("lock renew error", zap.Error(err))
				continue
			}
			if !renewed {
				l.token = ""
				return
			}
		}
	}
}

func (l *Lock) renew(ctx context.Context) (bool, error) {
	res, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("ha: renew: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
