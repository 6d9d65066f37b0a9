package forge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/config"
	"github.com/anubissbe/GitHub-RunnerHub-sub003/internal/kv"
)

// cacheEntry is one cached response plus the tags it was stored under, so
// it can be dropped by Invalidate without needing a reverse lookup table
// kept in redis.
type cacheEntry struct {
	Value json.RawMessage `json:"value"`
	Tags  []string        `json:"tags"`
}

// ResponseCache is the Forge Client's tagged response cache, keyed by
// resource class so each gets its own TTL (static: 1h, dynamic: 2min,
// realtime: 1min, per config.CacheTTLs). Invalidation is tag-based:
// e.g. removing a runner invalidates every cached entry tagged
// "repo:<owner/name>" without needing to know each entry's exact key.
//
// Lookups are served only from a process-local map holding the Go value
// as stored, so callers type-assert against the concrete slice type they
// stored. Every Set also writes a JSON copy to redis under the same TTL,
// but this cache never reads those copies back: a local miss is a miss.
type ResponseCache struct {
	rdb  *kv.Broker
	ttls config.CacheTTLs

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	value      any
	tags       []string
	expiresAt  time.Time
}

// NewResponseCache returns a ResponseCache using ttls for its three
// resource classes.
func NewResponseCache(rdb *kv.Broker, ttls config.CacheTTLs) *ResponseCache {
	return &ResponseCache{rdb: rdb, ttls: ttls, local: make(map[string]localEntry)}
}

func (c *ResponseCache) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.local[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *ResponseCache) set(key string, value any, tags []string, ttl time.Duration) {
	c.mu.Lock()
	c.local[key] = localEntry{value: value, tags: tags, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	entry := cacheEntry{Value: raw, Tags: tags}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.rdb.SetWithTTL(ctx, "forge:cache:"+key, encoded, ttl)
}

// GetStatic/SetStatic, GetDynamic/SetDynamic, GetRealtime/SetRealtime
// expose the three resource-class TTLs configured for this cache.

func (c *ResponseCache) GetStatic(key string) (any, bool)    { return c.get(key) }
func (c *ResponseCache) GetDynamic(key string) (any, bool)   { return c.get(key) }
func (c *ResponseCache) GetRealtime(key string) (any, bool)  { return c.get(key) }

func (c *ResponseCache) SetStatic(key string, value any, tags []string) {
	c.set(key, value, tags, c.ttls.Static)
}
func (c *ResponseCache) SetDynamic(key string, value any, tags []string) {
	c.set(key, value, tags, c.ttls.Dynamic)
}
func (c *ResponseCache) SetRealtime(key string, value any, tags []string) {
	c.set(key, value, tags, c.ttls.Realtime)
}

// Invalidate drops every locally cached entry carrying any of the given
// tags. The redis-side copies expire naturally via their TTL; cross-instance
// invalidation within the TTL window is an accepted staleness window
// documented under "Other decisions" in the project's design notes.
func (c *ResponseCache) Invalidate(tags ...string) {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.local {
		for _, t := range e.tags {
			if _, hit := want[t]; hit {
				delete(c.local, key)
				break
			}
		}
	}
}
