package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// staleRetention is how long past freshness a shared entry remains
// servable as a stale read during bridge outages.
const staleRetention = time.Hour

// cachedValue is the envelope stored in the shared tier. The freshness
// deadline travels with the data so every process sharing the cache
// agrees on when an entry turns stale.
type cachedValue struct {
	Data       json.RawMessage `json:"data"`
	FreshUntil time.Time       `json:"fresh_until"`
}

// SharedCache is the cross-process cache tier. Lookups distinguish fresh
// hits from stale ones: the read path prefers live data but serves stale
// entries when the bridge is down.
type SharedCache interface {
	Get(ctx context.Context, key string) (data json.RawMessage, fresh bool, found bool)
	Set(ctx context.Context, key string, data json.RawMessage)
	Delete(ctx context.Context, key string)
}

// memorySharedCache is the default tier for single-process deployments.
type memorySharedCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cachedValue
}

func newMemorySharedCache(ttl time.Duration) *memorySharedCache {
	return &memorySharedCache{
		ttl:     ttl,
		entries: make(map[string]cachedValue),
	}
}

func (c *memorySharedCache) Get(_ context.Context, key string) (json.RawMessage, bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, false
	}

	now := time.Now()
	if now.After(entry.FreshUntil.Add(staleRetention)) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, false
	}
	return entry.Data, now.Before(entry.FreshUntil), true
}

func (c *memorySharedCache) Set(_ context.Context, key string, data json.RawMessage) {
	c.mu.Lock()
	c.entries[key] = cachedValue{Data: data, FreshUntil: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *memorySharedCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// redisSharedCache shares the tier across daemon instances. Cache writes
// are best-effort: a Redis hiccup must not fail a read that already has
// live data in hand.
type redisSharedCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSharedCache wraps an existing client. Keys are namespaced
// under the given prefix to keep the keyspace shareable with other
// users of the same Redis.
func NewRedisSharedCache(client redis.UniversalClient, prefix string, ttl time.Duration) SharedCache {
	if prefix == "" {
		prefix = "toolplane:bridge"
	}
	return &redisSharedCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *redisSharedCache) Get(ctx context.Context, key string) (json.RawMessage, bool, bool) {
	raw, err := c.client.Get(ctx, c.prefix+":"+key).Bytes()
	if err != nil {
		// redis.Nil and transport errors both read as a miss
		return nil, false, false
	}

	var v cachedValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, false
	}
	return v.Data, time.Now().Before(v.FreshUntil), true
}

func (c *redisSharedCache) Set(ctx context.Context, key string, data json.RawMessage) {
	raw, err := json.Marshal(cachedValue{Data: data, FreshUntil: time.Now().Add(c.ttl)})
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+":"+key, raw, c.ttl+staleRetention)
}

func (c *redisSharedCache) Delete(ctx context.Context, key string) {
	c.client.Del(ctx, c.prefix+":"+key)
}
