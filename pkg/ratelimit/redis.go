package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript implements the refill-then-consume step atomically on the
// Redis side. Time is passed in from the caller (unix microseconds) so
// all daemon instances agree on one clock. The bucket hash expires a
// minute after it would have refilled completely.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])

if tokens == nil then
  tokens = burst
  updated = now
end

local elapsed = now - updated
if elapsed > 0 then
  tokens = math.min(burst, tokens + (elapsed / 1000000) * rate)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'updated', now)
if rate > 0 then
  redis.call('EXPIRE', key, math.ceil(burst / rate) + 60)
end

return {allowed, tostring(tokens)}
`)

// RedisStore shares bucket state across daemon instances
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under the
// given prefix to keep the keyspace shareable with other users of the
// same Redis.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "toolplane:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take implements Store
func (s *RedisStore) Take(ctx context.Context, key string, limits Limits, cost float64) (bool, float64, error) {
	res, err := takeScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		limits.Rate, limits.Burst, time.Now().UnixMicro(), cost,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply %T", res)
	}

	allowed, ok := reply[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed field %T", reply[0])
	}

	remaining := 0.0
	if raw, ok := reply[1].(string); ok {
		remaining, _ = strconv.ParseFloat(raw, 64)
	}

	return allowed == 1, remaining, nil
}

// Ping verifies connectivity at startup
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
