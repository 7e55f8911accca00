// Package ratelimit provides fixed-window rate limiting with memory and Redis counters,
// plus token buckets used for threat-response throttling.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.WindowCounter = (*RedisWindowCounter)(nil)

// Lua script for an atomic fixed-window increment.
// The window restarts at ARGV[1] once ARGV[1] >= start + ARGV[2]; otherwise the count is incremented.
const fixedWindowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local start = tonumber(redis.call('HGET', key, 'window_start'))
local count
if start == nil or now >= start + window then
    start = now
    count = 1
    redis.call('HSET', key, 'window_start', start, 'count', count)
else
    count = redis.call('HINCRBY', key, 'count', 1)
end

redis.call('PEXPIRE', key, window * 2)

return {count, start}
`

// RedisWindowCounter counts per-key hits in Redis so that limits hold across instances.
type RedisWindowCounter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisWindowCounter creates a counter storing buckets under "paygate:ratelimit:".
func NewRedisWindowCounter(client redis.UniversalClient) *RedisWindowCounter {
	return &RedisWindowCounter{client: client, keyPrefix: "paygate:ratelimit:"}
}

// Increment runs the fixed-window script. Times are passed in milliseconds from the caller's clock.
func (c *RedisWindowCounter) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	result, err := c.client.Eval(ctx, fixedWindowLuaScript, []string{c.keyPrefix + key},
		now.UnixMilli(), window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return 0, time.Time{}, fmt.Errorf("invalid Lua script result")
	}
	count, ok1 := resultSlice[0].(int64)
	startMs, ok2 := resultSlice[1].(int64)
	if !ok1 || !ok2 {
		return 0, time.Time{}, fmt.Errorf("invalid Lua script result types")
	}
	return count, time.UnixMilli(startMs), nil
}

// Reset deletes the bucket for key.
func (c *RedisWindowCounter) Reset(ctx context.Context, key string) error {
	err := c.client.Del(ctx, c.keyPrefix+key).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}
