package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = ttl seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisLimiter implements Limiter with a token bucket kept in Redis, shared
// by every replica pointing at the same server.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rate   float64
	burst  int
	owns   bool
}

// NewRedisLimiter wraps an existing client. Close does not close it.
func NewRedisLimiter(client redis.UniversalClient, prefix string, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{client: client, prefix: prefix, rate: rps, burst: burst}
}

// NewRedisLimiterFromURL dials Redis from a redis:// URL. Close closes the client.
func NewRedisLimiterFromURL(rawURL, prefix string, rps float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	l := NewRedisLimiter(redis.NewClient(opts), prefix, rps, burst)
	l.owns = true
	return l, nil
}

// Allow runs the bucket script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	// Idle buckets expire once they would have refilled completely.
	ttl := int(float64(l.burst)/l.rate) + 60

	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rate, l.burst, now, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis bucket: %w", err)
	}
	return allowed == 1, nil
}

// Close closes the client when the limiter created it.
func (l *RedisLimiter) Close() error {
	if l.owns {
		return l.client.Close()
	}
	return nil
}
