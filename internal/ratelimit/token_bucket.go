package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the token count left in the bucket after this call.
	Remaining float64
	// RetryAfter is how long until one token is available again. Zero when allowed or when
	// the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Keys are namespaced
// under prefix.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected reply of length %d", len(res))
	}
	allowed, _ := res[0].(int64)
	d := Decision{Allowed: allowed == 1}
	if s, ok := res[1].(string); ok {
		d.Remaining, _ = strconv.ParseFloat(s, 64)
	}
	if waitMs, ok := res[2].(int64); ok && waitMs > 0 {
		d.RetryAfter = time.Duration(waitMs) * time.Millisecond
	}
	return d, nil
}

// Tokens are returned as a string; Lua numbers are truncated to integers in replies.
var bucketScript = redis.NewScript(`
local cap, rate = tonumber(ARGV[1]), tonumber(ARGV[2])
local now_ms, ttl_ms = tonumber(ARGV[3]), tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local level = tonumber(state[1]) or cap
local since = tonumber(state[2]) or now_ms
level = math.min(cap, level + math.max(0, now_ms - since) * rate / 1000)

local ok, wait_ms = 0, 0
if level >= 1 then
  ok = 1
  level = level - 1
elseif rate > 0 then
  wait_ms = math.ceil((1 - level) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(level), 'ts', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {ok, tostring(level), wait_ms}
`)
