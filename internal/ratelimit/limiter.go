// Package ratelimit throttles job submissions per tenant with a token bucket
// kept in Redis, so every API replica shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until one token is available again; zero when allowed.
	RetryAfter time.Duration
}

// Limiter is a per-key token bucket.
type Limiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64
	now      func() time.Time
}

// NewLimiter allows bursts of capacity requests per key, refilled at
// refillPerSecond tokens per second.
func NewLimiter(client *redis.Client, capacity int, refillPerSecond float64) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		client:   client,
		prefix:   "ratelimit:submit:",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
}

// ttl keeps idle buckets around until they would be full again.
func (l *Limiter) ttl() time.Duration {
	if l.refill <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(float64(l.capacity)/l.refill*float64(time.Second)) + time.Minute
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: parse tokens %q: %w", key, raw, err)
	}
	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		d.RetryAfter = time.Hour
		if l.refill > 0 {
			d.RetryAfter = time.Duration(math.Ceil((1-tokens)/l.refill*1000)) * time.Millisecond
		}
	}
	return d, nil
}

// Tokens are returned as a string; Redis truncates Lua numbers to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
