// Package ratelimit throttles how fast a single owner can submit generation jobs.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every API replica.
// Buckets are keyed per owner and expire once idle for the configured TTL.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a limiter allowing bursts of capacity and a sustained
// rate of refillPerSecond per owner.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if prefix == "" {
		prefix = "prototype:"
	}
	return &TokenBucket{
		client:   client,
		prefix:   prefix + "ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	// RetryAfter is how long until one token is available when not allowed.
	RetryAfter time.Duration
}

// Allow consumes one token from the owner's bucket if available.
func (b *TokenBucket) Allow(ctx context.Context, ownerID string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + ownerID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ownerID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %T", ownerID, res)
	}
	allowed, _ := arr[0].(int64)
	tokens, err := parseTokens(arr[1])
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ownerID, err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - tokens
		d.RetryAfter = time.Duration(missing / b.refill * float64(time.Second))
	}
	return d, nil
}

func parseTokens(v any) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("parse tokens %q: %w", t, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected tokens reply %T", v)
	}
}

// Lua numbers become integers in replies, so the fractional token count is
// returned as a string.
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

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
