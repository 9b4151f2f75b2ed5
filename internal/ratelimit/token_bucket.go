// Package ratelimit guards job submissions with a per-client token bucket kept in Redis,
// so that every replica draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one submission attempt.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole submissions left in the bucket.
	Remaining int
	// RetryAfter is how long a rejected client should wait for the next token.
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket. Buckets are created full and expire after
// they have been idle long enough to refill completely.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		prefix:   "correlations:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
}

func (b *TokenBucket) ttl() time.Duration {
	if b.refill <= 0 {
		return time.Hour
	}
	return time.Duration(float64(b.capacity)/b.refill*float64(time.Second)) + time.Second
}

// Allow consumes one token from client's bucket if available.
func (b *TokenBucket) Allow(ctx context.Context, client string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + client},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl().Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", client, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	// Lua numbers are truncated to integers on the way back; the script returns milli-tokens.
	milli, _ := arr[1].(int64)
	tokens := float64(milli) / 1000

	d := Decision{Allowed: allowed == 1, Remaining: int(math.Floor(tokens))}
	if !d.Allowed && b.refill > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / b.refill * float64(time.Second))
	}
	return d, nil
}

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
return {allowed, math.floor(tokens * 1000)}
`)
