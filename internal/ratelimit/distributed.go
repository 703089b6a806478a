package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and consumes a token bucket stored as
// a Redis hash: {tokens, updated_at}. KEYS[1] is the bucket key; ARGV is
// capacity, refill_rate (tokens/sec), requested tokens, and the current unix
// time in milliseconds (passed in by the caller since Lua has no reliable
// wall clock across a replicated Redis). Returns 1 if allowed, 0 otherwise.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "updated_at")
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  updated_at = now_ms
end

local elapsed = math.max(0, now_ms - updated_at) / 1000.0
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "updated_at", now_ms)
redis.call("EXPIRE", key, 3600)

return allowed
`

// DistributedBucket is a token bucket shared across every process in the
// fleet via Redis, guarding calls that must respect a global rate ceiling
// regardless of which instance is handling a given webhook or backfill
// (e.g. a single tenant's Stripe API key, spec §4.1).
type DistributedBucket struct {
	rdb      *redis.Client
	sha      string
	capacity float64
	refill   float64 // tokens per second
}

// NewDistributedBucket builds a bucket of the given capacity that refills at
// refillPerSecond tokens/sec.
func NewDistributedBucket(rdb *redis.Client, capacity, refillPerSecond float64) *DistributedBucket {
	return &DistributedBucket{rdb: rdb, capacity: capacity, refill: refillPerSecond}
}

// Allow attempts to consume `cost` tokens from the bucket identified by key,
// returning true if the request may proceed.
func (b *DistributedBucket) Allow(ctx context.Context, key string, cost float64, now time.Time) (bool, error) {
	res, err := b.rdb.Eval(ctx, tokenBucketScript, []string{key}, b.capacity, b.refill, cost, now.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: eval token bucket: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result type %T", res)
	}
	return allowed == 1, nil
}
