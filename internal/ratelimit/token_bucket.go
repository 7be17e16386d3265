package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The script refills by elapsed server time and either takes a token or reports
// how many milliseconds until one is available. State expires once the bucket
// would be full again.
const takeTokenScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000)
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return wait
`

var errBucketMisconfigured = errors.New("token bucket needs a positive rate and burst")

// TokenBucket is a Redis backed bucket shared by every replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

func NewTokenBucket(client *redis.Client, rate float64, burst int) *TokenBucket {
	return &TokenBucket{
		client: client,
		script: redis.NewScript(takeTokenScript),
		rate:   rate,
		burst:  burst,
		ttl:    refillTTL(rate, burst),
	}
}

// Take consumes a token for key. A positive duration means none was available
// and the caller should retry after it.
func (b *TokenBucket) Take(ctx context.Context, key string) (time.Duration, error) {
	if b == nil || b.client == nil {
		return 0, errors.New("token bucket has no redis client")
	}
	if b.rate <= 0 || b.burst <= 0 {
		return 0, errBucketMisconfigured
	}

	waitMs, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, b.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("take token %s: %w", key, err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

// refillTTL is twice the time an empty bucket takes to fill, at least a second.
func refillTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	return time.Duration(math.Max(1, math.Ceil(2*float64(burst)/rate))) * time.Second
}
