package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] bucket hash. ARGV: rate per second, burst, ttl ms.
// Returns {allowed, level as string, server time ms, retry after ms}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local level = tonumber(redis.call("HGET", KEYS[1], "level"))
local last = tonumber(redis.call("HGET", KEYS[1], "at"))
if level == nil or last == nil then
  level = burst
else
  level = math.min(burst, level + math.max(0, now - last) / 1000 * rate)
end

local allowed = 0
local retry = 0
if level >= 1 then
  allowed = 1
  level = level - 1
else
  retry = math.ceil((1 - level) / rate * 1000)
end

redis.call("HSET", KEYS[1], "level", level, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(level), now, retry}
`

var errBucketMisconfigured = errors.New("rate_limit_misconfigured")

// TokenBucket keeps per-key buckets in redis so every API replica draws from
// the same budget.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// NewTokenBucket returns nil for a nil client.
func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if t == nil || key == "" || rate <= 0 || burst <= 0 {
		return nil, errBucketMisconfigured
	}

	ttl := bucketTTL(rate, burst)
	vals, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("token bucket: unexpected reply %v", vals)
	}

	allowed, _ := vals[0].(int64)
	levelStr, _ := vals[1].(string)
	nowMs, _ := vals[2].(int64)
	retryMs, _ := vals[3].(int64)
	level, err := strconv.ParseFloat(levelStr, 64)
	if err != nil {
		return nil, fmt.Errorf("token bucket: level %q: %w", levelStr, err)
	}

	retry := time.Duration(retryMs) * time.Millisecond
	return &RateLimitResult{
		Allowed:    allowed == 1,
		Limit:      burst,
		Remaining:  int(level),
		ResetTime:  time.UnixMilli(nowMs).Add(retry),
		RetryAfter: retry,
	}, nil
}

// localResult mirrors the script's arithmetic for the in-process fallback.
func localResult(allowed bool, burst int, level, rate float64, at time.Time) *RateLimitResult {
	var retry time.Duration
	if !allowed && level < 1 {
		retry = time.Duration((1 - level) / rate * float64(time.Second))
	}
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(math.Max(level, 0)),
		ResetTime:  at.Add(retry),
		RetryAfter: retry,
	}
}

// bucketTTL keeps an idle bucket for twice its full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}
