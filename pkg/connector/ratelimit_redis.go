package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisSlidingWindowScript admits or throttles one call atomically. The
// bucket is a ZSET of call members scored by epoch milliseconds; expired
// members are pruned before counting.
//
// KEYS[1] = bucket key
// ARGV[1] = limit
// ARGV[2] = window_ms
// ARGV[3] = now epoch ms
// ARGV[4] = member for this call
//
// Returns {allowed (0|1), count_in_window, retry_after_ms}.
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)
local count = redis.call("ZCARD", key)
if count >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local retry = 1
    if oldest[2] then
        retry = window_ms - (now_ms - tonumber(oldest[2]))
        if retry < 1 then
            retry = 1
        end
    end
    return {0, count, retry}
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return {1, count + 1, 0}
`)

// RedisRateLimiter is the distributed sliding-window limiter, used when the
// control plane runs more than one replica. Buckets live in a Redis ZSET per
// (workspace, connector) so every replica sees the same window.
type RedisRateLimiter struct {
	client redis.UniversalClient
}

// NewRedisRateLimiter creates a limiter over an existing Redis client.
func NewRedisRateLimiter(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// DialRedisRateLimiter connects to Redis at addr and wraps it in a limiter.
func DialRedisRateLimiter(addr, password string, db int) *RedisRateLimiter {
	return NewRedisRateLimiter(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Allow runs the sliding-window script against the bucket.
func (l *RedisRateLimiter) Allow(ctx context.Context, workspaceID, connectorID string, policy RatePolicy) (RateDecision, error) {
	key := fmt.Sprintf("flockmesh:ratelimit:%s:%s", workspaceID, connectorID)
	nowMs := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.New().String())

	res, err := redisSlidingWindowScript.Run(ctx, l.client, []string{key},
		policy.Limit, policy.WindowMs, nowMs, member).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("connector: redis rate limiter: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return RateDecision{}, fmt.Errorf("connector: redis rate limiter returned unexpected shape %T", res)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retry, _ := values[2].(int64)
	return RateDecision{
		Allowed:       allowed == 1,
		CountInWindow: int(count),
		Limit:         policy.Limit,
		WindowMs:      policy.WindowMs,
		RetryAfterMs:  retry,
	}, nil
}
