package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/warden/internal/circuitbreaker"
)

const redisKeyPrefix = "warden:ratelimit:"

// tokenBucketScript refills and spends a bucket atomically.
// KEYS[1] bucket key; ARGV: capacity, window_ms, now_ms, cost.
// Returns {allowed, floor(tokens), retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])
	local rate = capacity / window_ms

	local data = redis.call('HMGET', key, 'tokens', 'last_update')
	local tokens = tonumber(data[1])
	local last_update = tonumber(data[2])

	if tokens == nil then
		tokens = capacity
		last_update = now
	end

	local elapsed = math.max(0, now - last_update)
	tokens = math.min(capacity, tokens + elapsed * rate)

	local allowed = 0
	local retry_ms = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	elseif cost > capacity then
		retry_ms = window_ms
	else
		retry_ms = math.ceil((cost - tokens) / rate)
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
	redis.call('PEXPIRE', key, window_ms)

	return {allowed, math.floor(tokens), retry_ms}
`)

// RedisLimiter shares quota across instances through redis. Calls go
// through a circuit breaker; while redis is failing, decisions come from
// the in-process fallback.
type RedisLimiter struct {
	client   *redis.Client
	window   time.Duration
	breaker  *circuitbreaker.Breaker
	fallback *MemoryLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedisLimiter creates a limiter on client.
func NewRedisLimiter(client *redis.Client, window time.Duration, breaker *circuitbreaker.Breaker, fallback *MemoryLimiter, logger *slog.Logger) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:   client,
		window:   window,
		breaker:  breaker,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckAndConsume spends cost units of key's quota in redis.
func (r *RedisLimiter) CheckAndConsume(ctx context.Context, key string, limit, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}

	var res Result
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.run(ctx, key, limit, cost)
		return err
	})
	if err == nil {
		recordDecision(BackendRedis, res.Allowed)
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	fallbackTotal.Inc()
	r.logger.Debug("redis rate limiter unavailable, using local fallback", "error", err)
	return r.fallback.CheckAndConsume(ctx, key, limit, cost)
}

func (r *RedisLimiter) run(ctx context.Context, key string, limit, cost int) (Result, error) {
	raw, err := tokenBucketScript.Run(ctx, r.client,
		[]string{redisKeyPrefix + key},
		limit,
		r.window.Milliseconds(),
		r.now().UnixMilli(),
		cost,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("token bucket script: %w", err)
	}
	return parseScriptResult(raw, limit)
}

func parseScriptResult(raw interface{}, limit int) (Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("unexpected token bucket result: %v", raw)
	}
	nums := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return Result{}, fmt.Errorf("unexpected token bucket result: %v", raw)
		}
		nums[i] = n
	}

	res := Result{
		Allowed:   nums[0] == 1,
		Limit:     limit,
		Remaining: int(max(nums[1], 0)),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(max(nums[2], 1)) * time.Millisecond
	}
	return res, nil
}

// Ping reports whether redis is reachable.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the redis client and stops the fallback janitor.
func (r *RedisLimiter) Close() error {
	return errors.Join(r.client.Close(), r.fallback.Close())
}
