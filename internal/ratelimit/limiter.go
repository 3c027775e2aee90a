// Package ratelimit enforces per-key request quotas with token buckets.
// A key with limit N may spend N units per window; tokens refill
// continuously at N per window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/model"
)

// Backends selectable in configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultWindow is the quota window used when none is configured.
const DefaultWindow = time.Minute

// RedisBreakerName is the circuit breaker guarding the redis backend.
const RedisBreakerName = "ratelimit-redis"

// Result is the outcome of a quota check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // set when denied
}

// Err returns nil for allowed results and a RateLimited error otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return model.NewRateLimitedError(r.RetryAfter)
}

// Limiter checks and consumes quota for a key in one atomic step.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit, cost int) (Result, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	Window    time.Duration
	RedisAddr string
}

// New builds the configured limiter. The redis backend falls back to an
// in-process limiter while redis is unreachable; its breaker is taken from
// breakers.
func New(cfg Config, breakers *circuitbreaker.Registry, logger *slog.Logger) (Limiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryLimiter(cfg.Window), nil

	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("rate_limit.redis_addr is required for the redis backend")
		}
		opts, err := redisOptions(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return NewRedisLimiter(
			redis.NewClient(opts),
			cfg.Window,
			breakers.Get(RedisBreakerName),
			NewMemoryLimiter(cfg.Window),
			logger,
		), nil

	default:
		return nil, fmt.Errorf("unsupported rate limit backend %q (supported: memory, redis)", cfg.Backend)
	}
}

func redisOptions(addr string) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

// retryAfter returns how long until need tokens accrue at perSecond,
// never less than one millisecond.
func retryAfter(need, perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Millisecond
	}
	d := time.Duration(need / perSecond * float64(time.Second))
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d.Round(time.Millisecond)
}
