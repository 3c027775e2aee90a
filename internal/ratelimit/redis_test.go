package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/faucetdb/warden/internal/circuitbreaker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	clock := newFakeClock()
	breaker := circuitbreaker.NewBreaker(RedisBreakerName, circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}, discardLogger())
	fallback, _ := newTestMemory(time.Minute)

	l := NewRedisLimiter(client, time.Minute, breaker, fallback, discardLogger())
	l.now = clock.Now
	t.Cleanup(func() { l.Close() })
	return l, mr, clock
}

func TestRedisAllowAllowDeny(t *testing.T) {
	l, _, _ := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.CheckAndConsume(ctx, "k", 2, 1)
		if err != nil {
			t.Fatalf("CheckAndConsume: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d denied", i+1)
		}
	}

	res, err := l.CheckAndConsume(ctx, "k", 2, 1)
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if res.Allowed {
		t.Fatal("third attempt should be denied")
	}
	if res.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", res.RetryAfter)
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestRedisRefill(t *testing.T) {
	l, _, clock := newTestRedis(t)
	ctx := context.Background()

	l.CheckAndConsume(ctx, "k", 4, 4)
	clock.Advance(30 * time.Second)

	res, err := l.CheckAndConsume(ctx, "k", 4, 2)
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if !res.Allowed || res.Remaining != 0 {
		t.Errorf("after half a window: %+v", res)
	}
}

func TestRedisStateIsShared(t *testing.T) {
	l, mr, _ := newTestRedis(t)
	ctx := context.Background()

	l.CheckAndConsume(ctx, "k", 1, 1)
	if !mr.Exists(redisKeyPrefix + "k") {
		t.Fatal("expected bucket in redis")
	}

	other := NewRedisLimiter(l.client, time.Minute,
		circuitbreaker.NewBreaker("other", circuitbreaker.Config{}, discardLogger()),
		newMemoryLimiter(time.Minute, l.now), discardLogger())
	other.now = l.now
	if res, _ := other.CheckAndConsume(ctx, "k", 1, 1); res.Allowed {
		t.Error("a second limiter on the same redis should see the spent quota")
	}
}

func TestRedisFallbackWhenUnavailable(t *testing.T) {
	l, mr, _ := newTestRedis(t)
	ctx := context.Background()
	mr.Close()

	res, err := l.CheckAndConsume(ctx, "k", 1, 1)
	if err != nil {
		t.Fatalf("fallback should answer, got %v", err)
	}
	if !res.Allowed {
		t.Fatal("fallback bucket should start full")
	}
	if s := l.breaker.Stats(); s.State != circuitbreaker.StateOpen {
		t.Errorf("breaker state = %s, want open", s.State)
	}

	res, _ = l.CheckAndConsume(ctx, "k", 1, 1)
	if res.Allowed {
		t.Error("fallback should enforce the quota")
	}
}

func TestParseScriptResult(t *testing.T) {
	res, err := parseScriptResult([]interface{}{int64(0), int64(-1), int64(0)}, 10)
	if err != nil {
		t.Fatalf("parseScriptResult: %v", err)
	}
	if res.Allowed || res.Remaining != 0 || res.RetryAfter != time.Millisecond {
		t.Errorf("got %+v", res)
	}

	if _, err := parseScriptResult("nope", 10); err == nil {
		t.Error("expected error for malformed result")
	}
	if _, err := parseScriptResult([]interface{}{"1", int64(0), int64(0)}, 10); err == nil {
		t.Error("expected error for non-integer field")
	}
}
