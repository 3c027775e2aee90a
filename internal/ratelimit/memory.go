package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// MemoryLimiter keeps one token bucket per key in process memory. Each
// bucket has its own lock; there is no limiter-wide lock on the hot path.
type MemoryLimiter struct {
	window time.Duration
	now    func() time.Time

	buckets sync.Map // key -> *bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter creates a limiter and starts a janitor that evicts
// buckets idle for longer than window. An idle bucket is full again after
// one window, so eviction never changes a decision.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	m := newMemoryLimiter(window, time.Now)
	go m.janitor(window)
	return m
}

func newMemoryLimiter(window time.Duration, now func() time.Time) *MemoryLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		window: window,
		now:    now,
		stop:   make(chan struct{}),
	}
}

// CheckAndConsume spends cost units of key's quota if available.
func (m *MemoryLimiter) CheckAndConsume(ctx context.Context, key string, limit, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	now := m.now()
	b := m.bucket(key, limit, now)
	b.lastSeen.Store(now.UnixNano())

	res := Result{Limit: limit}
	if b.lim.AllowN(now, cost) {
		res.Allowed = true
		res.Remaining = remaining(b.lim.TokensAt(now))
		recordDecision(BackendMemory, true)
		return res, nil
	}
	recordDecision(BackendMemory, false)

	tokens := b.lim.TokensAt(now)
	res.Remaining = remaining(tokens)
	if cost > limit {
		res.RetryAfter = m.window
	} else {
		res.RetryAfter = retryAfter(float64(cost)-tokens, float64(b.lim.Limit()))
	}
	return res, nil
}

func remaining(tokens float64) int {
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// bucket returns the bucket for key, adjusting its rate when the key's
// limit has changed since it was created.
func (m *MemoryLimiter) bucket(key string, limit int, now time.Time) *bucket {
	perSecond := rate.Limit(float64(limit) / m.window.Seconds())

	if v, ok := m.buckets.Load(key); ok {
		b := v.(*bucket)
		if b.lim.Burst() != limit {
			b.lim.SetLimitAt(now, perSecond)
			b.lim.SetBurstAt(now, limit)
		}
		return b
	}

	b := &bucket{lim: rate.NewLimiter(perSecond, limit)}
	v, _ := m.buckets.LoadOrStore(key, b)
	return v.(*bucket)
}

// Sweep evicts buckets idle for longer than the window and returns how many
// were removed.
func (m *MemoryLimiter) Sweep() int {
	cutoff := m.now().Add(-m.window).UnixNano()
	n := 0
	m.buckets.Range(func(key, value interface{}) bool {
		if value.(*bucket).lastSeen.Load() < cutoff {
			m.buckets.Delete(key)
			n++
		}
		return true
	})
	return n
}

func (m *MemoryLimiter) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the janitor.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
