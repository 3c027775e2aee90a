package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultTouchInterval = 5 * time.Second
	defaultTouchBuffer   = 1024
	touchFlushTimeout    = 5 * time.Second
)

// Toucher persists last-used timestamps in batches.
type Toucher interface {
	TouchAPIKeys(ctx context.Context, lastUsed map[string]time.Time) error
}

type touch struct {
	keyID string
	at    time.Time
}

// LastUsedRecorder collects last-used updates off the validation path and
// writes them in periodic batches. Record never blocks; when the buffer is
// full the update is dropped. Only the newest timestamp per key is written.
type LastUsedRecorder struct {
	store    Toucher
	interval time.Duration
	logger   *slog.Logger

	updates chan touch
	dropped atomic.Int64

	mu      sync.Mutex
	pending map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLastUsedRecorder creates a recorder. Zero interval or buffer size fall
// back to the defaults. Call Start to begin flushing.
func NewLastUsedRecorder(store Toucher, interval time.Duration, buffer int, logger *slog.Logger) *LastUsedRecorder {
	if interval <= 0 {
		interval = defaultTouchInterval
	}
	if buffer <= 0 {
		buffer = defaultTouchBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LastUsedRecorder{
		store:    store,
		interval: interval,
		logger:   logger,
		updates:  make(chan touch, buffer),
		pending:  make(map[string]time.Time),
	}
}

// Record queues a last-used update for keyID. Non-blocking.
func (r *LastUsedRecorder) Record(keyID string, at time.Time) {
	if r == nil {
		return
	}
	select {
	case r.updates <- touch{keyID: keyID, at: at}:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many updates were discarded because the buffer was full.
func (r *LastUsedRecorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Start begins the background flush loop. Non-blocking.
func (r *LastUsedRecorder) Start() {
	if r == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case u := <-r.updates:
				r.merge(u)
			case <-ticker.C:
				r.Flush(context.Background())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the loop, drains queued updates and writes them.
func (r *LastUsedRecorder) Shutdown() {
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.drain()
	ctx, cancel := context.WithTimeout(context.Background(), touchFlushTimeout)
	defer cancel()
	r.Flush(ctx)
}

// Flush drains the queue and writes every pending update now.
func (r *LastUsedRecorder) Flush(ctx context.Context) {
	r.drain()

	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = make(map[string]time.Time, len(batch))
	r.mu.Unlock()

	if err := r.store.TouchAPIKeys(ctx, batch); err != nil {
		// Last-used is advisory; a failed batch is logged and discarded.
		r.logger.Warn("failed to record api key usage", "keys", len(batch), "error", err)
		return
	}
	r.logger.Debug("recorded api key usage", "keys", len(batch))
}

func (r *LastUsedRecorder) drain() {
	for {
		select {
		case u := <-r.updates:
			r.merge(u)
		default:
			return
		}
	}
}

func (r *LastUsedRecorder) merge(u touch) {
	r.mu.Lock()
	if prev, ok := r.pending[u.keyID]; !ok || u.at.After(prev) {
		r.pending[u.keyID] = u.at
	}
	r.mu.Unlock()
}
