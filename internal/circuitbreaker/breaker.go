// Package circuitbreaker guards calls to downstream integrations with a
// per-service closed/open/half_open state machine.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/faucetdb/warden/internal/model"
)

// State is the position of a breaker in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the trip threshold and cooldown of a breaker.
type Config struct {
	Threshold int           // consecutive failures that open the breaker
	Cooldown  time.Duration // time spent open before a probe is admitted
}

// DefaultConfig returns a threshold of 5 failures and a 30s cooldown.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Service          string     `json:"service"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     int        `json:"success_count"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	Threshold        int        `json:"threshold"`
	Cooldown         string     `json:"cooldown"`
	Error            string     `json:"error,omitempty"`
}

// DoneFunc reports the outcome of an admitted call. A nil error is a
// success. context.Canceled means the caller gave up and the outcome is
// not counted. Calls after the first are ignored.
type DoneFunc func(err error)

// Breaker is the state machine for a single service. All transitions happen
// under its own mutex.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
	openedAt       time.Time

	// generation advances on every transition and on Reset. Outcomes
	// reported for a call admitted under an older generation are dropped.
	generation uint64
}

// NewBreaker creates a closed breaker for service.
func NewBreaker(service string, cfg Config, logger *slog.Logger) *Breaker {
	b := newBreaker(service, cfg, logger, time.Now)
	recordState(service, StateClosed)
	return b
}

// newBreaker leaves the state gauge alone; a breaker that loses a
// registry race must not overwrite the winner's state.

func newBreaker(service string, cfg Config, logger *slog.Logger, now func() time.Time) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		name:           service,
		cfg:            cfg.withDefaults(),
		logger:         logger,
		now:            now,
		state:          StateClosed,
		lastTransition: now(),
	}
	return b
}

// Name returns the service name.
func (b *Breaker) Name() string { return b.name }

// Allow admits or rejects a call. When admitted the caller must invoke the
// returned DoneFunc with the call's outcome. A rejected call returns a
// ServiceUnavailable error carrying the remaining cooldown.
func (b *Breaker) Allow() (DoneFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.doneFunc(b.generation, false), nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			recordRejected(b.name)
			return nil, model.NewUnavailableError(b.name, b.cfg.Cooldown-elapsed)
		}
		b.transition(StateHalfOpen)
		return b.doneFunc(b.generation, true), nil

	default:
		// Half open: the single probe is already in flight.
		recordRejected(b.name)
		return nil, model.NewUnavailableError(b.name, 0)
	}
}

// Execute runs fn if the breaker admits the call and records its outcome.
// If ctx is cancelled while fn runs, or fn panics, the outcome is not counted.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	// No-op once an outcome is recorded; frees the half-open slot on panic.
	defer done(context.Canceled)

	err = fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		done(context.Canceled)
		return err
	}
	done(err)
	return err
}

func (b *Breaker) doneFunc(gen uint64, probe bool) DoneFunc {
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, probe, err) })
	}
}

func (b *Breaker) record(gen uint64, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	if errors.Is(err, context.Canceled) {
		if probe {
			// Back to open without restarting the cooldown, so the next
			// caller becomes the probe.
			b.state = StateOpen
			b.generation++
			recordState(b.name, StateOpen)
			b.logger.Debug("circuit breaker probe cancelled", "service", b.name)
		}
		return
	}

	now := b.now()
	if err == nil {
		if probe {
			b.transition(StateClosed)
			return
		}
		b.failures = 0
		b.successes++
		return
	}

	b.lastFailure = now
	if probe {
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.transition(StateOpen)
	}
}

// transition moves to next, clearing counters. Caller holds b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	now := b.now()

	b.state = next
	b.lastTransition = now
	b.generation++
	if next == StateOpen {
		b.openedAt = now
	}
	if next != StateHalfOpen {
		b.failures = 0
		b.successes = 0
	}

	recordTransition(b.name, prev, next)

	switch next {
	case StateOpen:
		b.logger.Warn("circuit breaker opened",
			"service", b.name,
			"from", string(prev),
			"cooldown", b.cfg.Cooldown,
		)
	case StateClosed:
		b.logger.Info("circuit breaker closed", "service", b.name, "from", string(prev))
	default:
		b.logger.Info("circuit breaker half open, admitting probe", "service", b.name)
	}
}

// Reset forces the breaker closed with zero counters. Outcomes of calls
// admitted before the reset are ignored.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
	b.lastTransition = b.now()
	b.generation++

	if prev != StateClosed {
		recordTransition(b.name, prev, StateClosed)
		b.logger.Info("circuit breaker reset", "service", b.name, "from", string(prev))
	}
}

// Stats returns the breaker's current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Service:          b.name,
		State:            b.state,
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		LastTransitionAt: b.lastTransition,
		Threshold:        b.cfg.Threshold,
		Cooldown:         b.cfg.Cooldown.String(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	return s
}
