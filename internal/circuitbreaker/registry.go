package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RegistryConfig configures a Registry. Services overrides Default for
// individual service names.
type RegistryConfig struct {
	Default  Config
	Services map[string]Config
}

// Registry holds one breaker per service name. Breakers are created on
// first reference and live for the life of the registry.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	logger    *slog.Logger
	now       func() time.Time

	breakers sync.Map // service name -> *Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[string]Config, len(cfg.Services))
	for name, c := range cfg.Services {
		overrides[name] = c
	}
	return &Registry{
		defaults:  cfg.Default.withDefaults(),
		overrides: overrides,
		logger:    logger,
		now:       time.Now,
	}
}

// Get returns the breaker for service, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	if v, ok := r.breakers.Load(service); ok {
		return v.(*Breaker)
	}

	cfg := r.defaults
	if o, ok := r.overrides[service]; ok {
		if o.Threshold > 0 {
			cfg.Threshold = o.Threshold
		}
		if o.Cooldown > 0 {
			cfg.Cooldown = o.Cooldown
		}
	}

	b := newBreaker(service, cfg, r.logger, r.now)
	actual, loaded := r.breakers.LoadOrStore(service, b)
	if !loaded {
		recordState(service, StateClosed)
		r.logger.Debug("created circuit breaker", "service", service, "threshold", cfg.Threshold, "cooldown", cfg.Cooldown)
	}
	return actual.(*Breaker)
}

// Allow admits or rejects a call to service. See Breaker.Allow.
func (r *Registry) Allow(service string) (DoneFunc, error) {
	return r.Get(service).Allow()
}

// Execute runs fn through the breaker for service.
func (r *Registry) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	return r.Get(service).Execute(ctx, fn)
}

// Names returns the tracked service names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.breakers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Snapshot returns the stats of every tracked service. A failure reading one
// entry is reported on that entry and does not affect the others.
func (r *Registry) Snapshot() map[string]Stats {
	out := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		name := key.(string)
		out[name] = safeStats(name, value)
		return true
	})
	return out
}

// List returns Snapshot ordered by service name.
func (r *Registry) List() []Stats {
	snap := r.Snapshot()
	out := make([]Stats, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func safeStats(name string, value interface{}) (s Stats) {
	defer func() {
		if p := recover(); p != nil {
			s = Stats{Service: name, State: "unknown", Error: fmt.Sprint(p)}
		}
	}()
	return value.(*Breaker).Stats()
}

// ResetAll forces every tracked breaker closed with zero counters and
// returns how many were reset.
func (r *Registry) ResetAll() int {
	n := 0
	r.breakers.Range(func(_, value interface{}) bool {
		if b, ok := value.(*Breaker); ok {
			b.Reset()
			n++
		}
		return true
	})
	r.logger.Info("circuit breakers reset", "count", n)
	return n
}
