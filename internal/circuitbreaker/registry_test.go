package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/faucetdb/warden/internal/model"
)

func newTestRegistry(cfg RegistryConfig) (*Registry, *fakeClock) {
	clock := newFakeClock()
	r := NewRegistry(cfg, discardLogger())
	r.now = clock.Now
	return r, clock
}

func TestRegistryLazyCreate(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})

	if len(r.Snapshot()) != 0 {
		t.Fatal("registry should start empty")
	}
	a := r.Get("crm")
	if r.Get("crm") != a {
		t.Error("Get should return the same breaker for a name")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "crm" {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistryStateGaugeSurvivesLosingCreate(t *testing.T) {
	const service = "gauge-race"
	r, _ := newTestRegistry(RegistryConfig{Default: Config{Threshold: 1, Cooldown: time.Minute}})

	_ = r.Execute(context.Background(), service, func(context.Context) error { return errors.New("down") })
	if got := testutil.ToFloat64(breakerState.WithLabelValues(service)); got != 1 {
		t.Fatalf("gauge = %v after trip, want 1 (open)", got)
	}

	// A concurrent Get that loses LoadOrStore still builds a breaker.
	_ = newBreaker(service, r.defaults, r.logger, r.now)
	r.Get(service)

	if got := testutil.ToFloat64(breakerState.WithLabelValues(service)); got != 1 {
		t.Errorf("gauge = %v after losing create, want 1 (open)", got)
	}
	if s := r.Get(service).Stats(); s.State != StateOpen {
		t.Errorf("state = %s, want open", s.State)
	}
}

func TestRegistryConcurrentGetRecordsClosedOnce(t *testing.T) {
	const service = "gauge-concurrent"
	r, _ := newTestRegistry(RegistryConfig{})

	var wg sync.WaitGroup
	got := make([]*Breaker, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get(service)
		}(i)
	}
	wg.Wait()

	for _, b := range got[1:] {
		if b != got[0] {
			t.Fatal("concurrent Get returned different breakers")
		}
	}
	if v := testutil.ToFloat64(breakerState.WithLabelValues(service)); v != 0 {
		t.Errorf("gauge = %v, want 0 (closed)", v)
	}
}

func TestRegistryOverrides(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{
		Default: Config{Threshold: 5, Cooldown: time.Minute},
		Services: map[string]Config{
			"fragile": {Threshold: 1},
		},
	})

	if s := r.Get("fragile").Stats(); s.Threshold != 1 || s.Cooldown != "1m0s" {
		t.Errorf("fragile = %+v", s)
	}
	if s := r.Get("sturdy").Stats(); s.Threshold != 5 {
		t.Errorf("sturdy = %+v", s)
	}
}

func TestRegistryExecuteIsolatesServices(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{Default: Config{Threshold: 1, Cooldown: time.Minute}})
	ctx := context.Background()

	r.Execute(ctx, "a", func(ctx context.Context) error { return errDownstream })

	if err := r.Execute(ctx, "a", func(ctx context.Context) error { return nil }); !errors.Is(err, model.ErrServiceUnavailable) {
		t.Errorf("a should be open, got %v", err)
	}
	if err := r.Execute(ctx, "b", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("b should be unaffected, got %v", err)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{Default: Config{Threshold: 2, Cooldown: time.Minute}})
	ctx := context.Background()

	r.Execute(ctx, "a", func(ctx context.Context) error { return errDownstream })
	r.Execute(ctx, "b", func(ctx context.Context) error { return nil })

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap["a"].FailureCount != 1 || snap["a"].LastFailureAt == nil {
		t.Errorf("a = %+v", snap["a"])
	}
	if snap["b"].SuccessCount != 1 || snap["b"].LastFailureAt != nil {
		t.Errorf("b = %+v", snap["b"])
	}
}

func TestRegistrySnapshotSurvivesBadEntry(t *testing.T) {
	r, _ := newTestRegistry(RegistryConfig{})
	r.Get("good")
	r.breakers.Store("bad", "not a breaker")

	snap := r.Snapshot()
	if snap["good"].State != StateClosed {
		t.Errorf("good = %+v", snap["good"])
	}
	if snap["bad"].Error == "" {
		t.Errorf("expected error on bad entry, got %+v", snap["bad"])
	}
}

func TestRegistryResetAll(t *testing.T) {
	r, clock := newTestRegistry(RegistryConfig{Default: Config{Threshold: 1, Cooldown: time.Minute}})
	ctx := context.Background()

	r.Execute(ctx, "open", func(ctx context.Context) error { return errDownstream })

	r.Execute(ctx, "half", func(ctx context.Context) error { return errDownstream })
	clock.Advance(time.Minute)
	probe, err := r.Allow("half")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}

	r.Execute(ctx, "busy", func(ctx context.Context) error { return nil })

	if n := r.ResetAll(); n != 3 {
		t.Errorf("ResetAll = %d, want 3", n)
	}
	probe(errDownstream)

	for name, s := range r.Snapshot() {
		if s.State != StateClosed || s.FailureCount != 0 || s.SuccessCount != 0 {
			t.Errorf("%s not reset: %+v", name, s)
		}
	}
}
