package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
)

func testBreaker(threshold int) *circuitbreaker.Breaker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return circuitbreaker.NewBreaker(WebhookBreakerName, circuitbreaker.Config{Threshold: threshold, Cooldown: time.Hour}, logger)
}

func TestStoreSink(t *testing.T) {
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	sink := NewMulti(NewStoreSink(store))
	ev := model.AuditEvent{Action: model.AuditKeyCreated, KeyID: "k1", OrganizationID: "org-1", Actor: "alice"}
	if err := sink.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := store.ListAuditEvents(context.Background(), "org-1", 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 || events[0].KeyID != "k1" || events[0].ID == "" {
		t.Errorf("events = %+v", events)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Record(context.Background(), model.AuditEvent{Action: model.AuditKeyRevoked, KeyID: "k9"})

	out := buf.String()
	if !strings.Contains(out, `"action":"api_key.revoked"`) || !strings.Contains(out, `"key_id":"k9"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Record(ctx context.Context, ev model.AuditEvent) error {
	f.calls++
	return errors.New("unavailable")
}

type capturingSink struct{ events []model.AuditEvent }

func (c *capturingSink) Record(ctx context.Context, ev model.AuditEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	bad := &failingSink{}
	a, b := &capturingSink{}, &capturingSink{}
	m := NewMulti(a, nil, bad, b)

	err := m.Record(context.Background(), model.AuditEvent{Action: "x"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if bad.calls != 1 || len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every sink should be attempted: bad=%d a=%d b=%d", bad.calls, len(a.events), len(b.events))
	}
	if a.events[0].ID == "" || a.events[0].ID != b.events[0].ID {
		t.Error("sinks should observe the same event ID")
	}
	if a.events[0].At.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
}

func TestWebhookSinkSignsPayload(t *testing.T) {
	secret := "hook-secret"
	var gotBody []byte
	var gotSig, gotEvent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(signatureHeader)
		gotEvent = r.Header.Get("X-Warden-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret, time.Second, testBreaker(3))
	ev := model.AuditEvent{ID: "e1", Action: model.AuditKeyCreated, KeyID: "k1", Actor: "alice"}
	if err := sink.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if want := "sha256=" + Sign([]byte(secret), gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	if gotEvent != model.AuditKeyCreated {
		t.Errorf("X-Warden-Event = %q", gotEvent)
	}

	var decoded model.AuditEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.KeyID != "k1" || decoded.Actor != "alice" {
		t.Errorf("body = %+v", decoded)
	}
}

func TestWebhookSinkNon2xxOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := testBreaker(2)
	sink := NewWebhookSink(srv.URL, "s", time.Second, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := sink.Record(ctx, model.AuditEvent{Action: "x"}); err == nil {
			t.Fatal("expected error for 502")
		}
	}

	err := sink.Record(ctx, model.AuditEvent{Action: "x"})
	if !errors.Is(err, model.ErrServiceUnavailable) {
		t.Fatalf("expected breaker to short-circuit, got %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("receiver hit %d times, want 2", n)
	}
}
