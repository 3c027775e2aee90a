// Package audit delivers append-only audit events to the configured sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/warden/internal/model"
)

// Sink accepts audit events.
type Sink interface {
	Record(ctx context.Context, ev model.AuditEvent) error
}

// EventStore is the persistence used by StoreSink. *config.Store
// implements it.
type EventStore interface {
	AppendAuditEvent(ctx context.Context, ev *model.AuditEvent) error
}

// StoreSink appends events to the key store.
type StoreSink struct {
	store EventStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, ev model.AuditEvent) error {
	return s.store.AppendAuditEvent(ctx, &ev)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, ev model.AuditEvent) error {
	s.logger.InfoContext(ctx, "audit",
		"event_id", ev.ID,
		"action", ev.Action,
		"key_id", ev.KeyID,
		"organization_id", ev.OrganizationID,
		"actor", ev.Actor,
		"at", ev.At,
	)
	return nil
}

// Multi fans an event out to several sinks. Every sink is attempted; the
// returned error joins the individual failures.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out over sinks, skipping nil entries.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record assigns the event ID and timestamp when missing, so every sink
// sees the same values, then delivers to each sink in order.
func (m *Multi) Record(ctx context.Context, ev model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
