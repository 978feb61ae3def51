// Package audit emits security events for denied checks and
// administrative mutations. The engine only produces events; formatting
// and retention belong to the configured sink.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome values recorded on events.
const (
	OutcomeDenied   = "denied"
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Event is one audit record: who did what to which target, and how it
// ended.
type Event struct {
	ID      string         `json:"id"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Target  string         `json:"target"`
	Outcome string         `json:"outcome"`
	At      time.Time      `json:"at"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(actor, action, target, outcome string) Event {
	return Event{
		ID:      uuid.NewString(),
		Actor:   actor,
		Action:  action,
		Target:  target,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
}

// Recorder consumes audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NopRecorder discards events.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) error { return nil }

// LogRecorder writes events to a structured logger. It is the default
// sink when nothing else is configured.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder constructs a slog-backed recorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(_ context.Context, event Event) error {
	if r == nil || r.logger == nil {
		return nil
	}
	r.logger.Info("audit event",
		slog.String("id", event.ID),
		slog.String("actor", event.Actor),
		slog.String("action", event.Action),
		slog.String("target", event.Target),
		slog.String("outcome", event.Outcome),
		slog.Time("at", event.At))
	return nil
}

// PGRecorder persists events into the audit_events table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder constructs a Postgres-backed recorder.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

// Record implements Recorder.
func (r *PGRecorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.pool == nil {
		return errors.New("audit: recorder not initialised")
	}
	if event.Action == "" || event.Target == "" {
		return errors.New("audit: event requires action and target")
	}
	meta, err := json.Marshal(event.Meta)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_events (id, actor, action, target, outcome, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Actor, event.Action, event.Target, event.Outcome, meta, event.At)
	return err
}
