package audit

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	event := NewEvent("alice", "authz.role.create", "editor", OutcomeApplied)
	require.NotEmpty(t, event.ID)
	require.Equal(t, "alice", event.Actor)
	require.Equal(t, "authz.role.create", event.Action)
	require.Equal(t, "editor", event.Target)
	require.Equal(t, OutcomeApplied, event.Outcome)
	require.False(t, event.At.IsZero())

	other := NewEvent("alice", "authz.role.create", "editor", OutcomeApplied)
	require.NotEqual(t, event.ID, other.ID)
}

func TestNopRecorder(t *testing.T) {
	require.NoError(t, NopRecorder{}.Record(context.Background(), Event{}))
}

func TestLogRecorder(t *testing.T) {
	recorder := NewLogRecorder(slog.Default())
	require.NoError(t, recorder.Record(context.Background(), NewEvent("a", "b", "c", OutcomeDenied)))

	var nilRecorder *LogRecorder
	require.NoError(t, nilRecorder.Record(context.Background(), Event{}))
}

func TestPGRecorderRequiresPool(t *testing.T) {
	var recorder *PGRecorder
	require.Error(t, recorder.Record(context.Background(), NewEvent("a", "b", "c", OutcomeDenied)))
}
