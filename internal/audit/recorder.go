// Package audit records an append-only trail of authorization changes.
package audit

import (
	"context"
	"log/slog"

	"github.com/gatehouse-io/gatehouse/internal/events"
)

// Entry is one audit record derived from an engine event.
type Entry struct {
	EventID       string
	Kind          string
	OrgID         int64
	RoleID        int64
	UserID        int64
	ActorID       int64
	AffectedUsers int64
	CorrelationID string
	OccurredAt    string
}

// Sink persists audit entries. Implementations must tolerate duplicate
// entries; events from peers arrive at least once.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Recorder turns engine events into audit entries.
type Recorder struct {
	sink Sink
}

// NewRecorder constructs a Recorder over the given sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Handle is the event bus subscription point.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Record(ctx, Entry{
		EventID:       ev.ID,
		Kind:          string(ev.Kind),
		OrgID:         ev.OrgID,
		RoleID:        ev.RoleID,
		UserID:        ev.UserID,
		ActorID:       ev.ActorID,
		AffectedUsers: ev.AffectedUsers,
		CorrelationID: ev.CorrelationID,
		OccurredAt:    ev.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// LogSink writes audit entries as structured log lines. It is the default
// sink; deployments that need queryable audit storage swap in their own.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(ctx context.Context, entry Entry) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		slog.String("event_id", entry.EventID),
		slog.String("kind", entry.Kind),
		slog.Int64("org_id", entry.OrgID),
		slog.Int64("role_id", entry.RoleID),
		slog.Int64("user_id", entry.UserID),
		slog.Int64("actor_id", entry.ActorID),
		slog.Int64("affected_users", entry.AffectedUsers),
		slog.String("correlation_id", entry.CorrelationID),
		slog.String("occurred_at", entry.OccurredAt))
}
