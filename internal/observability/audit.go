package observability

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/conductor/internal/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent records a human-in-the-loop decision or a session recovery.
// Audit events are kept apart from the application log so they can be
// retained longer.
type AuditEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"` // "permission:allow", "diff:reject", "respawn"
	Status    string                 `json:"status"` // "success" or "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"-"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

var audit atomic.Pointer[AuditLogger]

// GetAuditLogger returns the process audit logger. Until InitAuditLogger or
// SetAuditWriter runs, events are dropped.
func GetAuditLogger() *AuditLogger {
	if a := audit.Load(); a != nil {
		return a
	}
	audit.CompareAndSwap(nil, &AuditLogger{out: zerolog.Nop()})
	return audit.Load()
}

// InitAuditLogger sends audit events to path, rotated with the same size
// and age limits as the application log.
func InitAuditLogger(path string, maxSizeMB, maxAgeDays int) error {
	w, err := logger.NewRotatingWriter(path, maxSizeMB, maxAgeDays, false)
	if err != nil {
		return err
	}
	install(&AuditLogger{out: zerolog.New(w), closer: w})
	return nil
}

// SetAuditWriter sends audit events to w.
func SetAuditWriter(w io.Writer) {
	install(&AuditLogger{out: zerolog.New(w)})
}

func install(a *AuditLogger) {
	if prev := audit.Swap(a); prev != nil {
		_ = prev.Close()
	}
}

// Record writes event and, when ctx carries a recording span, attaches it
// to the span as an event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		trace.SpanFromContext(ctx).AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.session_id", event.SessionID),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.out.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("session_id", event.SessionID).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		e = e.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Send()
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

// RecordApprovalAudit records the resolution of a permission or diff
// request. forwarded is false when the worker could not be told.
func RecordApprovalAudit(ctx context.Context, gate, sessionID, decision string, forwarded bool, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:      "approval",
		SessionID: sessionID,
		Action:    gate + ":" + decision,
		Status:    status(forwarded),
		Metadata:  metadata,
	})
}

// RecordRecoveryAudit records a dead-session respawn attempt.
func RecordRecoveryAudit(ctx context.Context, sessionID string, ok bool, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:      "recovery",
		SessionID: sessionID,
		Action:    "respawn",
		Status:    status(ok),
		Metadata:  metadata,
	})
}
