// Package tracing carries request correlation ids through contexts, onto
// zerolog loggers and into OpenTelemetry spans.
//
// Three ids are tracked. A trace id identifies one inbound request or
// background job. A run id identifies one prompt turn. A session id names
// the orchestrated session the work belongs to.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// Correlation is the set of ids attached to a context. Empty fields are
// unset.
type Correlation struct {
	TraceID   string
	RunID     string
	SessionID string
}

func (c Correlation) attach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the ids carried by ctx.
func FromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	c, _ := ctx.Value(ctxKey{}).(Correlation)
	return c
}

// NewTraceID returns a random id suitable for TraceID or RunID.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.TraceID = id
	return c.attach(ctx)
}

func WithRunID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.RunID = id
	return c.attach(ctx)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.SessionID = id
	return c.attach(ctx)
}

func GetTraceID(ctx context.Context) string   { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string     { return FromContext(ctx).RunID }
func GetSessionID(ctx context.Context) string { return FromContext(ctx).SessionID }

// NewRunContext marks the start of a prompt turn in sessionID: it assigns a
// fresh run id and a trace id if ctx has none.
func NewRunContext(ctx context.Context, sessionID string) context.Context {
	c := FromContext(ctx)
	if c.TraceID == "" {
		c.TraceID = NewTraceID()
	}
	c.RunID = NewTraceID()
	c.SessionID = sessionID
	return c.attach(ctx)
}

// Detach returns a background context with the same ids as ctx but none of
// its deadline or cancellation. Queued work uses it to outlive the caller.
func Detach(ctx context.Context) context.Context {
	return FromContext(ctx).attach(context.Background())
}

// LoggerFromContext returns base with the non-empty ids of ctx added as
// trace_id, run_id and session_id fields.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	c := FromContext(ctx)
	if c == (Correlation{}) {
		return base
	}
	lc := base.With()
	if c.TraceID != "" {
		lc = lc.Str("trace_id", c.TraceID)
	}
	if c.RunID != "" {
		lc = lc.Str("run_id", c.RunID)
	}
	if c.SessionID != "" {
		lc = lc.Str("session_id", c.SessionID)
	}
	return lc.Logger()
}
