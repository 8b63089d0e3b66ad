package logger

import (
	"context"
)

// Standard field keys used across the runtime so log output stays greppable.
const (
	KeyFederate = "federate"
	KeyAction   = "action"
	KeyRoute    = "route"
	KeyTime     = "time"
	KeyTraceID  = "trace_id"
	KeySpanID   = "span_id"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds federation-scoped logging context carried through the
// dispatch path.
type LogContext struct {
	TraceID  string // OpenTelemetry trace ID
	SpanID   string // OpenTelemetry span ID
	Federate string // federate name
	Route    string // transport route the message arrived on
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// appendContextFields prepends LogContext fields so they appear first in
// output.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	ctxArgs := make([]any, 0, 8+len(args))
	if lc.TraceID != "" {
		ctxArgs = append(ctxArgs, KeyTraceID, lc.TraceID)
	}
	if lc.SpanID != "" {
		ctxArgs = append(ctxArgs, KeySpanID, lc.SpanID)
	}
	if lc.Federate != "" {
		ctxArgs = append(ctxArgs, KeyFederate, lc.Federate)
	}
	if lc.Route != "" {
		ctxArgs = append(ctxArgs, KeyRoute, lc.Route)
	}
	return append(ctxArgs, args...)
}
