package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one client session or
// bus reader goroutine.
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	SessionID  string    // Client Session identifier
	ClientAddr string    // Remote TCP address of the client, if any
	Bus        int       // Bus index this log line concerns, -1 if none
	BusName    string    // Underlying interface name, if any
	StartTime  time.Time // For duration calculation
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

// NewLogContext creates a new LogContext for a client session at clientAddr.
func NewLogContext(clientAddr string) *LogContext {
	return &LogContext{
		ClientAddr: clientAddr,
		Bus:        -1,
		StartTime:  time.Now(),
	}
}

// NewBusLogContext creates a new LogContext for a bus reader goroutine.
func NewBusLogContext(bus int, busName string) *LogContext {
	return &LogContext{
		Bus:       bus,
		BusName:   busName,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:    lc.TraceID,
		SpanID:     lc.SpanID,
		SessionID:  lc.SessionID,
		ClientAddr: lc.ClientAddr,
		Bus:        lc.Bus,
		BusName:    lc.BusName,
		StartTime:  lc.StartTime,
	}
}

// WithSessionID returns a copy with the session ID set
func (lc *LogContext) WithSessionID(id string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SessionID = id
	}
	return clone
}

// WithBus returns a copy with the bus index and name set
func (lc *LogContext) WithBus(bus int, name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Bus = bus
		clone.BusName = name
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
