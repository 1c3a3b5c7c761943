package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Trace is a lightweight span recorded as structured log lines. Every line
// carries the trace id, so the lifecycle of one proposal or election round can
// be grepped out of the logs of every instance that touched it.
type Trace struct {
	logger  *Logger
	name    string
	traceID string
	start   time.Time
}

// StartTrace opens a span named name. The trace id is taken from ctx when the
// request already carries one, otherwise a new id is generated and returned in
// the derived context.
func StartTrace(ctx context.Context, name string, fields ...interface{}) (context.Context, *Trace) {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.New().String()
		ctx = WithTraceID(ctx, traceID)
	}

	t := &Trace{
		logger:  FromContext(ctx).With(append([]interface{}{"trace_id", traceID, "span", name}, fields...)...),
		name:    name,
		traceID: traceID,
		start:   time.Now(),
	}
	t.logger.Debug("Span started")
	return ctx, t
}

// ID returns the trace id
func (t *Trace) ID() string {
	return t.traceID
}

// AddEvent records a named point inside the span
func (t *Trace) AddEvent(name string, fields ...interface{}) {
	t.logger.Debug("Span event", append([]interface{}{"event", name}, fields...)...)
}

// End closes the span, logging at warn level when err is non-nil
func (t *Trace) End(err error) {
	elapsed := time.Since(t.start)
	if err != nil {
		t.logger.Warn("Span failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return
	}
	t.logger.Debug("Span finished", "duration_ms", elapsed.Milliseconds())
}
