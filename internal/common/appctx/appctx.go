// Package appctx provides context utilities: trace/span carriage across
// process boundaries and detached contexts for background operations.
package appctx

import (
	"context"
	"time"
)

type traceKey struct{}
type workflowIDKey struct{}
type requestIDKey struct{}

// Trace identifies the distributed-tracing position of the current operation.
// TraceID spans a workflow's entire lifetime; SpanID identifies the current
// unit of work.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// WithTrace returns a context carrying the given trace identifiers.
// Message-bus handlers call this to restore the trace from an envelope
// before invoking any user code.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, tr)
}

// TraceFrom extracts the trace identifiers from ctx, if present.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(traceKey{}).(Trace)
	return tr, ok && tr.TraceID != ""
}

// WithWorkflowID returns a context carrying the workflow identifier.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey{}, workflowID)
}

// WorkflowIDFrom extracts the workflow identifier from ctx, if present.
func WorkflowIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workflowIDKey{}).(string)
	return id, ok && id != ""
}

// WithRequestID returns a context carrying the HTTP request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom extracts the HTTP request identifier from ctx, if present.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its trace values. Use this for operations that must outlive the
// request (e.g. publishing a lifecycle event after the HTTP response is sent).
// The returned context is cancelled when the stop channel is closed or the
// timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	if tr, ok := TraceFrom(parent); ok {
		ctx = WithTrace(ctx, tr)
	}
	if id, ok := WorkflowIDFrom(parent); ok {
		ctx = WithWorkflowID(ctx, id)
	}

	// Propagate cancellation from stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
