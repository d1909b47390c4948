// Package emit provides event emission and observability for the
// execution engine. It is the structured-logging layer: every
// control-plane and data-plane transition that gets appended to the
// Event Log is also fed through an Emitter, so the same domain Event
// doubles as a log record, a trace-span input, and a metrics sample —
// callers never format a second, log-specific payload.
package emit

import (
	"context"

	"github.com/noetl/noetl/event"
)

// Emitter receives and processes observability events produced by the
// engine as it runs.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, the buffered in-memory store.
//   - Distributed tracing: OpenTelemetry.
//   - Metrics: derived counters/histograms (see engine's Prometheus
//     wiring, which consumes events alongside an Emitter rather than
//     replacing one).
//
// Implementations should be non-blocking and safe for concurrent use:
// the Pipeline/Iteration/Step Runners may emit from many goroutines at
// once.
type Emitter interface {
	// Emit sends a single event to the configured backend. It must not
	// block the caller meaningfully and must not panic.
	Emit(ev event.Event)

	// EmitBatch sends multiple events in one operation, preserving
	// their relative order. Returns an error only for catastrophic,
	// non-recoverable failures (e.g. a misconfigured backend); partial
	// per-event failures should be handled internally.
	EmitBatch(ctx context.Context, events []event.Event) error

	// Flush blocks until every previously emitted event has reached its
	// backend (or a context deadline elapses). Safe to call more than
	// once.
	Flush(ctx context.Context) error
}

// Multi fans a single Emit/EmitBatch/Flush call out to every emitter in
// ms, continuing past per-emitter errors so one failing backend (e.g. a
// down OTel collector) never blocks the others.
type Multi []Emitter

func (ms Multi) Emit(ev event.Event) {
	for _, e := range ms {
		e.Emit(ev)
	}
}

func (ms Multi) EmitBatch(ctx context.Context, events []event.Event) error {
	var firstErr error
	for _, e := range ms {
		if err := e.EmitBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (ms Multi) Flush(ctx context.Context) error {
	var firstErr error
	for _, e := range ms {
		if err := e.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
