// Package emit provides event emission and observability for graph
// execution.
package emit

import "context"

// Emitter receives observability events from invocations.
//
// Emitters enable pluggable backends: logging (LogEmitter, SlogEmitter),
// distributed tracing (OTelEmitter), in-memory capture for tests and
// dashboards (BufferedEmitter), or nothing at all (NullEmitter).
//
// Implementations must be safe for concurrent use and must not block the
// scheduler: buffer, drop with internal logging, or hand off
// asynchronously. Emit must not panic.
type Emitter interface {
	// Emit sends one event to the backend.
	Emit(event Event)

	// EmitBatch sends multiple events in order. Batching amortizes
	// backend round-trips; individual event failures are logged, not
	// returned. An error indicates a catastrophic backend failure.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or the context
	// expires. Call before shutdown to avoid losing events. Safe to
	// call repeatedly.
	Flush(ctx context.Context) error
}
