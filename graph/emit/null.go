package emit

import "context"

// NullEmitter implements Emitter by discarding all events. It is the
// default when no emitter is configured: zero overhead, safe for
// concurrent use.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// EmitBatch discards the events.
func (n *NullEmitter) EmitBatch(context.Context, []Event) error {
	return nil
}

// Flush does nothing.
func (n *NullEmitter) Flush(context.Context) error {
	return nil
}
