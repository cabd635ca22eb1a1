package emit

import (
	"context"
	"log/slog"
)

// SlogEmitter implements Emitter on top of a structured slog.Logger, for
// applications that already route their logs through slog handlers.
//
// Events map to Info-level records (Warn when meta carries an "error")
// with callID, nodeID and the meta entries as attributes.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger falls back to
// slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit logs one event.
func (s *SlogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 2+2*len(event.Meta))
	attrs = append(attrs, "callID", event.CallID)
	if event.NodeID != "" {
		attrs = append(attrs, "nodeID", event.NodeID)
	}
	level := slog.LevelInfo
	for k, v := range event.Meta {
		if k == "error" {
			level = slog.LevelWarn
		}
		attrs = append(attrs, k, v)
	}
	s.logger.Log(context.Background(), level, event.Msg, attrs...)
}

// EmitBatch logs all events in order.
func (s *SlogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		s.Emit(event)
	}
	return nil
}

// Flush is a no-op: slog handlers write through.
func (s *SlogEmitter) Flush(_ context.Context) error {
	return nil
}
