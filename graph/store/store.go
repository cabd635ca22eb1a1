// Package store provides optional persistence for invocation outcomes.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested call id does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the journal entry for one invocation.
type RunRecord struct {
	// CallID identifies the invocation.
	CallID string

	StartedAt  time.Time
	FinishedAt time.Time

	// Status is "success" or "error".
	Status string

	// Error holds the rendered invocation error, if any.
	Error string
}

// NodeRecord is the journal entry for one node within an invocation.
type NodeRecord struct {
	NodeID string

	// Status is "success", "error", "pruned" or "input".
	Status string

	// DurationMS is submission-to-completion wall time. Zero for nodes
	// that never ran.
	DurationMS int64

	// Error holds the rendered node error, if any.
	Error string

	// Result is a best-effort JSON rendering of the node's value.
	// Empty when the value is absent or not serializable.
	Result string
}

// Store is a journal of invocation outcomes: which runs happened, how each
// node fared, how long it took.
//
// The engine writes through a Store when one is configured, after each
// node is reaped and once at invocation end. Journal failures never fail
// the invocation; they surface through the emitter. The engine itself
// keeps no persistent state; the journal is an observer.
//
// Implementations: MemStore (tests, dashboards), SQLiteStore (embedded
// file database), MySQLStore (shared server).
type Store interface {
	// SaveRun upserts the run-level record for rec.CallID.
	SaveRun(ctx context.Context, rec RunRecord) error

	// SaveNodeResult appends one node outcome to the run's journal.
	SaveNodeResult(ctx context.Context, callID string, rec NodeRecord) error

	// LoadRun returns the run record and its node outcomes in
	// insertion order. Returns ErrNotFound for an unknown call id.
	LoadRun(ctx context.Context, callID string) (RunRecord, []NodeRecord, error)

	// Close releases backend resources.
	Close() error
}
