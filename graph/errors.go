// Package graph provides the core execution engine for taskgraph-go.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPoolClosed is returned when work is submitted to a pool that has been
// shut down.
var ErrPoolClosed = errors.New("worker pool closed")

// NodeError represents a failure raised by a node's user function.
//
// It is the only error kind whose propagation is controlled by the
// configured ErrorStrategy: strict re-raises it, permissive logs it and
// continues, all-children prunes the failed node's descendants.
type NodeError struct {
	// NodeID identifies the node whose function failed.
	NodeID string

	// Err is the underlying error returned (or recovered) from the
	// node function.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return "node " + e.NodeID + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a blocking wait elapses without a single
// node completing. At that point at least one in-flight node has provably
// overrun its own wall-clock budget.
type TimeoutError struct {
	// Pending lists the node ids that were still in flight when the
	// wait gave up.
	Pending []string

	// Waited is the budget the scheduler waited before aborting.
	Waited time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: nodes [%s] still pending after %v",
		strings.Join(e.Pending, ", "), e.Waited)
}

// ConfigurationError indicates a programmer error in how the engine was
// configured: an unknown error strategy, a non-positive concurrency bound,
// a dangling activation reference, or an invalid graph declaration.
type ConfigurationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Message
}

// GraphError indicates a violated precondition on the working graph, such
// as removing a node that is not present. It always aborts the invocation.
type GraphError struct {
	// Op is the graph operation that failed (e.g. "remove").
	Op string

	// NodeID is the node the operation targeted, if any.
	NodeID string

	Message string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("graph: %s %q: %s", e.Op, e.NodeID, e.Message)
	}
	return fmt.Sprintf("graph: %s: %s", e.Op, e.Message)
}
