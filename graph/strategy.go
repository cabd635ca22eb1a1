package graph

import (
	"fmt"

	"github.com/dshills/taskgraph-go/graph/emit"
)

// ErrorStrategy selects how a node failure reshapes the remaining work.
type ErrorStrategy int

const (
	// StrategyStrict aborts the invocation on the first node failure,
	// returning that node's *NodeError.
	StrategyStrict ErrorStrategy = iota

	// StrategyPermissive logs the failure and carries on. The failed
	// node is still reaped, so its dependents run and observe a
	// missing result for that dependency; callers opting into this
	// strategy are responsible for tolerating absent inputs.
	StrategyPermissive

	// StrategyAllChildren prunes every transitive dependent of the
	// failed node from the working graph, then reaps the node itself.
	// Unrelated subgraphs keep running.
	StrategyAllChildren
)

// String implements fmt.Stringer.
func (s ErrorStrategy) String() string {
	switch s {
	case StrategyStrict:
		return "strict"
	case StrategyPermissive:
		return "permissive"
	case StrategyAllChildren:
		return "all-children"
	default:
		return fmt.Sprintf("ErrorStrategy(%d)", int(s))
	}
}

// valid reports whether s is a known strategy.
func (s ErrorStrategy) valid() bool {
	switch s {
	case StrategyStrict, StrategyPermissive, StrategyAllChildren:
		return true
	}
	return false
}

// handleCompletion applies the error strategy to a completed handle. The
// caller removes the node from the working graph afterwards regardless of
// outcome. A non-nil return aborts the invocation.
func handleCompletion(strategy ErrorStrategy, g *DiGraph, fut *Future, callID string, emitter emit.Emitter) error {
	_, err := fut.Await()
	if err == nil {
		return nil
	}

	switch strategy {
	case StrategyStrict:
		return err

	case StrategyPermissive:
		emitter.Emit(emit.Event{
			CallID: callID,
			NodeID: fut.NodeID(),
			Msg:    "node_error_ignored",
			Meta:   map[string]any{"error": err.Error()},
		})
		return nil

	case StrategyAllChildren:
		emitter.Emit(emit.Event{
			CallID: callID,
			NodeID: fut.NodeID(),
			Msg:    "node_error_prune_children",
			Meta:   map[string]any{"error": err.Error()},
		})
		// The node itself is removed by the reap step; only its
		// dependents are pruned here.
		for _, succ := range g.Successors(fut.NodeID()) {
			if g.Has(succ) {
				if rerr := g.RemoveRecursively(succ); rerr != nil {
					return rerr
				}
			}
		}
		return nil

	default:
		return &ConfigurationError{Message: "unknown error strategy " + strategy.String()}
	}
}
