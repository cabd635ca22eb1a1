package graph

// State is the per-invocation node table: the only structure shared
// between the coordinator and the workers.
//
// Each worker reads the result slots of already-reaped dependencies
// (immutable once set) and writes exactly one slot, its own node's. No
// other worker touches that slot until the node has been reaped and a
// dependent is submitted, so no locking is needed beyond the
// happens-before edges of the submit/complete boundary.
type State struct {
	nodes map[string]*ExecNode
}

// NewState wraps an existing node table without copying it. The
// argument-binding layer uses this to pass a pre-built, modified table
// into an invocation.
func NewState(nodes map[string]*ExecNode) *State {
	return &State{nodes: nodes}
}

// cloneNodeTable builds a fresh invocation table from the master table:
// setup nodes are shared by reference so their results persist across
// invocations, every other node is shallow-copied with an empty result
// slot, except pre-executed nodes, which keep their preset value.
func cloneNodeTable(master map[string]*ExecNode) *State {
	nodes := make(map[string]*ExecNode, len(master))
	for id, n := range master {
		if n.Setup {
			nodes[id] = n
		} else {
			nodes[id] = n.clone()
		}
	}
	return &State{nodes: nodes}
}

// Node returns the record for id, or nil if absent.
func (s *State) Node(id string) *ExecNode {
	return s.nodes[id]
}

// Result returns the result of node id. ok is false when the node is
// unknown or has not produced a value, which a dependent will observe
// under the permissive strategy when that dependency failed.
func (s *State) Result(id string) (any, bool) {
	n := s.nodes[id]
	if n == nil {
		return nil, false
	}
	return n.Result()
}

// SetInput marks node id as pre-executed with the given value, so the
// scheduler skips it and dependents read the value as its result.
func (s *State) SetInput(id string, v any) error {
	n := s.nodes[id]
	if n == nil {
		return &ConfigurationError{Message: "input for unknown node " + id}
	}
	n.SetResult(v)
	return nil
}

// Len returns the number of entries in the table.
func (s *State) Len() int {
	return len(s.nodes)
}

// active evaluates a node's activation against the table. A reference to
// an unknown node is a configuration error.
func (s *State) active(n *ExecNode) (bool, error) {
	if n.Active.Ref == "" {
		return n.Active.Literal, nil
	}
	gate := s.nodes[n.Active.Ref]
	if gate == nil {
		return false, &ConfigurationError{
			Message: "node " + n.ID + " activation references unknown node " + n.Active.Ref,
		}
	}
	v, ok := gate.Result()
	if !ok {
		return false, nil
	}
	return truthy(v), nil
}

// truthy applies the activation truthiness rule to a gate result.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
