package graph

import "context"

// DAG is an immutable, reusable computation graph: the master node table
// plus the built dependency graph. Builder.Build produces it.
//
// Every Execute call works on a clone of the graph and a fresh state
// table, so a DAG can be invoked repeatedly and, setup nodes aside,
// concurrently. Setup nodes are shared by reference across invocations;
// run Setup (or the first Execute) to completion before invoking
// concurrently.
type DAG struct {
	nodes map[string]*ExecNode
	graph *DiGraph
}

// Node returns the master record for id, or nil if absent.
func (d *DAG) Node(id string) *ExecNode {
	return d.nodes[id]
}

// Len returns the number of nodes in the graph.
func (d *DAG) Len() int {
	return len(d.nodes)
}

// Execute runs one invocation and returns the final state table, from
// which results are read by node id.
//
// The invocation gets its own working graph and node table: results never
// leak between runs. Failures propagate per the configured ErrorStrategy;
// timeouts, configuration and graph errors always abort.
func (d *DAG) Execute(ctx context.Context, opts ...Option) (*State, error) {
	cfg := defaultExecConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	g := d.graph.Clone()
	state := cloneNodeTable(d.nodes)

	for id, v := range cfg.inputs {
		if err := state.SetInput(id, v); err != nil {
			return nil, err
		}
	}

	if !cfg.debugNodes {
		d.pruneDebug(g)
	}

	return Execute(ctx, ExecuteRequest{
		Nodes:          d.nodes,
		Graph:          g,
		MaxConcurrency: cfg.maxConcurrency,
		Strategy:       cfg.strategy,
		Modified:       state,
		CallID:         cfg.callID,
		Emitter:        cfg.emitter,
		Metrics:        cfg.metrics,
		Journal:        cfg.journal,
	})
}

// pruneDebug drops debug nodes from a working graph. Build guarantees
// every dependent of a debug node is itself debug, so the recursive
// removal never strands production work.
func (d *DAG) pruneDebug(g *DiGraph) {
	for id, n := range d.nodes {
		if n.Debug && g.Has(id) {
			_ = g.RemoveRecursively(id)
		}
	}
}

// Subgraph returns a DAG restricted to the given targets (node ids or
// tags) plus every transitive ancestor they need. Master records are
// shared, so setup caching keeps working through subgraph views.
func (d *DAG) Subgraph(targets ...string) (*DAG, error) {
	selected := make(map[string]struct{})
	for _, target := range targets {
		ids := d.resolveTarget(target)
		if len(ids) == 0 {
			return nil, &ConfigurationError{Message: "node or tag " + target + " not found"}
		}
		for _, id := range ids {
			selected[id] = struct{}{}
		}
	}

	// Ancestor closure: a selected node runs only if everything it
	// depends on runs too.
	stack := make([]string, 0, len(selected))
	for id := range selected {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, pred := range d.graph.Predecessors(cur) {
			if _, ok := selected[pred]; !ok {
				selected[pred] = struct{}{}
				stack = append(stack, pred)
			}
		}
	}

	nodes := make(map[string]*ExecNode, len(selected))
	g := NewDiGraph()
	for id := range selected {
		nodes[id] = d.nodes[id]
		g.AddNode(id)
	}
	for id := range selected {
		for _, succ := range d.graph.Successors(id) {
			if _, ok := selected[succ]; ok {
				_ = g.AddEdge(id, succ)
			}
		}
	}
	return &DAG{nodes: nodes, graph: g}, nil
}

// resolveTarget matches a target against node ids first, then tags.
func (d *DAG) resolveTarget(target string) []string {
	if _, ok := d.nodes[target]; ok {
		return []string{target}
	}
	var ids []string
	for id, n := range d.nodes {
		for _, tag := range n.Tags {
			if tag == target {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// Setup runs the setup nodes once, writing their results onto the shared
// master records so every later invocation short-circuits them. Call it
// from a single goroutine before any concurrent Execute calls.
//
// A setup node may only depend on setup nodes or pre-executed inputs;
// anything else is a configuration error.
func (d *DAG) Setup(ctx context.Context, opts ...Option) error {
	cfg := defaultExecConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return err
		}
	}

	g := NewDiGraph()
	for id, n := range d.nodes {
		if n.Setup || n.Executed {
			g.AddNode(id)
		}
	}
	for _, id := range g.Nodes() {
		if !d.nodes[id].Setup {
			continue
		}
		for _, pred := range d.graph.Predecessors(id) {
			p := d.nodes[pred]
			if !p.Setup && !p.Executed {
				return &ConfigurationError{
					Message: "setup node " + id + " depends on non-setup node " + pred,
				}
			}
			_ = g.AddEdge(pred, id)
		}
	}

	// Run on the master records themselves so results persist.
	_, err := Execute(ctx, ExecuteRequest{
		Nodes:          d.nodes,
		Graph:          g,
		MaxConcurrency: cfg.maxConcurrency,
		Strategy:       StrategyStrict,
		Modified:       NewState(d.nodes),
		CallID:         cfg.callID,
		Emitter:        cfg.emitter,
		Metrics:        cfg.metrics,
		Journal:        cfg.journal,
	})
	return err
}
