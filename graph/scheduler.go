package graph

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskgraph-go/graph/emit"
	"github.com/dshills/taskgraph-go/graph/store"
)

// ExecuteRequest carries everything one invocation needs. The builder
// produces Nodes and Graph; the argument-binding layer may supply a
// Modified state table with inputs already materialized.
type ExecuteRequest struct {
	// Nodes is the master node table.
	Nodes map[string]*ExecNode

	// Graph is the working graph for this invocation. Execute mutates
	// it down to empty; pass a clone if the graph is to be reused.
	Graph *DiGraph

	// MaxConcurrency bounds the worker pool. Must be positive. A bound
	// of 1 serializes every node through the pool with no special
	// path.
	MaxConcurrency int

	// Strategy selects how node failures reshape the remaining work.
	Strategy ErrorStrategy

	// Modified, when non-nil, is used as the invocation state table
	// instead of cloning Nodes.
	Modified *State

	// CallID names the invocation in events, metrics and the journal.
	// A random id is generated when empty.
	CallID string

	// Emitter receives observability events. Nil means no emission.
	Emitter emit.Emitter

	// Metrics, when non-nil, records Prometheus metrics.
	Metrics *PrometheusMetrics

	// Journal, when non-nil, records run and node outcomes. Journal
	// failures are emitted, never fatal.
	Journal store.Store
}

// Execute runs one invocation of the graph: it repeatedly selects the most
// urgent ready root, dispatches it to the bounded pool, waits for
// completions, applies the error strategy, prunes inactive subgraphs, and
// terminates when the working graph is empty. The final state table holds
// every produced result.
//
// The context is the cancellation lever: when it is cancelled the
// invocation aborts with the context's error. In-flight node functions are
// never forcibly killed: they observe the cancelled context, run to
// completion, and their results are discarded with the state table.
func Execute(ctx context.Context, req ExecuteRequest) (*State, error) {
	if req.MaxConcurrency < 1 {
		return nil, &ConfigurationError{Message: "max concurrency must be positive"}
	}
	if !req.Strategy.valid() {
		return nil, &ConfigurationError{Message: "unknown error strategy " + req.Strategy.String()}
	}
	if req.Graph == nil || req.Nodes == nil && req.Modified == nil {
		return nil, &ConfigurationError{Message: "execute requires a graph and a node table"}
	}

	s := &scheduler{
		req:     req,
		callID:  req.CallID,
		emitter: req.Emitter,
		g:       req.Graph,
		futures: make(map[string]*Future),
		launch:  make(map[string]time.Time),
	}
	if s.callID == "" {
		s.callID = uuid.NewString()
	}
	if s.emitter == nil {
		s.emitter = emit.NewNullEmitter()
	}
	if req.Modified != nil {
		s.state = req.Modified
	} else {
		s.state = cloneNodeTable(req.Nodes)
	}
	for _, id := range s.g.Nodes() {
		if s.state.Node(id) == nil {
			return nil, &ConfigurationError{Message: "graph references unknown node " + id}
		}
	}
	return s.run(ctx)
}

// scheduler is the per-invocation coordinator state. All graph mutation,
// selection and error handling happen on the calling goroutine; workers
// only run node functions.
type scheduler struct {
	req     ExecuteRequest
	callID  string
	emitter emit.Emitter

	g     *DiGraph
	state *State
	pool  *Pool

	startedAt time.Time

	// futures holds the handle of every submitted node until invocation
	// end; a handle that is done but whose node is still in the graph
	// is "completed but not yet reaped".
	futures map[string]*Future
	launch  map[string]time.Time
}

func (s *scheduler) run(ctx context.Context) (*State, error) {
	s.startedAt = time.Now()
	s.emit("run_start", "", nil)

	// Teardown order matters: the deferred cancel runs before the
	// deferred Close, so in-flight node functions see a cancelled
	// context while the pool drains.
	s.pool = NewPool(s.req.MaxConcurrency)
	defer s.pool.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Input preconditioning: nodes already executed (injected call
	// arguments, cached setup results) leave the graph before the loop.
	for _, id := range s.g.Nodes() {
		if !s.state.Node(id).Executed {
			continue
		}
		if err := s.g.Remove(id); err != nil {
			return nil, s.abort(ctx, err)
		}
		s.emit("node_skipped", id, nil)
		s.journalNode(ctx, store.NodeRecord{NodeID: id, Status: "input"})
	}

	ready := s.g.Roots()

	for s.g.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(ctx, err)
		}

		inflight := s.inflight()
		s.req.Metrics.SetInflight(inflight)
		s.req.Metrics.SetReady(len(ready))

		// Block while saturated, or while every root is already in
		// flight: a completion may surface a new, possibly more
		// urgent root.
		if inflight == s.req.MaxConcurrency || len(ready) == 0 {
			if inflight == 0 {
				return nil, s.abort(ctx, &GraphError{
					Op:      "schedule",
					Message: "no ready nodes and nothing in flight, but graph not empty",
				})
			}
			if err := s.waitForAny(ctx); err != nil {
				return nil, s.abort(ctx, err)
			}
		}

		// Reap every completed node still present: apply the error
		// strategy, then remove it so dependents can become roots.
		if err := s.reap(ctx); err != nil {
			return nil, s.abort(ctx, err)
		}

		ready = subtract(s.g.Roots(), s.futures)
		if len(ready) == 0 {
			continue
		}

		x := s.state.Node(s.pick(ready))

		// A sequential node needs an empty pool. Wait for a
		// completion and restart the loop: the finished sibling may
		// have produced a higher-priority root.
		if x.IsSequential && s.inflight() > 0 {
			if err := s.waitForAny(ctx); err != nil {
				return nil, s.abort(ctx, err)
			}
			continue
		}

		active, err := s.state.active(x)
		if err != nil {
			return nil, s.abort(ctx, err)
		}
		if !active {
			if err := s.prune(ctx, x.ID, "inactive"); err != nil {
				return nil, s.abort(ctx, err)
			}
			continue
		}

		if err := s.submit(ctx, x); err != nil {
			return nil, s.abort(ctx, err)
		}

		// Drain the pool before the next pick so the sequential node
		// runs alone.
		if x.IsSequential {
			if err := s.waitForAny(ctx); err != nil {
				return nil, s.abort(ctx, err)
			}
		}
	}

	s.emit("run_complete", "", map[string]any{
		"duration_ms": time.Since(s.startedAt).Milliseconds(),
	})
	s.journalRun(ctx, "success", "")
	return s.state, nil
}

// submit hands a node to the pool and records its handle and launch time.
func (s *scheduler) submit(ctx context.Context, x *ExecNode) error {
	state := s.state
	fut, err := s.pool.Submit(x.ID, func() (any, error) {
		v, rerr := runWithRetry(ctx, x, state)
		if rerr != nil {
			return nil, &NodeError{NodeID: x.ID, Err: rerr}
		}
		x.setResult(v)
		if x.Setup {
			// Setup records are shared across invocations; once they
			// carry a result, later invocations short-circuit them.
			x.Executed = true
		}
		return v, nil
	})
	if err != nil {
		return err
	}
	s.futures[x.ID] = fut
	s.launch[x.ID] = time.Now()
	s.emit("node_submit", x.ID, nil)
	return nil
}

// reap applies the error strategy to every completed node still in the
// graph and removes it. Under the all-children strategy the failed node's
// descendants disappear here too, and are journaled as pruned.
func (s *scheduler) reap(ctx context.Context) error {
	for _, id := range sortedKeys(s.futures) {
		fut := s.futures[id]
		if !fut.Done() || !s.g.Has(id) {
			continue
		}

		latency := time.Since(s.launch[id])
		_, nerr := fut.Await()

		status := "success"
		if nerr != nil {
			status = "error"
			s.req.Metrics.IncNodeError(s.callID, id)
		}
		s.req.Metrics.RecordNodeLatency(s.callID, id, latency, status)
		s.journalNode(ctx, store.NodeRecord{
			NodeID:     id,
			Status:     status,
			DurationMS: latency.Milliseconds(),
			Error:      renderErr(nerr),
			Result:     renderResult(s.state, id),
		})

		before := s.g.Nodes()
		if err := handleCompletion(s.req.Strategy, s.g, fut, s.callID, s.emitter); err != nil {
			return err
		}
		var pruned []string
		for _, p := range before {
			if !s.g.Has(p) {
				pruned = append(pruned, p)
			}
		}
		if len(pruned) > 0 {
			s.req.Metrics.AddPruned(s.callID, "failed_parent", len(pruned))
			for _, p := range pruned {
				s.journalNode(ctx, store.NodeRecord{NodeID: p, Status: "pruned"})
			}
		}

		if err := s.g.Remove(id); err != nil {
			return err
		}
		s.emit("node_done", id, map[string]any{
			"status":      status,
			"duration_ms": latency.Milliseconds(),
		})
	}
	return nil
}

// pick applies the selection rule: maximum priority first, maximum
// compound priority among those, stable order as the final tie-break
// (ready arrives sorted).
func (s *scheduler) pick(ready []string) string {
	best := ready[0]
	bestNode := s.state.Node(best)
	for _, id := range ready[1:] {
		n := s.state.Node(id)
		if n.Priority > bestNode.Priority ||
			(n.Priority == bestNode.Priority && n.CompoundPriority > bestNode.CompoundPriority) {
			best, bestNode = id, n
		}
	}
	return best
}

// waitForAny blocks until at least one in-flight node completes, bounded
// by the earliest per-node deadline. Zero completions within a bounded
// wait means some node overran its budget and the invocation fails.
func (s *scheduler) waitForAny(ctx context.Context) error {
	running := s.running()
	if len(running) == 0 {
		// Everything in flight completed between the caller's check
		// and here; there is nothing to wait for.
		return nil
	}
	budget, bounded := s.nextDeadline()
	done, pending, err := s.pool.waitAny(ctx, running, budget, bounded)
	if err != nil {
		return err
	}
	if len(done) == 0 && bounded {
		s.req.Metrics.IncTimeout(s.callID)
		return &TimeoutError{Pending: futureIDs(pending), Waited: budget}
	}
	return nil
}

// nextDeadline folds the per-node budgets of all in-flight, not-yet-done
// nodes into a single relative timeout: the earliest launch+timeout,
// minus now. bounded is false when no in-flight node carries a timeout.
func (s *scheduler) nextDeadline() (time.Duration, bool) {
	var earliest time.Time
	found := false
	for id, fut := range s.futures {
		if fut.Done() {
			continue
		}
		n := s.state.Node(id)
		if n.Timeout <= 0 {
			continue
		}
		deadline := s.launch[id].Add(n.Timeout)
		if !found || deadline.Before(earliest) {
			earliest = deadline
			found = true
		}
	}
	if !found {
		return 0, false
	}
	budget := time.Until(earliest)
	if budget < 0 {
		budget = 0
	}
	return budget, true
}

// prune removes a node and its transitive dependents without running them.
func (s *scheduler) prune(ctx context.Context, id, reason string) error {
	doomed := s.doomedSet(id)
	if err := s.g.RemoveRecursively(id); err != nil {
		return err
	}
	s.req.Metrics.AddPruned(s.callID, reason, len(doomed))
	for _, d := range doomed {
		s.emit("node_pruned", d, map[string]any{"reason": reason})
		s.journalNode(ctx, store.NodeRecord{NodeID: d, Status: "pruned"})
	}
	return nil
}

// doomedSet lists id and its transitive dependents still in the graph,
// sorted.
func (s *scheduler) doomedSet(id string) []string {
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, succ := range s.g.Successors(cur) {
			if _, ok := seen[succ]; !ok {
				seen[succ] = struct{}{}
				stack = append(stack, succ)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// inflight counts submitted nodes that have not completed. A submitted
// task the pool has not yet started still counts: it occupies a slot.
func (s *scheduler) inflight() int {
	n := 0
	for _, fut := range s.futures {
		if !fut.Done() {
			n++
		}
	}
	return n
}

// running returns the handles of in-flight nodes.
func (s *scheduler) running() []*Future {
	var futs []*Future
	for _, fut := range s.futures {
		if !fut.Done() {
			futs = append(futs, fut)
		}
	}
	return futs
}

// abort records the failure and returns err for propagation. The deferred
// cancel and pool Close let in-flight workers wind down.
func (s *scheduler) abort(ctx context.Context, err error) error {
	s.emit("run_error", "", map[string]any{"error": err.Error()})
	s.journalRun(ctx, "error", err.Error())
	return err
}

func (s *scheduler) emit(msg, nodeID string, meta map[string]any) {
	s.emitter.Emit(emit.Event{CallID: s.callID, NodeID: nodeID, Msg: msg, Meta: meta})
}

func (s *scheduler) journalNode(ctx context.Context, rec store.NodeRecord) {
	if s.req.Journal == nil {
		return
	}
	if err := s.req.Journal.SaveNodeResult(ctx, s.callID, rec); err != nil {
		s.emit("journal_error", rec.NodeID, map[string]any{"error": err.Error()})
	}
}

func (s *scheduler) journalRun(ctx context.Context, status, errMsg string) {
	if s.req.Journal == nil {
		return
	}
	// The run record must land even when the abort was a cancellation.
	ctx = context.WithoutCancel(ctx)
	rec := store.RunRecord{
		CallID:     s.callID,
		StartedAt:  s.startedAt,
		FinishedAt: time.Now(),
		Status:     status,
		Error:      errMsg,
	}
	if err := s.req.Journal.SaveRun(ctx, rec); err != nil {
		s.emit("journal_error", "", map[string]any{"error": err.Error()})
	}
}

func renderErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// renderResult serializes a node's value for the journal, best effort.
func renderResult(state *State, id string) string {
	v, ok := state.Result(id)
	if !ok {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func sortedKeys(m map[string]*Future) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// subtract returns the ids in roots that are not in flight, preserving
// order.
func subtract(roots []string, futures map[string]*Future) []string {
	var out []string
	for _, id := range roots {
		if _, ok := futures[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func futureIDs(futs []*Future) []string {
	ids := make([]string, 0, len(futs))
	for _, f := range futs {
		ids = append(ids, f.NodeID())
	}
	sort.Strings(ids)
	return ids
}
