package graph_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/taskgraph-go/graph"
)

// sleeper returns a node function that sleeps for d (observing ctx) and
// returns its node id.
func sleeper(id string, d time.Duration) graph.RunFunc {
	return func(ctx context.Context, _ *graph.State) (any, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return id, nil
	}
}

// recorder appends node ids in submission-completion order.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *recorder) node(id string) graph.RunFunc {
	return func(context.Context, *graph.State) (any, error) {
		r.add(id)
		return id, nil
	}
}

func mustBuild(t *testing.T, b *graph.Builder) *graph.DAG {
	t.Helper()
	d, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	return d
}

func addNode(t *testing.T, b *graph.Builder, n *graph.ExecNode) {
	t.Helper()
	if err := b.AddNode(n); err != nil {
		t.Fatalf("AddNode(%s) failed: %v", n.ID, err)
	}
}

func addEdge(t *testing.T, b *graph.Builder, from, to string) {
	t.Helper()
	if err := b.AddEdge(from, to); err != nil {
		t.Fatalf("AddEdge(%s, %s) failed: %v", from, to, err)
	}
}

func TestFanInTiming(t *testing.T) {
	// a and b each sleep 100ms, c depends on both. With two workers the
	// sleeps overlap and the whole run stays well under three sleeps.
	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", sleeper("a", 100*time.Millisecond)))
	addNode(t, b, graph.NewExecNode("b", sleeper("b", 100*time.Millisecond)))
	addNode(t, b, graph.NewExecNode("c", sleeper("c", 10*time.Millisecond)))
	addEdge(t, b, "a", "c")
	addEdge(t, b, "b", "c")
	d := mustBuild(t, b)

	start := time.Now()
	state, err := d.Execute(context.Background(), graph.WithMaxConcurrency(2))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 250*time.Millisecond {
		t.Errorf("expected parallel dispatch under 250ms, took %v", elapsed)
	}
	if v, ok := state.Result("c"); !ok || v != "c" {
		t.Errorf("c result = %v, %v; want \"c\", true", v, ok)
	}
}

func TestSequentialSerialization(t *testing.T) {
	var inflight, maxSeen atomic.Int32
	tracked := func(id string, d time.Duration) graph.RunFunc {
		return func(context.Context, *graph.State) (any, error) {
			cur := inflight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(d)
			inflight.Add(-1)
			return id, nil
		}
	}

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", tracked("a", 100*time.Millisecond)))
	seq := graph.NewExecNode("b", tracked("b", 100*time.Millisecond))
	seq.IsSequential = true
	addNode(t, b, seq)
	addNode(t, b, graph.NewExecNode("c", tracked("c", 100*time.Millisecond)))
	addEdge(t, b, "a", "c")
	addEdge(t, b, "b", "c")
	d := mustBuild(t, b)

	start := time.Now()
	if _, err := d.Execute(context.Background(), graph.WithMaxConcurrency(2)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("sequential node should serialize the run to >= 300ms, took %v", elapsed)
	}
	if got := maxSeen.Load(); got > 1 {
		t.Errorf("observed %d nodes in flight while a sequential node was scheduled, want 1", got)
	}
}

func TestTimeoutTrip(t *testing.T) {
	b := graph.NewBuilder()
	slow := graph.NewExecNode("slow", sleeper("slow", 500*time.Millisecond))
	slow.Timeout = 50 * time.Millisecond
	addNode(t, b, slow)
	d := mustBuild(t, b)

	_, err := d.Execute(context.Background(), graph.WithMaxConcurrency(2))
	var te *graph.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Execute() error = %v, want *TimeoutError", err)
	}
	if len(te.Pending) != 1 || te.Pending[0] != "slow" {
		t.Errorf("TimeoutError.Pending = %v, want [slow]", te.Pending)
	}
}

func TestTimeoutNotTrippedByFastSibling(t *testing.T) {
	// A node with a generous budget must not be failed just because the
	// wait was woken by a sibling finishing first.
	b := graph.NewBuilder()
	budgeted := graph.NewExecNode("budgeted", sleeper("budgeted", 30*time.Millisecond))
	budgeted.Timeout = time.Second
	addNode(t, b, budgeted)
	addNode(t, b, graph.NewExecNode("quick", sleeper("quick", 5*time.Millisecond)))
	d := mustBuild(t, b)

	if _, err := d.Execute(context.Background(), graph.WithMaxConcurrency(2)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
}

func TestStrictErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", rec.node("a")))
	addNode(t, b, graph.NewExecNode("b", func(context.Context, *graph.State) (any, error) {
		return nil, boom
	}))
	addNode(t, b, graph.NewExecNode("c", rec.node("c")))
	addEdge(t, b, "a", "b")
	addEdge(t, b, "b", "c")
	d := mustBuild(t, b)

	_, err := d.Execute(context.Background(), graph.WithErrorStrategy(graph.StrategyStrict))
	var ne *graph.NodeError
	if !errors.As(err, &ne) {
		t.Fatalf("Execute() error = %v, want *NodeError", err)
	}
	if ne.NodeID != "b" {
		t.Errorf("NodeError.NodeID = %q, want \"b\"", ne.NodeID)
	}
	if !errors.Is(err, boom) {
		t.Errorf("errors.Is(err, boom) = false, want the cause to unwrap")
	}
	for _, ran := range rec.get() {
		if ran == "c" {
			t.Error("c ran despite its dependency failing under strict")
		}
	}
}

func TestAllChildrenPrunesDescendants(t *testing.T) {
	rec := &recorder{}

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", rec.node("a")))
	addNode(t, b, graph.NewExecNode("b", func(context.Context, *graph.State) (any, error) {
		return nil, errors.New("boom")
	}))
	addNode(t, b, graph.NewExecNode("c", rec.node("c")))
	addEdge(t, b, "a", "b")
	addEdge(t, b, "b", "c")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background(), graph.WithErrorStrategy(graph.StrategyAllChildren))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if v, ok := state.Result("a"); !ok || v != "a" {
		t.Errorf("a result = %v, %v; want \"a\", true", v, ok)
	}
	if _, ok := state.Result("c"); ok {
		t.Error("c has a result despite being pruned by its parent's failure")
	}
	for _, ran := range rec.get() {
		if ran == "c" {
			t.Error("c ran despite all-children pruning")
		}
	}
}

func TestPermissiveContinuesWithMissingResult(t *testing.T) {
	var sawMissing atomic.Bool

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("b", func(context.Context, *graph.State) (any, error) {
		return nil, errors.New("boom")
	}))
	addNode(t, b, graph.NewExecNode("c", func(_ context.Context, state *graph.State) (any, error) {
		_, ok := state.Result("b")
		sawMissing.Store(!ok)
		return "c", nil
	}))
	addEdge(t, b, "b", "c")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background(), graph.WithErrorStrategy(graph.StrategyPermissive))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if v, ok := state.Result("c"); !ok || v != "c" {
		t.Errorf("c result = %v, %v; want \"c\", true", v, ok)
	}
	if !sawMissing.Load() {
		t.Error("dependent of failed node should observe a missing result")
	}
}

func TestConditionalGatePrunesSubgraph(t *testing.T) {
	rec := &recorder{}

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("g", func(context.Context, *graph.State) (any, error) {
		return false, nil
	}))
	x := graph.NewExecNode("x", rec.node("x"))
	x.Active = graph.IfNode("g")
	addNode(t, b, x)
	addNode(t, b, graph.NewExecNode("y", rec.node("y")))
	addNode(t, b, graph.NewExecNode("sibling", rec.node("sibling")))
	addEdge(t, b, "g", "x")
	addEdge(t, b, "x", "y")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	for _, ran := range rec.get() {
		if ran == "x" || ran == "y" {
			t.Errorf("%s ran despite its gate returning false", ran)
		}
	}
	if v, ok := state.Result("sibling"); !ok || v != "sibling" {
		t.Errorf("sibling result = %v, %v; want \"sibling\", true", v, ok)
	}
}

func TestConditionalGateTruthyRuns(t *testing.T) {
	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("g", func(context.Context, *graph.State) (any, error) {
		return 1, nil
	}))
	x := graph.NewExecNode("x", func(context.Context, *graph.State) (any, error) {
		return "ran", nil
	})
	x.Active = graph.IfNode("g")
	addNode(t, b, x)
	addEdge(t, b, "g", "x")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if v, ok := state.Result("x"); !ok || v != "ran" {
		t.Errorf("x result = %v, %v; want \"ran\", true", v, ok)
	}
}

func TestPriorityPreemption(t *testing.T) {
	rec := &recorder{}

	b := graph.NewBuilder()
	low1 := graph.NewExecNode("low1", rec.node("low1"))
	low1.Priority = 1
	low2 := graph.NewExecNode("low2", rec.node("low2"))
	low2.Priority = 1
	high := graph.NewExecNode("high", rec.node("high"))
	high.Priority = 10
	addNode(t, b, low1)
	addNode(t, b, low2)
	addNode(t, b, high)
	d := mustBuild(t, b)

	if _, err := d.Execute(context.Background(), graph.WithMaxConcurrency(1)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	order := rec.get()
	if len(order) != 3 || order[0] != "high" {
		t.Errorf("execution order = %v, want the priority-10 node first", order)
	}
}

func TestCompoundPriorityBreaksTies(t *testing.T) {
	rec := &recorder{}

	// plain and feeder share priority 1, but feeder unlocks a heavy
	// descendant, so its compound priority is larger and it goes first.
	b := graph.NewBuilder()
	plain := graph.NewExecNode("plain", rec.node("plain"))
	plain.Priority = 1
	feeder := graph.NewExecNode("feeder", rec.node("feeder"))
	feeder.Priority = 1
	heavy := graph.NewExecNode("heavy", rec.node("heavy"))
	heavy.Priority = 5
	addNode(t, b, plain)
	addNode(t, b, feeder)
	addNode(t, b, heavy)
	addEdge(t, b, "feeder", "heavy")
	d := mustBuild(t, b)

	if _, err := d.Execute(context.Background(), graph.WithMaxConcurrency(1)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	order := rec.get()
	if len(order) != 3 || order[0] != "feeder" {
		t.Errorf("execution order = %v, want feeder first on compound priority", order)
	}
}

func TestTopologicalOrder(t *testing.T) {
	// a feeds b and c, d joins them: d computes from its dependencies'
	// results, so a wrong order shows up as a wrong value.
	add := func(deps ...string) graph.RunFunc {
		return func(_ context.Context, state *graph.State) (any, error) {
			sum := 1
			for _, dep := range deps {
				v, ok := state.Result(dep)
				if !ok {
					return nil, errors.New("dependency " + dep + " has no result")
				}
				sum += v.(int)
			}
			return sum, nil
		}
	}

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", add()))
	addNode(t, b, graph.NewExecNode("b", add("a")))
	addNode(t, b, graph.NewExecNode("c", add("a")))
	addNode(t, b, graph.NewExecNode("d", add("b", "c")))
	addEdge(t, b, "a", "b")
	addEdge(t, b, "a", "c")
	addEdge(t, b, "b", "d")
	addEdge(t, b, "c", "d")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background(), graph.WithMaxConcurrency(4))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	// a=1, b=c=2, d=1+2+2=5.
	if v, _ := state.Result("d"); v != 5 {
		t.Errorf("d result = %v, want 5", v)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var inflight, maxSeen atomic.Int32

	b := graph.NewBuilder()
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		addNode(t, b, graph.NewExecNode(id, func(context.Context, *graph.State) (any, error) {
			cur := inflight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return nil, nil
		}))
	}
	d := mustBuild(t, b)

	if _, err := d.Execute(context.Background(), graph.WithMaxConcurrency(2)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if got := maxSeen.Load(); got > 2 {
		t.Errorf("observed %d nodes in flight, want at most 2", got)
	}
}

func TestInputShortCircuit(t *testing.T) {
	var calls atomic.Int32

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("arg", func(context.Context, *graph.State) (any, error) {
		calls.Add(1)
		return nil, errors.New("input node must not run")
	}))
	addNode(t, b, graph.NewExecNode("use", func(_ context.Context, state *graph.State) (any, error) {
		v, _ := state.Result("arg")
		return v.(int) * 2, nil
	}))
	addEdge(t, b, "arg", "use")
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background(), graph.WithInput("arg", 21))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("pre-executed input node was submitted")
	}
	if v, _ := state.Result("use"); v != 42 {
		t.Errorf("use result = %v, want 42", v)
	}
}

func TestIdempotentReuse(t *testing.T) {
	arg := graph.NewExecNode("in", nil)
	arg.Executed = true

	b := graph.NewBuilder()
	addNode(t, b, arg)
	addNode(t, b, graph.NewExecNode("double", func(_ context.Context, state *graph.State) (any, error) {
		v, _ := state.Result("in")
		return v.(int) * 2, nil
	}))
	addEdge(t, b, "in", "double")
	d := mustBuild(t, b)

	first, err := d.Execute(context.Background(), graph.WithInput("in", 3))
	if err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	second, err := d.Execute(context.Background(), graph.WithInput("in", 10))
	if err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}
	if v, _ := first.Result("double"); v != 6 {
		t.Errorf("first run result = %v, want 6", v)
	}
	if v, _ := second.Result("double"); v != 20 {
		t.Errorf("second run result = %v, want 20", v)
	}
	// The master table never sees invocation results.
	if _, ok := d.Node("double").Result(); ok {
		t.Error("master record leaked a per-invocation result")
	}
}

func TestExecuteEmptyGraph(t *testing.T) {
	d := mustBuild(t, graph.NewBuilder())
	state, err := d.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if state.Len() != 0 {
		t.Errorf("state.Len() = %d, want 0", state.Len())
	}
}

func TestContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("slow", sleeper("slow", time.Second)))
	addNode(t, b, graph.NewExecNode("after", func(context.Context, *graph.State) (any, error) {
		return nil, nil
	}))
	addEdge(t, b, "slow", "after")
	d := mustBuild(t, b)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := d.Execute(ctx, graph.WithMaxConcurrency(2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	// The in-flight sleeper observes the cancelled context, so the
	// invocation winds down long before its nominal second.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("abort took %v, want a prompt wind-down", elapsed)
	}
}

func TestConfigurationErrors(t *testing.T) {
	b := graph.NewBuilder()
	addNode(t, b, graph.NewExecNode("a", func(context.Context, *graph.State) (any, error) {
		return nil, nil
	}))
	d := mustBuild(t, b)

	t.Run("non-positive concurrency", func(t *testing.T) {
		_, err := d.Execute(context.Background(), graph.WithMaxConcurrency(0))
		var ce *graph.ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("error = %v, want *ConfigurationError", err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := d.Execute(context.Background(), graph.WithErrorStrategy(graph.ErrorStrategy(42)))
		var ce *graph.ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("error = %v, want *ConfigurationError", err)
		}
	})

	t.Run("input for unknown node", func(t *testing.T) {
		_, err := d.Execute(context.Background(), graph.WithInput("ghost", 1))
		var ce *graph.ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("error = %v, want *ConfigurationError", err)
		}
	})
}

func TestCyclicWorkingGraphFails(t *testing.T) {
	// Builder rejects cycles, but Execute can be handed a raw DiGraph.
	// The scheduler must detect the wedge instead of spinning.
	g := graph.NewDiGraph()
	g.AddNode("a")
	g.AddNode("b")
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if err := g.AddEdge("b", "a"); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	nodes := map[string]*graph.ExecNode{
		"a": graph.NewExecNode("a", func(context.Context, *graph.State) (any, error) { return nil, nil }),
		"b": graph.NewExecNode("b", func(context.Context, *graph.State) (any, error) { return nil, nil }),
	}

	_, err := graph.Execute(context.Background(), graph.ExecuteRequest{
		Nodes:          nodes,
		Graph:          g,
		MaxConcurrency: 1,
		Strategy:       graph.StrategyStrict,
	})
	var ge *graph.GraphError
	if !errors.As(err, &ge) {
		t.Fatalf("Execute() error = %v, want *GraphError", err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	var attempts atomic.Int32

	flaky := graph.NewExecNode("flaky", func(context.Context, *graph.State) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	flaky.Retry = &graph.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   func(error) bool { return true },
	}

	b := graph.NewBuilder()
	addNode(t, b, flaky)
	d := mustBuild(t, b)

	state, err := d.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if v, _ := state.Result("flaky"); v != "ok" {
		t.Errorf("flaky result = %v, want \"ok\"", v)
	}
}

func TestRetryExhaustionHitsStrategy(t *testing.T) {
	var attempts atomic.Int32

	flaky := graph.NewExecNode("flaky", func(context.Context, *graph.State) (any, error) {
		attempts.Add(1)
		return nil, errors.New("always")
	})
	flaky.Retry = &graph.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Retryable:   func(error) bool { return true },
	}

	b := graph.NewBuilder()
	addNode(t, b, flaky)
	d := mustBuild(t, b)

	_, err := d.Execute(context.Background(), graph.WithErrorStrategy(graph.StrategyStrict))
	var ne *graph.NodeError
	if !errors.As(err, &ne) {
		t.Fatalf("Execute() error = %v, want *NodeError", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}
