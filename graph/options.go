package graph

import (
	"github.com/dshills/taskgraph-go/graph/emit"
	"github.com/dshills/taskgraph-go/graph/store"
)

// Option configures one invocation of DAG.Execute.
//
// Options are applied in order; later options override earlier ones.
//
// Example:
//
//	state, err := dag.Execute(ctx,
//	    graph.WithMaxConcurrency(8),
//	    graph.WithErrorStrategy(graph.StrategyAllChildren),
//	    graph.WithInputs(map[string]any{"img": img}),
//	)
type Option func(*execConfig) error

// execConfig collects invocation options before Execute consumes them.
type execConfig struct {
	maxConcurrency int
	strategy       ErrorStrategy
	callID         string
	emitter        emit.Emitter
	metrics        *PrometheusMetrics
	journal        store.Store
	debugNodes     bool
	inputs         map[string]any
}

func defaultExecConfig() execConfig {
	return execConfig{
		maxConcurrency: 1,
		strategy:       StrategyStrict,
	}
}

// WithMaxConcurrency bounds the worker pool for this invocation.
//
// Default: 1, which serializes every node through the pool's single slot;
// no dedicated sequential path exists for it.
func WithMaxConcurrency(n int) Option {
	return func(cfg *execConfig) error {
		if n < 1 {
			return &ConfigurationError{Message: "max concurrency must be positive"}
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithErrorStrategy selects how node failures reshape the remaining work.
// Default: StrategyStrict.
func WithErrorStrategy(s ErrorStrategy) Option {
	return func(cfg *execConfig) error {
		if !s.valid() {
			return &ConfigurationError{Message: "unknown error strategy " + s.String()}
		}
		cfg.strategy = s
		return nil
	}
}

// WithCallID names the invocation in events, metrics and the journal.
// Default: a random UUID.
func WithCallID(id string) Option {
	return func(cfg *execConfig) error {
		cfg.callID = id
		return nil
	}
}

// WithEmitter routes observability events to the given emitter.
// Default: events are discarded.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *execConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection for this invocation.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *execConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithJournal records run and node outcomes through the given store.
// Journal failures are emitted as events and never fail the invocation.
func WithJournal(st store.Store) Option {
	return func(cfg *execConfig) error {
		cfg.journal = st
		return nil
	}
}

// WithDebugNodes enables or disables debug-marked nodes for this
// invocation. Default: disabled; debug nodes and their (necessarily
// debug) dependents are pruned before the loop starts.
func WithDebugNodes(enabled bool) Option {
	return func(cfg *execConfig) error {
		cfg.debugNodes = enabled
		return nil
	}
}

// WithInputs injects call arguments: each entry marks the named node as
// pre-executed with the given value, so the scheduler skips it and
// dependents read the value as its result.
func WithInputs(inputs map[string]any) Option {
	return func(cfg *execConfig) error {
		if cfg.inputs == nil {
			cfg.inputs = make(map[string]any, len(inputs))
		}
		for id, v := range inputs {
			cfg.inputs[id] = v
		}
		return nil
	}
}

// WithInput injects a single call argument. See WithInputs.
func WithInput(id string, v any) Option {
	return func(cfg *execConfig) error {
		if cfg.inputs == nil {
			cfg.inputs = make(map[string]any, 1)
		}
		cfg.inputs[id] = v
		return nil
	}
}
