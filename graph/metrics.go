package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects execution metrics for production monitoring.
//
// Metrics exposed (namespace "taskgraph"):
//   - inflight_nodes (gauge): nodes currently executing.
//   - ready_nodes (gauge): roots eligible for submission.
//   - node_latency_ms (histogram, labels call_id/node_id/status):
//     submission-to-completion wall time.
//   - node_errors_total (counter, labels call_id/node_id): node function
//     failures, whatever the strategy did with them.
//   - pruned_nodes_total (counter, labels call_id/reason): nodes removed
//     without running (reason: inactive, failed_parent). Debug nodes
//     dropped before the loop starts are not counted.
//   - timeouts_total (counter, labels call_id): invocations aborted by a
//     per-node budget overrun.
//
// All methods are safe for concurrent use; a nil *PrometheusMetrics is a
// valid no-op receiver so call sites don't guard.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	readyNodes    prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	nodeErrors    *prometheus.CounterVec
	prunedNodes   *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the engine metrics with the
// given registry (the default registerer when nil).
//
// Expose them the usual way:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "inflight_nodes",
			Help:      "Current number of nodes executing concurrently",
		}),
		readyNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Name:      "ready_nodes",
			Help:      "Current number of root nodes eligible for submission",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Name:      "node_latency_ms",
			Help:      "Node wall time from submission to completion in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"call_id", "node_id", "status"}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "node_errors_total",
			Help:      "Cumulative count of node function failures",
		}, []string{"call_id", "node_id"}),
		prunedNodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "pruned_nodes_total",
			Help:      "Nodes removed from the working graph without running",
		}, []string{"call_id", "reason"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Name:      "timeouts_total",
			Help:      "Invocations aborted because a node overran its budget",
		}, []string{"call_id"}),
	}
}

// RecordNodeLatency observes one node's submission-to-completion time.
func (pm *PrometheusMetrics) RecordNodeLatency(callID, nodeID string, latency time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.nodeLatency.WithLabelValues(callID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncNodeError counts one node function failure.
func (pm *PrometheusMetrics) IncNodeError(callID, nodeID string) {
	if pm == nil {
		return
	}
	pm.nodeErrors.WithLabelValues(callID, nodeID).Inc()
}

// AddPruned counts nodes removed without running.
func (pm *PrometheusMetrics) AddPruned(callID, reason string, n int) {
	if pm == nil {
		return
	}
	pm.prunedNodes.WithLabelValues(callID, reason).Add(float64(n))
}

// IncTimeout counts an invocation aborted on a budget overrun.
func (pm *PrometheusMetrics) IncTimeout(callID string) {
	if pm == nil {
		return
	}
	pm.timeouts.WithLabelValues(callID).Inc()
}

// SetInflight updates the in-flight gauge.
func (pm *PrometheusMetrics) SetInflight(n int) {
	if pm == nil {
		return
	}
	pm.inflightNodes.Set(float64(n))
}

// SetReady updates the ready gauge.
func (pm *PrometheusMetrics) SetReady(n int) {
	if pm == nil {
		return
	}
	pm.readyNodes.Set(float64(n))
}
