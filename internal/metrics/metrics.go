// Package metrics holds the Prometheus instrumentation for run execution:
// how many runs complete and how, how long nodes take, and which node
// types fail. A nil *Metrics is a valid, no-op receiver, so instrumentation
// call sites never need a separate "metrics enabled" check.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	NodeDuration *prometheus.HistogramVec
	NodeFailures *prometheus.CounterVec
}

// New registers the engine's collectors against reg and returns them. Call
// once per process with prometheus.DefaultRegisterer; tests that need their
// own isolated registry (to run more than once per binary) should pass a
// fresh prometheus.NewRegistry() instead.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_runs_total",
				Help: "Total flow runs, by flow and terminal status",
			},
			[]string{"flow_id", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_run_duration_seconds",
				Help:    "Wall-clock duration of a flow run from start to terminal status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"flow_id"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_node_duration_seconds",
				Help:    "Duration of a single node's execution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"node_type"},
		),
		NodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_node_failures_total",
				Help: "Total node executions that returned a classified error",
			},
			[]string{"node_type", "error_kind"},
		),
	}
}

// ObserveRun records a run's terminal status and total duration.
func (m *Metrics) ObserveRun(flowID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(flowID, status).Inc()
	m.RunDuration.WithLabelValues(flowID).Observe(d.Seconds())
}

// ObserveNode records one node execution's duration, and its error kind if
// it failed.
func (m *Metrics) ObserveNode(nodeType string, d time.Duration, errorKind string) {
	if m == nil {
		return
	}
	m.NodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
	if errorKind != "" {
		m.NodeFailures.WithLabelValues(nodeType, errorKind).Inc()
	}
}
