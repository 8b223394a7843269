package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ocx/flowengine/internal/metrics"
)

func TestObserveRunRecordsCounterAndHistogram(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveRun("flow-1", "completed", 250*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsTotal.WithLabelValues("flow-1", "completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration.WithLabelValues("flow-1").(prometheus.Histogram)))
}

func TestObserveNodeRecordsFailureOnlyWhenErrorKindSet(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveNode("http.request", 10*time.Millisecond, "")
	assert.Equal(t, 1, testutil.CollectAndCount(m.NodeDuration.WithLabelValues("http.request").(prometheus.Histogram)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.NodeFailures.WithLabelValues("http.request", "timeout")))

	m.ObserveNode("http.request", 10*time.Millisecond, "timeout")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NodeFailures.WithLabelValues("http.request", "timeout")))
}

func TestNilMetricsIsSafeNoOp(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.ObserveRun("flow-1", "completed", time.Second)
		m.ObserveNode("http.request", time.Second, "timeout")
	})
}
