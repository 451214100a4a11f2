package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// resolverMetrics holds Prometheus metrics for discovery probes.
type resolverMetrics struct {
	probes        *prometheus.CounterVec   // By op (list/query) and result
	probeDuration *prometheus.HistogramVec // By op
}

// Probe results.
const (
	resultCapable   = "capable"
	resultIncapable = "incapable"
	resultListed    = "listed"
	resultTimeout   = "timeout"
	resultError     = "error"
)

func newResolverMetrics(reg prometheus.Registerer) (*resolverMetrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &resolverMetrics{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "resolver",
			Name:      "probes_total",
			Help:      "Total number of discovery probes by operation and result",
		}, []string{"op", "result"}),

		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chnlzr",
			Subsystem: "resolver",
			Name:      "probe_duration_seconds",
			Help:      "Discovery probe duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{m.probes, m.probeDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *resolverMetrics) observe(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(op, result).Inc()
	m.probeDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
