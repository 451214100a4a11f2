package session

import "github.com/prometheus/client_golang/prometheus"

// sessionMetrics holds Prometheus metrics for the control connection.
type sessionMetrics struct {
	messages     *prometheus.CounterVec // By message type
	violations   prometheus.Counter
	remoteErrors prometheus.Counter
}

func newSessionMetrics(reg prometheus.Registerer) (*sessionMetrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &sessionMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Total number of control messages received by type",
		}, []string{"type"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "session",
			Name:      "protocol_violations_total",
			Help:      "Total number of sessions closed for a protocol violation",
		}),
		remoteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "session",
			Name:      "remote_errors_total",
			Help:      "Total number of sessions closed by a server-reported error",
		}),
	}

	for _, c := range []prometheus.Collector{m.messages, m.violations, m.remoteErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *sessionMetrics) received(t string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(t).Inc()
}

func (m *sessionMetrics) violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *sessionMetrics) remoteError() {
	if m == nil {
		return
	}
	m.remoteErrors.Inc()
}
