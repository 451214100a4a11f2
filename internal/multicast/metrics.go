package multicast

import "github.com/prometheus/client_golang/prometheus"

// distributorMetrics holds Prometheus metrics for the datagram receive loop.
type distributorMetrics struct {
	datagramsReceived prometheus.Counter
	bytesReceived     prometheus.Counter
	decodeErrors      prometheus.Counter
	framesDispatched  prometheus.Counter
	sinks             prometheus.Gauge
}

func newDistributorMetrics(reg prometheus.Registerer) (*distributorMetrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	m := &distributorMetrics{
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "multicast",
			Name:      "datagrams_received_total",
			Help:      "Total number of sample datagrams received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "multicast",
			Name:      "bytes_received_total",
			Help:      "Total number of datagram bytes received",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "multicast",
			Name:      "decode_errors_total",
			Help:      "Total number of datagrams that failed to decode",
		}),
		framesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chnlzr",
			Subsystem: "multicast",
			Name:      "frames_dispatched_total",
			Help:      "Total number of frame deliveries to sinks",
		}),
		sinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chnlzr",
			Subsystem: "multicast",
			Name:      "sinks",
			Help:      "Number of currently registered sinks",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.datagramsReceived, m.bytesReceived, m.decodeErrors, m.framesDispatched, m.sinks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *distributorMetrics) received(n int) {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *distributorMetrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *distributorMetrics) dispatched(n int) {
	if m == nil {
		return
	}
	m.framesDispatched.Add(float64(n))
}

func (m *distributorMetrics) setSinks(n int) {
	if m == nil {
		return
	}
	m.sinks.Set(float64(n))
}
