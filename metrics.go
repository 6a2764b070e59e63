package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records delivery counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Sends         *prometheus.CounterVec
	Outcomes      *prometheus.CounterVec
	RESTFallbacks prometheus.Counter
	Duplicates    prometheus.Counter
	Malformed     *prometheus.CounterVec
	Reconnects    prometheus.Counter
	Connected     prometheus.Gauge
}

// NewMetrics creates the delivery metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Messages handed to a delivery path.",
		}, []string{"path"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "delivery_outcomes_total",
			Help:      "Final delivery status of outgoing messages.",
		}, []string{"status"}),
		RESTFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "rest_fallbacks_total",
			Help:      "Sends that fell back to the REST endpoint.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicate_deliveries_total",
			Help:      "Inbound messages ignored as already present.",
		}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "malformed_payloads_total",
			Help:      "Inbound events dropped for missing fields.",
		}, []string{"event"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "transport_connected",
			Help:      "1 while the socket is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sends, m.Outcomes, m.RESTFallbacks, m.Duplicates, m.Malformed, m.Reconnects, m.Connected)
	}
	return m
}

func (m *Metrics) send(path string) {
	if m != nil {
		m.Sends.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) outcome(s DeliveryStatus) {
	if m != nil {
		m.Outcomes.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.RESTFallbacks.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) malformed(event string) {
	if m != nil {
		m.Malformed.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
