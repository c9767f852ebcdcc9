package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SWAI-Ltd/subrelay/internal/proto"
)

// Metrics counts relay activity. A nil *Metrics records nothing.
type Metrics struct {
	connects     *prometheus.CounterVec
	subscribes   prometheus.Counter
	unsubscribes prometheus.Counter
	events       *prometheus.CounterVec
	delivered    prometheus.Counter
	remoteCloses *prometheus.CounterVec
	connected    prometheus.Gauge
}

// NewMetrics creates relay metrics and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "publisher_connects_total",
			Help:      "Publisher connect attempts by result.",
		}, []string{"result"}),
		subscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "publisher_subscribes_total",
			Help:      "Topic subscribes issued on publisher connections.",
		}),
		unsubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "publisher_unsubscribes_total",
			Help:      "Topic unsubscribes issued on publisher connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events handled, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "messages_delivered_total",
			Help:      "Published payloads delivered to the application.",
		}),
		remoteCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subrelay",
			Name:      "remote_closes_total",
			Help:      "Connections closed by the remote side.",
		}, []string{"link"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "subrelay",
			Name:      "publishers_connected",
			Help:      "Publisher connections currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connects, m.subscribes, m.unsubscribes, m.events,
			m.delivered, m.remoteCloses, m.connected)
	}
	return m
}

func (m *Metrics) connect(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connects.WithLabelValues("ok").Inc()
		m.connected.Inc()
	} else {
		m.connects.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) disconnect() {
	if m != nil {
		m.connected.Dec()
	}
}

func (m *Metrics) subscribe() {
	if m != nil {
		m.subscribes.Inc()
	}
}

func (m *Metrics) unsubscribe() {
	if m != nil {
		m.unsubscribes.Inc()
	}
}

func (m *Metrics) event(kind proto.LifecycleKind) {
	if m != nil {
		m.events.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) deliver() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) remoteClose(link string) {
	if m != nil {
		m.remoteCloses.WithLabelValues(link).Inc()
	}
}
