package pingme

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts synchronization activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	pushEvents     *prometheus.CounterVec
	mutations      *prometheus.CounterVec
	deleteAttempts *prometheus.CounterVec
	loads          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingme",
			Name:      "push_events_total",
			Help:      "Push events received, by event and outcome.",
		}, []string{"event", "outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingme",
			Name:      "mutations_total",
			Help:      "Optimistic mutations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deleteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingme",
			Name:      "delete_attempts_total",
			Help:      "Delete requests issued, by request shape and outcome.",
		}, []string{"shape", "outcome"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pingme",
			Name:      "history_loads_total",
			Help:      "Initial history loads, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.pushEvents, m.mutations, m.deleteAttempts, m.loads)
	}
	return m
}

func (m *Metrics) pushEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) mutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) deleteAttempt(shape DeleteShape, outcome string) {
	if m == nil {
		return
	}
	m.deleteAttempts.WithLabelValues(shape.String(), outcome).Inc()
}

func (m *Metrics) load(outcome string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(outcome).Inc()
}
