package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts reconciliation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	webhookEvents *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	sweepResults  *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "state_transitions_total",
			Help:      "Applied booking and payment state transitions.",
		}, []string{"entity", "to"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		sweepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "tfc_expiry_sweep_bookings_total",
			Help:      "Bookings visited by the TFC expiry sweep by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.webhookEvents, m.transitions, m.gatewayCalls, m.sweepResults)
	}
	return m
}

func (m *Metrics) webhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) transition(entity, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) gatewayCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) sweep(result SweepResult) {
	if m == nil {
		return
	}
	m.sweepResults.WithLabelValues("cancelled").Add(float64(result.Cancelled))
	m.sweepResults.WithLabelValues("skipped").Add(float64(result.Skipped))
	m.sweepResults.WithLabelValues("failed").Add(float64(result.Failed))
}
