package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Metrics holds Prometheus metrics for route breakers.
type Metrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

// NewMetrics creates breaker metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		state: observability.Register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of the route circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"route"},
		), logger),
		transitions: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "circuit_breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"route", "from", "to"},
		), logger),
		rejected: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "circuit_breaker",
				Name:      "rejected_total",
				Help:      "Requests rejected by an open circuit breaker",
			},
			[]string{"route"},
		), logger),
	}
}

func (m *Metrics) transition(route string, from, to gobreaker.State) {
	m.transitions.WithLabelValues(route, from.String(), to.String()).Inc()
	m.state.WithLabelValues(route).Set(float64(to))
}

// RecordRejected counts a request turned away by an open breaker.
func (m *Metrics) RecordRejected(route string) {
	m.rejected.WithLabelValues(route).Inc()
}
