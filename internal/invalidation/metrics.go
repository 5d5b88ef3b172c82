package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	scopeRoute  = "route"
	scopeTenant = "tenant"

	resultHandled   = "handled"
	resultMalformed = "malformed"
	resultUnknown   = "unknown"
	resultPanic     = "panic"
)

// Metrics holds Prometheus metrics for invalidation.
type Metrics struct {
	notifications *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	keys          *prometheus.CounterVec
}

// NewMetrics creates invalidation metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		notifications: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "notifications_total",
				Help:      "Change notifications received by outcome",
			},
			[]string{"result"},
		), logger),
		invalidations: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "invalidations_total",
				Help:      "Route invalidations by scope",
			},
			[]string{"route", "scope"},
		), logger),
		keys: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "response_cache",
				Name:      "invalidated_keys_total",
				Help:      "Cache keys removed by invalidation",
			},
			[]string{"route"},
		), logger),
	}
}

func (m *Metrics) record(routeID, scope string, keys int) {
	m.invalidations.WithLabelValues(routeID, scope).Inc()
	m.keys.WithLabelValues(routeID).Add(float64(keys))
}
