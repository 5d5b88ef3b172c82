package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Backend call results.
const (
	resultSuccess     = "success"
	resultStatus5xx   = "status_5xx"
	resultError       = "error"
	resultFallback    = "fallback"
	resultUnavailable = "unavailable"
)

// Metrics holds Prometheus metrics for backend calls.
type Metrics struct {
	requests        *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
}

// NewMetrics creates proxy metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		requests: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Proxied requests by route and result",
			},
			[]string{"route", "result"},
		), logger),
		backendDuration: observability.Register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "proxy",
				Name:      "backend_duration_seconds",
				Help:      "Duration of backend proxy requests",
				Buckets: []float64{
					.001, .005, .01, .025,
					.05, .1, .25, .5,
					1, 2.5, 5, 10,
				},
			},
			[]string{"route"},
		), logger),
	}
}

func (m *Metrics) count(route, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, result).Inc()
}

func (m *Metrics) observe(route string, seconds float64) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(route).Observe(seconds)
}
