package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Metrics records readiness check outcomes.
type Metrics struct {
	runs     *prometheus.CounterVec
	status   *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the check metrics with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		runs: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Readiness check runs by check and outcome",
			},
			[]string{"check", "status"},
		), logger),
		status: observability.Register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Last outcome per check: 1 healthy, 0.5 degraded, 0 unhealthy",
			},
			[]string{"check"},
		), logger),
		duration: observability.Register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "health",
				Name:      "check_duration_seconds",
				Help:      "Readiness check latency",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2},
			},
			[]string{"check"},
		), logger),
	}
}

func (m *Metrics) record(check string, status Status, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(check, string(status)).Inc()
	m.status.WithLabelValues(check).Set(1 - float64(status.severity())/2)
	m.duration.WithLabelValues(check).Observe(took.Seconds())
}
