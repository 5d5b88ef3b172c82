package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Metrics holds Prometheus metrics for the HTTP request path.
type Metrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	panicsRecovered prometheus.Counter
}

// NewMetrics creates request metrics registered with reg.
func NewMetrics(reg prometheus.Registerer, logger observability.Logger) *Metrics {
	return &Metrics{
		requests: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route, status and cache outcome",
			},
			[]string{"route", "method", "status", "cache"},
		), logger),
		duration: observability.Register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and cache outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "cache"},
		), logger),
		panicsRecovered: observability.Register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "http",
				Name:      "panics_recovered_total",
				Help:      "Panics recovered in request handlers",
			},
		), logger),
	}
}

func (m *Metrics) observe(route, method string, status int, cacheOutcome string, d time.Duration) {
	if m == nil {
		return
	}
	if cacheOutcome == "" {
		cacheOutcome = "none"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status), cacheOutcome).Inc()
	m.duration.WithLabelValues(route, cacheOutcome).Observe(d.Seconds())
}

func (m *Metrics) panicked() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}
