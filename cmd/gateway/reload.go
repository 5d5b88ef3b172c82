package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/refresh"
)

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	total       *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

func newReloadMetrics(reg prometheus.Registerer, logger observability.Logger) *reloadMetrics {
	return &reloadMetrics{
		total: observability.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		), logger),
		duration: observability.Register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
			},
		), logger),
		lastSuccess: observability.Register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		), logger),
	}
}

func (m *reloadMetrics) observe(start time.Time, err error) {
	m.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.total.WithLabelValues("error").Inc()
		return
	}
	m.total.WithLabelValues("success").Inc()
	m.lastSuccess.SetToCurrentTime()
}

// reload applies a new configuration to the running gateway. Steps that
// can fail run first, so a rejected configuration leaves the previous one
// fully in effect.
func (a *application) reload(cfg *config.GatewayConfig) (err error) {
	start := time.Now()
	defer func() { a.reloadMetrics.observe(start, err) }()

	spec := &cfg.Spec
	settings, err := cache.SettingsFromConfig(spec)
	if err != nil {
		return fmt.Errorf("invalid cache settings: %w", err)
	}

	// Breakers are looked up per request, so new routes find theirs.
	a.breakers.Sync(spec.Routes)

	if err := a.server.Build(spec); err != nil {
		a.breakers.Sync(a.currentConfig().Spec.Routes)
		return fmt.Errorf("failed to build routes: %w", err)
	}

	a.settings.Swap(settings)
	a.recorder.SetKeyLabels(spec.Metrics.KeyLabels)

	a.invalidation.SetBindings(invalidation.BindingsFromConfig(spec.Invalidation))
	if a.subscriber != nil {
		if err := a.subscriber.Sync(); err != nil {
			a.logger.Warn("failed to resubscribe invalidation subjects", observability.Error(err))
		}
	}

	a.syncWarmup(spec)
	a.warnRestartRequired(spec)

	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()

	a.logger.Info("configuration applied",
		observability.Int("routes", len(spec.Routes)),
		observability.Int("cachedRoutes", len(settings.Policies())),
	)
	return nil
}

// warnRestartRequired logs changes to sections that are only read at
// startup.
func (a *application) warnRestartRequired(next *config.GatewaySpec) {
	prev := &a.currentConfig().Spec

	if prev.Server != next.Server {
		a.logger.Warn("server configuration changed, restart required to apply")
	}
	if prev.Store.Type != next.Store.Type {
		a.logger.Warn("store type changed, restart required to apply")
	}
	if refresh.ConfigFromGateway(prev) != refresh.ConfigFromGateway(next) {
		a.logger.Warn("refresh configuration changed, restart required to apply")
	}
	if natsURL(prev) != natsURL(next) {
		a.logger.Warn("NATS connection changed, restart required to apply")
	}
}

func natsURL(spec *config.GatewaySpec) string {
	if spec.Invalidation.NATS == nil {
		return ""
	}
	return spec.Invalidation.NATS.URL
}
