// Package circuitbreaker keeps one gobreaker circuit breaker per route.
// An open breaker is the signal for the proxy to serve the fallback
// response instead of calling the backend.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

var tracer = otel.Tracer("avacache/circuitbreaker")

// Settings configures one breaker.
type Settings struct {
	// Threshold is the minimum number of requests in a window before the
	// failure ratio is evaluated.
	Threshold int

	FailureRatio float64

	// Timeout is the open period, and also the length of the counting
	// window while closed.
	Timeout time.Duration

	HalfOpenRequests int
}

// SettingsFromConfig converts a route breaker section. It reports false
// when the breaker is not enabled.
func SettingsFromConfig(cfg *config.CircuitBreakerConfig) (Settings, bool) {
	if cfg == nil || !cfg.Enabled {
		return Settings{}, false
	}
	return Settings{
		Threshold:        cfg.Threshold,
		FailureRatio:     cfg.FailureRatio,
		Timeout:          cfg.Timeout.Duration(),
		HalfOpenRequests: cfg.HalfOpenRequests,
	}, true
}

// IsOpen reports whether err is a rejection by an open or saturated
// half-open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Breaker wraps gobreaker.CircuitBreaker.
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.CircuitBreaker
}

func newBreaker(name string, s Settings, logger observability.Logger, m *Metrics) *Breaker {
	threshold := safeIntToUint32(s.Threshold)
	ratio := s.FailureRatio
	if ratio <= 0 {
		ratio = config.DefaultBreakerRatio
	}

	b := &Breaker{name: name, settings: s}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: safeIntToUint32(s.HalfOpenRequests),
		Interval:    s.Timeout,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < threshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				observability.Route(name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			m.transition(name, from, to)

			_, span := tracer.Start(context.Background(), "circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	})
	m.state.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return b
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Name returns the route id the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Settings returns the settings the breaker was built with.
func (b *Breaker) Settings() Settings {
	return b.settings
}

// State returns the current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Execute runs fn if the breaker allows it. A non-nil error from fn
// counts as a failure. Rejections satisfy IsOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
