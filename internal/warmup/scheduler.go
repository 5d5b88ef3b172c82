// Package warmup primes the response cache for warm routes at startup and
// on a fixed interval.
package warmup

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// Tenant placeholders recognised in warm paths.
var placeholders = []string{"{tenant}", "{tenantId}"}

// GlobalTenant labels warm calls of routes that are not tenant-scoped.
const GlobalTenant = "global"

// Warmer issues one warm call. *refresh.Dispatcher implements it.
type Warmer interface {
	WarmRoute(ctx context.Context, policy *cache.RouteCachePolicy, path, tenantID string) bool
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration

	// Tenants are warmed for every tenant-scoped warm route.
	Tenants []string

	// RatePerSecond paces warm calls within a pass. Zero disables pacing.
	RatePerSecond float64
}

// ConfigFromGateway extracts the scheduler configuration.
func ConfigFromGateway(spec *config.GatewaySpec) Config {
	return Config{
		Interval:      spec.Warmup.Interval.Duration(),
		Tenants:       append([]string(nil), spec.Warmup.Tenants...),
		RatePerSecond: spec.Warmup.RatePerSecond,
	}
}

// PassStats summarises one warmup pass.
type PassStats struct {
	// Dispatched calls were queued on the warmer.
	Dispatched int

	// NotQueued calls were refused by the warmer, usually because a
	// refresh of the same key was already in flight.
	NotQueued int

	// Skipped combinations could not be warmed with the configuration.
	Skipped int

	// Failed calls panicked.
	Failed int
}

// Scheduler runs warmup passes.
type Scheduler struct {
	warmer   Warmer
	settings *cache.SettingsHolder
	cfg      atomic.Pointer[Config]
	logger   observability.Logger
	reg      prometheus.Registerer
	metrics  *Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.reg = reg
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(w Warmer, holder *cache.SettingsHolder, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		warmer:   w,
		settings: holder,
		logger:   observability.NopLogger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetrics(s.reg, s.logger)
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the configuration. The interval of a running
// scheduler takes effect after the current tick.
func (s *Scheduler) SetConfig(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultWarmupInterval
	}
	cfg.Tenants = append([]string(nil), cfg.Tenants...)
	s.cfg.Store(&cfg)
}

// Start runs a pass immediately and then every interval in the
// background until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
}

// Stop ends the loop started by Start and waits for the current pass.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Run is the blocking form of Start.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunOnce(ctx)

	interval := s.cfg.Load().Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.cfg.Load().Interval)
		}
	}
}

// RunOnce warms every combination of warm route and tenant once. A
// failure in one combination does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) PassStats {
	var stats PassStats

	settings := s.settings.Load()
	if !settings.Enabled() {
		return stats
	}

	cfg := s.cfg.Load()
	limiter := newLimiter(cfg.RatePerSecond)
	start := time.Now()

	for _, policy := range settings.Policies() {
		if ctx.Err() != nil {
			break
		}
		if !policy.Warm {
			continue
		}
		s.warmPolicy(ctx, policy, cfg.Tenants, limiter, &stats)
	}

	s.metrics.passes.Inc()
	s.logger.Info("warmup pass completed",
		observability.Int("dispatched", stats.Dispatched),
		observability.Int("notQueued", stats.NotQueued),
		observability.Int("skipped", stats.Skipped),
		observability.Int("failed", stats.Failed),
		observability.Duration("duration", time.Since(start)),
	)
	return stats
}

func (s *Scheduler) warmPolicy(
	ctx context.Context, policy *cache.RouteCachePolicy, tenants []string, limiter *rate.Limiter, stats *PassStats,
) {
	template := policy.WarmPath
	if template == "" {
		if hasRouteParams(policy.Path) {
			s.skip(policy, "route path has parameters and no warm path", stats)
			return
		}
		template = policy.Path
	}

	if !policy.TenantScoped {
		if hasPlaceholder(template) {
			s.skip(policy, "warm path of a global route has a tenant placeholder", stats)
			return
		}
		s.warm(ctx, policy, template, "", GlobalTenant, limiter, stats)
		return
	}

	if len(tenants) == 0 {
		// Only the anonymous partition is available.
		if hasPlaceholder(template) {
			s.skip(policy, "warm path needs a tenant and no tenants are configured", stats)
			return
		}
		s.warm(ctx, policy, template, "", cache.AnonymousTenant, limiter, stats)
		return
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		s.warm(ctx, policy, substitute(template, tenant), tenant, tenant, limiter, stats)
	}
}

func (s *Scheduler) skip(policy *cache.RouteCachePolicy, reason string, stats *PassStats) {
	stats.Skipped++
	s.metrics.calls.WithLabelValues(policy.RouteID, resultSkipped).Inc()
	s.logger.Warn("skipping warm route",
		observability.Route(policy.RouteID),
		observability.String("reason", reason),
	)
}

func (s *Scheduler) warm(
	ctx context.Context, policy *cache.RouteCachePolicy, path, tenantID, label string,
	limiter *rate.Limiter, stats *PassStats,
) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	queued, panicked := s.call(ctx, policy, path, tenantID)
	switch {
	case panicked:
		stats.Failed++
		s.metrics.calls.WithLabelValues(policy.RouteID, resultFailed).Inc()
	case queued:
		stats.Dispatched++
		s.metrics.calls.WithLabelValues(policy.RouteID, resultDispatched).Inc()
		s.logger.Debug("warm call dispatched",
			observability.Route(policy.RouteID),
			observability.Tenant(label),
			observability.String("path", path),
		)
	default:
		stats.NotQueued++
		s.metrics.calls.WithLabelValues(policy.RouteID, resultNotQueued).Inc()
	}
}

func (s *Scheduler) call(ctx context.Context, policy *cache.RouteCachePolicy, path, tenantID string) (queued, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error("warm call panicked",
				observability.Route(policy.RouteID),
				observability.Tenant(tenantID),
				observability.Any("panic", r),
			)
		}
	}()
	return s.warmer.WarmRoute(ctx, policy, path, tenantID), false
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func hasPlaceholder(path string) bool {
	for _, p := range placeholders {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// hasRouteParams reports whether a gin route pattern has :param or
// *wildcard segments.
func hasRouteParams(path string) bool {
	return strings.ContainsAny(path, ":*")
}

func substitute(template, tenant string) string {
	escaped := url.PathEscape(tenant)
	for _, p := range placeholders {
		template = strings.ReplaceAll(template, p, escaped)
	}
	return template
}
