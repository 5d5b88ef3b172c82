package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/fallback"
	"github.com/vyrodovalexey/avacache/internal/health"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/refresh"
	"github.com/vyrodovalexey/avacache/internal/server"
	"github.com/vyrodovalexey/avacache/internal/store"
	"github.com/vyrodovalexey/avacache/internal/warmup"
)

// application holds all application components.
type application struct {
	logger   observability.Logger
	registry *prometheus.Registry
	tracer   *observability.Tracer

	store      store.Store
	settings   *cache.SettingsHolder
	recorder   *cache.Recorder
	engine     *cache.Engine
	dispatcher *refresh.Dispatcher
	breakers   *circuitbreaker.Registry
	health     *health.Checker
	server     *server.Server

	invalidation *invalidation.Handler
	natsConn     *nats.Conn
	subscriber   *invalidation.Subscriber

	reloadMetrics *reloadMetrics

	mu        sync.Mutex
	config    *config.GatewayConfig
	scheduler *warmup.Scheduler
	runCtx    context.Context
}

// newApplication initializes all application components from cfg.
// Nothing is started; see runGateway.
func newApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	spec := &cfg.Spec

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	store.GetMetrics().MustRegister(registry)

	tracer, err := observability.NewTracer(ctx, spec.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	st, err := store.New(&spec.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache store: %w", err)
	}

	settings, err := cache.SettingsFromConfig(spec)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("invalid cache settings: %w", err)
	}

	app := &application{
		logger:        logger,
		registry:      registry,
		tracer:        tracer,
		store:         st,
		settings:      cache.NewSettingsHolder(settings),
		config:        cfg,
		reloadMetrics: newReloadMetrics(registry, logger),
		runCtx:        ctx,
	}

	app.recorder = cache.NewRecorder(registry, logger, cache.WithKeyLabels(spec.Metrics.KeyLabels))
	app.dispatcher = refresh.NewDispatcher(st, app.settings, refresh.ConfigFromGateway(spec),
		refresh.WithLogger(logger),
		refresh.WithRegisterer(registry),
	)
	app.engine = cache.NewEngine(st, app.settings,
		cache.WithRecorder(app.recorder),
		cache.WithRevalidator(app.dispatcher),
		cache.WithLogger(logger),
	)

	app.breakers = circuitbreaker.NewRegistry(logger, registry)
	app.breakers.Sync(spec.Routes)

	app.health = health.NewChecker(version, health.WithMetrics(health.NewMetrics(registry, logger)))
	if p, ok := st.(store.Pinger); ok {
		app.health.RegisterCheck("store", health.StoreCheck(p))
	}
	app.health.RegisterCheck("circuit_breakers", health.BreakerCheck(app.breakers))

	if err := app.initInvalidation(spec); err != nil {
		_ = st.Close()
		return nil, err
	}

	app.server = server.New(server.Dependencies{
		Engine:   app.engine,
		Breakers: app.breakers,
		Fallback: fallback.NewResolver(app.engine,
			fallback.WithLogger(logger),
			fallback.WithRegisterer(registry),
		),
		Health:     app.health,
		Tracer:     tracer,
		Gatherer:   registry,
		Registerer: registry,
		Logger:     logger,
	})
	if err := app.server.Build(spec); err != nil {
		app.closeInvalidation()
		_ = st.Close()
		return nil, fmt.Errorf("failed to build routes: %w", err)
	}

	return app, nil
}

// initInvalidation creates the notification handler and, when NATS is
// configured, subscribes it to the bound subjects.
func (a *application) initInvalidation(spec *config.GatewaySpec) error {
	a.invalidation = invalidation.NewHandler(a.store, a.settings,
		invalidation.BindingsFromConfig(spec.Invalidation),
		invalidation.WithLogger(a.logger),
		invalidation.WithRegisterer(a.registry),
	)

	natsCfg := spec.Invalidation.NATS
	if natsCfg == nil || natsCfg.URL == "" {
		a.logger.Info("invalidation disabled, entries live until their TTL")
		return nil
	}

	conn, err := invalidation.Connect(natsCfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsConn = conn
	a.subscriber = invalidation.NewSubscriber(invalidation.WrapConn(conn), natsCfg.QueueGroup,
		a.invalidation, spec.Invalidation.HandleTimeout.Duration(), a.logger)
	if err := a.subscriber.Sync(); err != nil {
		a.logger.Warn("failed to subscribe to some invalidation subjects", observability.Error(err))
	}
	a.health.RegisterCheck("nats", health.ConnectionCheck(conn))
	return nil
}

// syncWarmup starts, reconfigures or stops the warmup scheduler so it
// matches spec.
func (a *application) syncWarmup(spec *config.GatewaySpec) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case spec.Warmup.Enabled && a.scheduler == nil:
		a.scheduler = warmup.NewScheduler(a.dispatcher, a.settings, warmup.ConfigFromGateway(spec),
			warmup.WithLogger(a.logger),
			warmup.WithRegisterer(a.registry),
		)
		a.scheduler.Start(a.runCtx)
		a.logger.Info("warmup scheduler started",
			observability.Duration("interval", spec.Warmup.Interval.Duration()),
			observability.Int("tenants", len(spec.Warmup.Tenants)),
		)
	case spec.Warmup.Enabled:
		a.scheduler.SetConfig(warmup.ConfigFromGateway(spec))
	case a.scheduler != nil:
		a.scheduler.Stop()
		a.scheduler = nil
		a.logger.Info("warmup scheduler stopped")
	}
}

// currentConfig returns the configuration in effect.
func (a *application) currentConfig() *config.GatewayConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}
