// Package server hosts the gateway HTTP listener. Route matching is done
// by gin; each configured route is served by its middleware chain and
// backend proxy. The route table is rebuilt as a whole on configuration
// reload and swapped in atomically.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/health"
	"github.com/vyrodovalexey/avacache/internal/middleware"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/proxy"
)

// Probe paths.
const (
	HealthPath    = "/healthz"
	ReadinessPath = "/readyz"
)

const notFoundBody = `{"error":"not found","message":"no matching route"}`

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// ErrAlreadyRunning is returned by Serve on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// Dependencies are the collaborators the route handlers are built from.
type Dependencies struct {
	Engine   *cache.Engine
	Breakers *circuitbreaker.Registry
	Fallback proxy.FallbackResolver
	Health   *health.Checker

	// Tracer starts a server span per request when set.
	Tracer *observability.Tracer

	// Gatherer serves the metrics endpoint when set.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer

	// Transport reaches the backends. Nil uses http.DefaultTransport.
	Transport http.RoundTripper

	Logger observability.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	deps         Dependencies
	logger       observability.Logger
	httpMetrics  *middleware.Metrics
	proxyMetrics *proxy.Metrics
	handler      atomic.Pointer[gin.Engine]

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server without routes. Call Build before serving.
func New(deps Dependencies) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker("")
	}

	s := &Server{
		deps:         deps,
		logger:       logger,
		httpMetrics:  middleware.NewMetrics(deps.Registerer, logger),
		proxyMetrics: proxy.NewMetrics(deps.Registerer, logger),
	}
	s.handler.Store(s.newEngine())
	return s
}

// Build creates the route table of spec and swaps it in. On error the
// previous table stays active.
func (s *Server) Build(spec *config.GatewaySpec) (err error) {
	engine := s.newEngine()

	// gin reports conflicting patterns by panicking.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register routes: %v", r)
		}
	}()

	for i := range spec.Routes {
		route := &spec.Routes[i]
		h, err := s.routeHandler(route, spec.Server.TenantHeader)
		if err != nil {
			return err
		}
		engine.Handle(route.Method, route.Path, gin.WrapH(h))
	}

	if spec.Metrics.Enabled && s.deps.Gatherer != nil {
		engine.GET(spec.Metrics.Path, gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	s.handler.Store(engine)
	s.logger.Info("route table built", observability.Int("routes", len(spec.Routes)))
	return nil
}

// newEngine returns a gin engine carrying only the probe endpoints.
func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	// Cache keys use the path exactly as received.
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	engine.GET(HealthPath, gin.WrapF(s.deps.Health.HealthHandler()))
	engine.GET(ReadinessPath, gin.WrapF(s.deps.Health.ReadinessHandler()))
	engine.NoRoute(func(c *gin.Context) {
		c.Data(http.StatusNotFound, middleware.ContentTypeJSON, []byte(notFoundBody))
	})
	return engine
}

// routeHandler chains the request path of one route: tracing, request
// id, access log, recovery, response cache and backend proxy.
func (s *Server) routeHandler(route *config.RouteConfig, tenantHeader string) (http.Handler, error) {
	opts := []proxy.Option{
		proxy.WithLogger(s.logger),
		proxy.WithMetrics(s.proxyMetrics),
		proxy.WithFallback(s.deps.Fallback, tenantHeader),
	}
	if s.deps.Breakers != nil {
		opts = append(opts, proxy.WithBreakers(s.deps.Breakers))
	}
	if s.deps.Transport != nil {
		opts = append(opts, proxy.WithTransport(s.deps.Transport))
	}
	backend, err := proxy.New(route, opts...)
	if err != nil {
		return nil, err
	}

	var h http.Handler = backend
	if s.deps.Engine != nil {
		h = middleware.Cache(s.deps.Engine, route.ID, tenantHeader, s.logger)(h)
	}
	h = middleware.Recovery(route.ID, s.logger, s.httpMetrics)(h)
	h = middleware.AccessLog(route.ID, s.logger, s.httpMetrics)(h)
	h = middleware.RequestID(nil)(h)
	if s.deps.Tracer != nil {
		h = s.deps.Tracer.Middleware(route.ID)(h)
	}
	return h, nil
}

// ServeHTTP implements http.Handler with the current route table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.Load().ServeHTTP(w, r)
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe(cfg *config.ServerConfig) error {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Address, err)
	}
	return s.Serve(ln, cfg)
}

// Serve serves on ln until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Serve(ln net.Listener, cfg *config.ServerConfig) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout.Duration(),
		ReadHeaderTimeout: cfg.ReadTimeout.Duration(),
		WriteTimeout:      cfg.WriteTimeout.Duration(),
		IdleTimeout:       cfg.IdleTimeout.Duration(),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("readTimeout", cfg.ReadTimeout.Duration()),
		observability.Duration("writeTimeout", cfg.WriteTimeout.Duration()),
	)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully. It is a no-op when the server is
// not running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("HTTP server stopped", observability.Duration("took", time.Since(start)))
	return nil
}
