package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/fallback"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// FallbackResolver finds a cached response to serve while a backend is
// cut off.
type FallbackResolver interface {
	Resolve(ctx context.Context, routeID string, req cache.RequestContext) (*fallback.Payload, bool)
}

// Route proxies requests of one configured route to its backend.
type Route struct {
	id           string
	target       *url.URL
	timeout      time.Duration
	proxy        *httputil.ReverseProxy
	breakers     *circuitbreaker.Registry
	fallback     FallbackResolver
	tenantHeader string
	logger       observability.Logger
	metrics      *Metrics
}

// Option is a functional option for configuring a Route.
type Option func(*Route)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Route) {
		p.logger = logger
	}
}

// WithTransport sets the transport used to reach the backend.
func WithTransport(transport http.RoundTripper) Option {
	return func(p *Route) {
		p.proxy.Transport = transport
	}
}

// WithBreakers guards the route with its breaker from the registry. The
// breaker is looked up on every request so registry updates apply
// without rebuilding the route.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(p *Route) {
		p.breakers = r
	}
}

// WithFallback serves cached responses while the breaker is open.
func WithFallback(f FallbackResolver, tenantHeader string) Option {
	return func(p *Route) {
		p.fallback = f
		p.tenantHeader = tenantHeader
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Route) {
		p.metrics = m
	}
}

// New creates the proxy of route.
func New(route *config.RouteConfig, opts ...Option) (*Route, error) {
	target, err := url.Parse(route.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: route %s: %w", ErrInvalidBackend, route.ID, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: route %s: %q", ErrInvalidBackend, route.ID, route.Backend)
	}

	p := &Route{
		id:      route.ID,
		target:  target,
		timeout: route.Timeout.Duration(),
		logger:  observability.NopLogger(),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		FlushInterval: -1,
		ErrorHandler:  p.errorHandler,
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ID returns the route id.
func (p *Route) ID() string {
	return p.id
}

// ServeHTTP implements http.Handler.
func (p *Route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var breaker *circuitbreaker.Breaker
	if p.breakers != nil {
		breaker, _ = p.breakers.Get(p.id)
	}
	if breaker == nil {
		_ = p.forward(w, r)
		return
	}

	err := breaker.Execute(func() error {
		return p.forward(w, r)
	})
	if circuitbreaker.IsOpen(err) {
		p.breakers.Metrics().RecordRejected(p.id)
		p.serveFallback(w, r, breaker)
	}
}

type errSlotKey struct{}

// forward proxies r and reports transport failures and 5xx answers as
// errors.
func (p *Route) forward(w http.ResponseWriter, r *http.Request) error {
	var proxyErr error
	ctx := context.WithValue(r.Context(), errSlotKey{}, &proxyErr)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	p.proxy.ServeHTTP(sw, r.WithContext(ctx))
	p.metrics.observe(p.id, time.Since(start).Seconds())

	switch {
	case proxyErr != nil:
		p.metrics.count(p.id, resultError)
		return proxyErr
	case sw.status >= http.StatusInternalServerError:
		p.metrics.count(p.id, resultStatus5xx)
		return fmt.Errorf("%w: %d", ErrUpstreamStatus, sw.status)
	default:
		p.metrics.count(p.id, resultSuccess)
		return nil
	}
}

// errorHandler answers transport failures and hands the error back to
// forward.
func (p *Route) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if slot, ok := r.Context().Value(errSlotKey{}).(*error); ok {
		*slot = err
	}

	p.logger.Warn("proxy error",
		observability.Route(p.id),
		observability.String("path", r.URL.Path),
		observability.String("method", r.Method),
		observability.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = io.WriteString(w, errGatewayTimeout)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, errBadGateway)
}

// serveFallback answers a request the breaker turned away.
func (p *Route) serveFallback(w http.ResponseWriter, r *http.Request, breaker *circuitbreaker.Breaker) {
	if p.fallback != nil {
		req := cache.RequestContextFromHTTP(r, p.tenantHeader)
		if payload, ok := p.fallback.Resolve(r.Context(), p.id, req); ok {
			p.metrics.count(p.id, resultFallback)
			if err := payload.WriteResponse(w); err != nil {
				p.logger.Debug("failed to write fallback response",
					observability.Route(p.id),
					observability.Error(err),
				)
			}
			return
		}
	}

	p.metrics.count(p.id, resultUnavailable)
	w.Header().Set("Content-Type", "application/json")
	if timeout := breaker.Settings().Timeout; timeout > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((timeout+time.Second-1)/time.Second)))
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, errServiceUnavailable)
}

// statusWriter records the status code written by the reverse proxy.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streaming support.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
