package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/fallback"
	"github.com/vyrodovalexey/avacache/internal/store"
)

const tenantHeader = "X-Tenant-ID"

func routeConfig(id, backendURL string) *config.RouteConfig {
	return &config.RouteConfig{
		ID:      id,
		Method:  http.MethodGet,
		Path:    "/billing/invoices",
		Backend: backendURL,
		Timeout: config.Duration(time.Second),
	}
}

func TestRoute_Forwards(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("X-Backend", "billing")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(backend.Close)

	m := NewMetrics(prometheus.NewRegistry(), nil)
	route, err := New(routeConfig("billing", backend.URL+"/api"), WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, "billing", route.ID())

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/billing/invoices?year=2025", nil)
	rec := httptest.NewRecorder()
	route.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "billing", rec.Header().Get("X-Backend"))

	seen := <-requests
	assert.Equal(t, "/api/billing/invoices", seen.URL.Path)
	assert.Equal(t, "year=2025", seen.URL.RawQuery)
	assert.Equal(t, "gateway.local", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("billing", resultSuccess)))
}

type breakerFixture struct {
	route    *Route
	engine   *cache.Engine
	breakers *circuitbreaker.Registry
	calls    *atomic.Int32
}

func newBreakerFixture(t *testing.T, status int) *breakerFixture {
	t.Helper()

	calls := &atomic.Int32{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(backend.Close)

	mem := store.NewMemory(nil)
	t.Cleanup(func() { _ = mem.Close() })
	settings, err := cache.NewSettings(true, 10*time.Minute, cache.RouteCachePolicy{
		RouteID: "billing", Method: http.MethodGet, TTL: time.Minute,
		TenantScoped: true, KeyPrefix: "resp:",
	})
	require.NoError(t, err)
	engine := cache.NewEngine(mem, cache.NewSettingsHolder(settings))

	breakers := circuitbreaker.NewRegistry(nil, prometheus.NewRegistry())
	breakers.Set("billing", circuitbreaker.Settings{
		Threshold: 2, FailureRatio: 0.5, Timeout: 90 * time.Second, HalfOpenRequests: 1,
	})

	route, err := New(routeConfig("billing", backend.URL),
		WithBreakers(breakers),
		WithFallback(fallback.NewResolver(engine), tenantHeader),
		WithMetrics(NewMetrics(prometheus.NewRegistry(), nil)),
	)
	require.NoError(t, err)

	return &breakerFixture{route: route, engine: engine, breakers: breakers, calls: calls}
}

func (f *breakerFixture) do(tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/billing/invoices", nil)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	f.route.ServeHTTP(rec, req)
	return rec
}

func TestRoute_BreakerOpenServesFallback(t *testing.T) {
	t.Parallel()

	f := newBreakerFixture(t, http.StatusInternalServerError)

	md, ok := f.engine.Resolve("billing", cache.RequestContext{
		Method: http.MethodGet, Path: "/billing/invoices", TenantID: "acme",
	})
	require.True(t, ok)
	require.NoError(t, f.engine.Store(context.Background(), md, cache.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"invoices":[]}`),
	}))

	// 5xx answers reach the client and count as failures.
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusInternalServerError, f.do("acme").Code)
	}
	b, ok := f.breakers.Get("billing")
	require.True(t, ok)
	require.Equal(t, gobreaker.StateOpen, b.State())

	rec := f.do("acme")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"invoices":[]}`, rec.Body.String())
	assert.Equal(t, fallback.CacheFallback, rec.Header().Get(cache.HeaderCache))
	assert.Equal(t, "FRESH", rec.Header().Get(fallback.HeaderCacheState))
	assert.Equal(t, int32(2), f.calls.Load())

	// Another tenant has nothing cached.
	rec = f.do("other")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, errServiceUnavailable, rec.Body.String())
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(2), f.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.route.metrics.requests.WithLabelValues("billing", resultFallback)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.route.metrics.requests.WithLabelValues("billing", resultUnavailable)))
}

func TestRoute_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	f := newBreakerFixture(t, http.StatusNotFound)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNotFound, f.do("acme").Code)
	}
	b, _ := f.breakers.Get("billing")
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, int32(5), f.calls.Load())
}

func TestRoute_TransportErrors(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name           string
		backend        string
		timeout        time.Duration
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "connection refused",
			backend:        closedURL,
			timeout:        time.Second,
			expectedStatus: http.StatusBadGateway,
			expectedBody:   errBadGateway,
		},
		{
			name:           "route timeout",
			backend:        slow.URL,
			timeout:        50 * time.Millisecond,
			expectedStatus: http.StatusGatewayTimeout,
			expectedBody:   errGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := routeConfig("billing", tt.backend)
			cfg.Timeout = config.Duration(tt.timeout)
			m := NewMetrics(prometheus.NewRegistry(), nil)
			route, err := New(cfg, WithMetrics(m))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			route.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/invoices", nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("billing", resultError)))
		})
	}
}

func TestNew_InvalidBackend(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{"", "billing:8080", "http://%zz"} {
		_, err := New(routeConfig("billing", backend))
		assert.ErrorIs(t, err, ErrInvalidBackend, backend)
	}
}
