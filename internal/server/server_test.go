package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/circuitbreaker"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/fallback"
	"github.com/vyrodovalexey/avacache/internal/health"
	"github.com/vyrodovalexey/avacache/internal/store"
)

type fixture struct {
	server  *Server
	holder  *cache.SettingsHolder
	spec    *config.GatewaySpec
	calls   *atomic.Int32
	gateway *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	calls := &atomic.Int32{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q,"call":%d}`, r.URL.Path, n)
	}))
	t.Cleanup(backend.Close)

	spec := &config.GatewaySpec{
		Server: config.ServerConfig{TenantHeader: "X-Tenant-ID"},
		Cache:  config.CacheConfig{Enabled: true, KeyPrefix: "resp:", FallbackRetention: config.Duration(time.Minute)},
		Routes: []config.RouteConfig{
			{
				ID: "tenant-by-id", Method: http.MethodGet, Path: "/tenants/:id", Backend: backend.URL,
				Timeout: config.Duration(time.Second),
				Cache:   &config.RouteCacheConfig{TTL: config.Duration(time.Minute), TenantScoped: true},
			},
			{
				ID: "orders-create", Method: http.MethodPost, Path: "/orders", Backend: backend.URL,
				Timeout: config.Duration(time.Second),
			},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	settings, err := cache.SettingsFromConfig(spec)
	require.NoError(t, err)
	holder := cache.NewSettingsHolder(settings)
	mem := store.NewMemory(nil)
	t.Cleanup(func() { _ = mem.Close() })
	engine := cache.NewEngine(mem, holder)

	reg := prometheus.NewRegistry()
	checker := health.NewChecker("test")
	checker.RegisterCheck("store", health.StoreCheck(mem))

	s := New(Dependencies{
		Engine:     engine,
		Breakers:   circuitbreaker.NewRegistry(nil, reg),
		Fallback:   fallback.NewResolver(engine),
		Health:     checker,
		Gatherer:   reg,
		Registerer: reg,
	})
	require.NoError(t, s.Build(spec))

	gateway := httptest.NewServer(s)
	t.Cleanup(gateway.Close)

	return &fixture{server: s, holder: holder, spec: spec, calls: calls, gateway: gateway}
}

func (f *fixture) get(t *testing.T, method, path string, header http.Header) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, f.gateway.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_CachedRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	acme := http.Header{"X-Tenant-Id": {"acme"}}

	resp, body := f.get(t, http.MethodGet, "/tenants/acme", acme)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get(cache.HeaderCache))
	assert.Equal(t, `{"path":"/tenants/acme","call":1}`, body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = f.get(t, http.MethodGet, "/tenants/acme", acme)
	assert.Equal(t, "HIT", resp.Header.Get(cache.HeaderCache))
	assert.Equal(t, `{"path":"/tenants/acme","call":1}`, body)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestServer_UncachedRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 1; i <= 2; i++ {
		resp, body := f.get(t, http.MethodPost, "/orders", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get(cache.HeaderCache))
		assert.Equal(t, fmt.Sprintf(`{"path":"/orders","call":%d}`, i), body)
	}
}

func TestServer_Endpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		contains       string
	}{
		{name: "liveness", path: HealthPath, expectedStatus: http.StatusOK, contains: `"status":"healthy"`},
		{name: "readiness", path: ReadinessPath, expectedStatus: http.StatusOK, contains: `"store"`},
		{name: "metrics", path: "/metrics", expectedStatus: http.StatusOK, contains: "gateway_"},
		{name: "unknown path", path: "/nowhere", expectedStatus: http.StatusNotFound, contains: "no matching route"},
		{name: "no trailing slash redirect", path: "/orders/", expectedStatus: http.StatusNotFound},
	}

	// Populate at least one labelled series.
	f.get(t, http.MethodPost, "/orders", nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.get(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			assert.Contains(t, body, tt.contains)
		})
	}
}

func TestServer_RebuildSwapsRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	next := *f.spec
	next.Routes = []config.RouteConfig{f.spec.Routes[1]}
	require.NoError(t, f.server.Build(&next))

	resp, _ := f.get(t, http.MethodGet, "/tenants/acme", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, http.MethodPost, "/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BuildErrorsKeepPreviousTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		routes func(spec *config.GatewaySpec) []config.RouteConfig
	}{
		{
			name: "invalid backend",
			routes: func(spec *config.GatewaySpec) []config.RouteConfig {
				r := spec.Routes[1]
				r.Backend = "not a url"
				return []config.RouteConfig{r}
			},
		},
		{
			name: "conflicting patterns",
			routes: func(spec *config.GatewaySpec) []config.RouteConfig {
				r := spec.Routes[0]
				r.ID = "tenant-by-name"
				r.Path = "/tenants/:name"
				return []config.RouteConfig{spec.Routes[0], r}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			next := *f.spec
			next.Routes = tt.routes(f.spec)
			require.Error(t, f.server.Build(&next))

			resp, _ := f.get(t, http.MethodPost, "/orders", nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	s := New(Dependencies{})
	require.NoError(t, s.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := &config.ServerConfig{
		ReadTimeout:  config.Duration(time.Second),
		WriteTimeout: config.Duration(time.Second),
		IdleTimeout:  config.Duration(time.Second),
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + HealthPath)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	second, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(second, cfg), ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}
