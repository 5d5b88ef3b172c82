package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

const configTemplate = `apiVersion: gateway.avacache.io/v1
kind: Gateway
metadata:
  name: test
spec:
  server:
    address: %q
    shutdownTimeout: 2s
  cache:
    enabled: true
  store:
    type: memory
  refresh:
    baseURL: http://127.0.0.1:1
    timeout: 1s
    inflightTTL: 5s
    workers: 1
    queueSize: 4
  warmup:
    enabled: %t
    interval: 1h
  metrics:
    enabled: true
  routes:
%s`

func planRoute(backend string) string {
	return fmt.Sprintf(`    - id: plans
      path: /plans
      backend: %s
      cache:
        ttl: 1m
`, backend)
}

func orderRoute(backend string) string {
	return fmt.Sprintf(`    - id: orders
      method: POST
      path: /orders
      backend: %s
`, backend)
}

func parseTestConfig(t *testing.T, address string, warmup bool, routes ...string) *config.GatewayConfig {
	t.Helper()

	doc := fmt.Sprintf(configTemplate, address, warmup, strings.Join(routes, ""))
	cfg, err := config.LoadConfigFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, config.ValidateConfig(cfg))
	return cfg
}

func newBackend(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	calls := &atomic.Int32{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q,"call":%d}`, r.URL.Path, n)
	}))
	t.Cleanup(backend.Close)
	return backend, calls
}

func do(t *testing.T, method, url string) (int, string, http.Header) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func TestApplication_ServesAndReloads(t *testing.T) {
	backend, calls := newBackend(t)
	cfg := parseTestConfig(t, ":0", false, planRoute(backend.URL))

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.shutdown)

	gw := httptest.NewServer(app.server)
	t.Cleanup(gw.Close)

	status, _, header := do(t, http.MethodGet, gw.URL+"/plans")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "MISS", header.Get(cache.HeaderCache))

	status, body, header := do(t, http.MethodGet, gw.URL+"/plans")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HIT", header.Get(cache.HeaderCache))
	assert.Equal(t, `{"path":"/plans","call":1}`, body)
	assert.Equal(t, int32(1), calls.Load())

	status, body, _ = do(t, http.MethodGet, gw.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")

	t.Run("applied", func(t *testing.T) {
		next := parseTestConfig(t, ":0", false, orderRoute(backend.URL))
		require.NoError(t, app.reload(next))

		status, _, _ := do(t, http.MethodGet, gw.URL+"/plans")
		assert.Equal(t, http.StatusNotFound, status)
		status, _, header := do(t, http.MethodPost, gw.URL+"/orders")
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, header.Get(cache.HeaderCache))

		_, ok := app.settings.Load().Policy("plans")
		assert.False(t, ok)
		assert.Same(t, next, app.currentConfig())
		assert.Equal(t, 1.0, testutil.ToFloat64(app.reloadMetrics.total.WithLabelValues("success")))
	})

	t.Run("rejected", func(t *testing.T) {
		before := app.currentConfig()
		next := parseTestConfig(t, ":0", false, orderRoute(backend.URL))
		next.Spec.Routes[0].Backend = "not a url"

		require.Error(t, app.reload(next))

		status, _, _ := do(t, http.MethodPost, gw.URL+"/orders")
		assert.Equal(t, http.StatusOK, status)
		assert.Same(t, before, app.currentConfig())
		assert.Equal(t, 1.0, testutil.ToFloat64(app.reloadMetrics.total.WithLabelValues("error")))
	})
}

func TestApplication_WarmupFollowsReload(t *testing.T) {
	backend, _ := newBackend(t)
	cfg := parseTestConfig(t, ":0", false, planRoute(backend.URL))

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(app.shutdown)

	app.syncWarmup(&cfg.Spec)
	assert.Nil(t, app.scheduler)

	require.NoError(t, app.reload(parseTestConfig(t, ":0", true, planRoute(backend.URL))))
	require.NotNil(t, app.scheduler)
	started := app.scheduler

	require.NoError(t, app.reload(parseTestConfig(t, ":0", true, planRoute(backend.URL))))
	assert.Same(t, started, app.scheduler)

	require.NoError(t, app.reload(parseTestConfig(t, ":0", false, planRoute(backend.URL))))
	assert.Nil(t, app.scheduler)
}

func TestNewApplication_Errors(t *testing.T) {
	backend, _ := newBackend(t)

	tests := []struct {
		name   string
		mutate func(cfg *config.GatewayConfig)
	}{
		{
			name:   "unknown store",
			mutate: func(cfg *config.GatewayConfig) { cfg.Spec.Store.Type = "etcd" },
		},
		{
			name:   "invalid backend",
			mutate: func(cfg *config.GatewayConfig) { cfg.Spec.Routes[0].Backend = "not a url" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parseTestConfig(t, ":0", false, planRoute(backend.URL))
			tt.mutate(cfg)

			_, err := newApplication(context.Background(), cfg, observability.NopLogger())
			assert.Error(t, err)
		})
	}
}

func freeAddress(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunGateway_ReloadsFileAndShutsDown(t *testing.T) {
	backend, _ := newBackend(t)
	addr := freeAddress(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	write := func(routes ...string) {
		doc := fmt.Sprintf(configTemplate, addr, false, strings.Join(routes, ""))
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write(planRoute(backend.URL))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runGateway(ctx, app, path) }()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	write(planRoute(backend.URL), orderRoute(backend.URL))
	require.Eventually(t, func() bool {
		resp, err := http.Post(base+"/orders", "application/json", nil)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
