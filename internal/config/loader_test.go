package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
apiVersion: gateway.avacache.io/v1
kind: Gateway
metadata:
  name: test-gateway
spec:
  server:
    address: ":9090"
  cache:
    enabled: true
  store:
    type: memory
  routes:
    - id: tenant-profile
      path: /tenants/:id/profile
      backend: http://tenants.internal:8080
      cache:
        ttl: 5m
        tenantScoped: true
        warm: true
        warmPath: /tenants/{tenant}/profile
    - id: catalog
      method: get
      path: /catalog
      backend: http://catalog.internal:8080
      cache:
        ttl: 300
      circuitBreaker:
        enabled: true
  warmup:
    enabled: true
    tenants: [acme]
  invalidation:
    bindings:
      - subject: tenant.updated
        kind: tenant
        routes: [tenant-profile, catalog]
      - subject: catalog.updated
        kind: catalog
        routes: [catalog]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-gateway", cfg.Metadata.Name)
	require.Len(t, cfg.Spec.Routes, 2)

	profile := cfg.Spec.Routes[0]
	assert.Equal(t, "GET", profile.Method)
	assert.Equal(t, 5*time.Minute, profile.Cache.TTL.Duration())
	assert.True(t, profile.Cache.TenantScoped)

	catalog := cfg.Spec.Routes[1]
	assert.Equal(t, "GET", catalog.Method)
	assert.Equal(t, 300*time.Second, catalog.Cache.TTL.Duration(), "bare integers are seconds")
	assert.Equal(t, DefaultBreakerThreshold, catalog.CircuitBreaker.Threshold)
	assert.InDelta(t, DefaultBreakerRatio, catalog.CircuitBreaker.FailureRatio, 0.0001)

	assert.Equal(t, "http://127.0.0.1:9090", cfg.Spec.Refresh.BaseURL)
	assert.Equal(t, DefaultRefreshInflightTTL, cfg.Spec.Refresh.InflightTTL.Duration())
	assert.Equal(t, DefaultCacheKeyPrefix, cfg.Spec.Cache.KeyPrefix)
	assert.Equal(t, DefaultFallbackRetention, cfg.Spec.Cache.FallbackRetention.Duration())

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "gateway.yaml"))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, StoreTypeRedis, cfg.Spec.Store.Type)
	assert.Len(t, cfg.Spec.Invalidation.Bindings, 2)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/gateway.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigFromReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "valid", content: validConfigYAML},
		{name: "empty", content: "", wantErr: "empty document"},
		{name: "malformed", content: "spec: [unterminated", wantErr: "failed to parse YAML"},
		{name: "unknown field", content: "apiVersion: x\nbogus: true\n", wantErr: "failed to parse YAML"},
		{name: "bad duration", content: "spec:\n  refresh:\n    timeout: soon\n", wantErr: "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadConfigFromReader(strings.NewReader(tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVACACHE_TEST_REDIS", "redis://cache:6379")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "url: ${AVACACHE_TEST_REDIS}", want: "url: redis://cache:6379"},
		{name: "default used", input: "url: ${AVACACHE_TEST_UNSET:-redis://localhost:6379}", want: "url: redis://localhost:6379"},
		{name: "set wins over default", input: "${AVACACHE_TEST_REDIS:-other}", want: "redis://cache:6379"},
		{name: "unset no default", input: "x${AVACACHE_TEST_UNSET}y", want: "xy"},
		{name: "escaped dollar", input: "price: $$5", want: "price: $5"},
		{name: "escaped reference", input: "$${AVACACHE_TEST_REDIS}", want: "${AVACACHE_TEST_REDIS}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(validConfigYAML))
	require.NoError(t, err)

	before := *cfg
	ApplyDefaults(cfg)
	assert.Equal(t, before.Spec.Refresh, cfg.Spec.Refresh)
	assert.Equal(t, before.Spec.Server, cfg.Spec.Server)

	ApplyDefaults(nil)
}

func TestApplyDefaults_RedisStore(t *testing.T) {
	t.Parallel()

	cfg := &GatewayConfig{Spec: GatewaySpec{Store: StoreConfig{Type: StoreTypeRedis}}}
	ApplyDefaults(cfg)

	r := cfg.Spec.Store.Redis
	require.NotNil(t, r)
	assert.Equal(t, DefaultRedisKeyPrefix, r.KeyPrefix)
	assert.Equal(t, DefaultRedisPoolSize, r.PoolSize)
	require.NotNil(t, r.Retry)
	assert.Equal(t, DefaultRedisMaxRetries, r.Retry.MaxRetries)
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)

	assert.Equal(t, time.Second, Duration(0).OrDefault(time.Second))
	assert.Equal(t, time.Minute, Duration(time.Minute).OrDefault(time.Second))
}

func TestFindRoute(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(validConfigYAML))
	require.NoError(t, err)

	r, ok := cfg.Spec.FindRoute("catalog")
	require.True(t, ok)
	assert.Equal(t, "/catalog", r.Path)

	_, ok = cfg.Spec.FindRoute("missing")
	assert.False(t, ok)
}
