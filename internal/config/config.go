package config

import (
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// APIVersionPrefix is the required prefix of the apiVersion field.
const APIVersionPrefix = "gateway.avacache.io/"

// KindGateway is the only supported configuration kind.
const KindGateway = "Gateway"

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	APIVersion string      `yaml:"apiVersion" json:"apiVersion"`
	Kind       string      `yaml:"kind" json:"kind"`
	Metadata   Metadata    `yaml:"metadata" json:"metadata"`
	Spec       GatewaySpec `yaml:"spec" json:"spec"`
}

// Metadata identifies the gateway instance group.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// GatewaySpec holds every configuration section.
type GatewaySpec struct {
	Server       ServerConfig               `yaml:"server" json:"server"`
	Cache        CacheConfig                `yaml:"cache" json:"cache"`
	Store        StoreConfig                `yaml:"store" json:"store"`
	Routes       []RouteConfig              `yaml:"routes" json:"routes"`
	Refresh      RefreshConfig              `yaml:"refresh" json:"refresh"`
	Warmup       WarmupConfig               `yaml:"warmup" json:"warmup"`
	Invalidation InvalidationConfig         `yaml:"invalidation" json:"invalidation"`
	Metrics      MetricsConfig              `yaml:"metrics" json:"metrics"`
	Logging      observability.LogConfig    `yaml:"logging" json:"logging"`
	Tracing      observability.TracerConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`

	// TenantHeader carries the resolved tenant identity. Authentication
	// upstream of the gateway is responsible for setting it.
	TenantHeader string `yaml:"tenantHeader,omitempty" json:"tenantHeader,omitempty"`
}

// CacheConfig holds the global response cache switches.
type CacheConfig struct {
	// Enabled is the global kill switch.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// KeyPrefix is prepended to every response cache key unless the route
	// overrides it.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// FallbackRetention keeps entries in the store past their expiry so
	// the fallback resolver can still serve them while a breaker is open.
	FallbackRetention Duration `yaml:"fallbackRetention,omitempty" json:"fallbackRetention,omitempty"`
}

// Store backend types.
const (
	StoreTypeRedis  = "redis"
	StoreTypeMemory = "memory"
)

// StoreConfig selects and configures the shared cache store.
type StoreConfig struct {
	Type   string             `yaml:"type" json:"type"`
	Redis  *RedisConfig       `yaml:"redis,omitempty" json:"redis,omitempty"`
	Memory *MemoryStoreConfig `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// MemoryStoreConfig bounds the in-process store.
type MemoryStoreConfig struct {
	// MaxEntries caps stored values; the least recently used go first.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// URL is the connection URL for standalone mode,
	// redis://[user:password@]host:port[/db].
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Sentinel enables failover mode and takes precedence over URL.
	Sentinel *RedisSentinelConfig `yaml:"sentinel,omitempty" json:"sentinel,omitempty"`

	PoolSize       int      `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	ReadTimeout    Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout   Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`

	// KeyPrefix namespaces every key this gateway writes.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	TLS   *RedisTLSConfig   `yaml:"tls,omitempty" json:"tls,omitempty"`
	Retry *RedisRetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RedisSentinelConfig contains Redis Sentinel settings.
type RedisSentinelConfig struct {
	MasterName       string   `yaml:"masterName" json:"masterName"`
	SentinelAddrs    []string `yaml:"sentinelAddrs" json:"sentinelAddrs"`
	SentinelPassword string   `yaml:"sentinelPassword,omitempty" json:"sentinelPassword,omitempty"`
	Password         string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB               int      `yaml:"db,omitempty" json:"db,omitempty"`
}

// RedisTLSConfig enables TLS towards Redis.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	InsecureSkipVerify bool `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

// RedisRetryConfig bounds retries of individual store operations. Kept
// small because lookups sit on the request path.
type RedisRetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	InitialBackoff Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff     Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
}

// RouteConfig describes one gateway route.
type RouteConfig struct {
	// ID is the stable route identifier used by invalidation bindings.
	ID string `yaml:"id" json:"id"`

	Method string `yaml:"method" json:"method"`

	// Path is a gin route pattern, e.g. /tenants/:id.
	Path string `yaml:"path" json:"path"`

	// Backend is the downstream base URL.
	Backend string   `yaml:"backend" json:"backend"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Cache enables response caching for the route when set.
	Cache *RouteCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`

	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// RouteCacheConfig is the per-route cache policy.
type RouteCacheConfig struct {
	TTL Duration `yaml:"ttl" json:"ttl"`

	// StaleAfter opens a stale-while-revalidate window before TTL expiry.
	// Zero means entries are fresh for the whole TTL.
	StaleAfter Duration `yaml:"staleAfter,omitempty" json:"staleAfter,omitempty"`

	Warm         bool   `yaml:"warm,omitempty" json:"warm,omitempty"`
	TenantScoped bool   `yaml:"tenantScoped,omitempty" json:"tenantScoped,omitempty"`
	WarmPath     string `yaml:"warmPath,omitempty" json:"warmPath,omitempty"`
	KeyPrefix    string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// CircuitBreakerConfig configures the per-route downstream breaker.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Threshold is the minimum number of requests in a window before the
	// failure ratio can trip the breaker.
	Threshold int `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// FailureRatio trips the breaker once reached. Defaults to 0.5.
	FailureRatio float64 `yaml:"failureRatio,omitempty" json:"failureRatio,omitempty"`

	// Timeout is how long the breaker stays open before probing.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int `yaml:"halfOpenRequests,omitempty" json:"halfOpenRequests,omitempty"`
}

// RefreshConfig configures background revalidation and warm calls.
type RefreshConfig struct {
	// BaseURL is the gateway's own externally reachable address.
	BaseURL string `yaml:"baseURL" json:"baseURL"`

	// Timeout bounds every loop-back call.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// InflightTTL is the lifetime of the in-flight marker. Must exceed
	// Timeout.
	InflightTTL Duration `yaml:"inflightTTL,omitempty" json:"inflightTTL,omitempty"`

	Workers   int `yaml:"workers,omitempty" json:"workers,omitempty"`
	QueueSize int `yaml:"queueSize,omitempty" json:"queueSize,omitempty"`
}

// WarmupConfig configures the warmup scheduler.
type WarmupConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Tenants are pre-warmed for every tenant-scoped warm route.
	Tenants []string `yaml:"tenants,omitempty" json:"tenants,omitempty"`

	// RatePerSecond paces warm dispatches within a pass. Zero disables
	// pacing.
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty" json:"ratePerSecond,omitempty"`
}

// Invalidation binding kinds.
const (
	InvalidationKindTenant  = "tenant"
	InvalidationKindCatalog = "catalog"
)

// InvalidationConfig configures change-notification consumption.
type InvalidationConfig struct {
	NATS     *NATSConfig           `yaml:"nats,omitempty" json:"nats,omitempty"`
	Bindings []InvalidationBinding `yaml:"bindings,omitempty" json:"bindings,omitempty"`

	// HandleTimeout bounds the store work done for one notification.
	HandleTimeout Duration `yaml:"handleTimeout,omitempty" json:"handleTimeout,omitempty"`
}

// NATSConfig configures the NATS connection used for notifications.
type NATSConfig struct {
	URL           string   `yaml:"url" json:"url"`
	QueueGroup    string   `yaml:"queueGroup,omitempty" json:"queueGroup,omitempty"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	MaxReconnects int      `yaml:"maxReconnects,omitempty" json:"maxReconnects,omitempty"`
	ReconnectWait Duration `yaml:"reconnectWait,omitempty" json:"reconnectWait,omitempty"`
}

// InvalidationBinding maps a notification subject to the routes it evicts.
type InvalidationBinding struct {
	Subject string   `yaml:"subject" json:"subject"`
	Kind    string   `yaml:"kind" json:"kind"`
	Routes  []string `yaml:"routes" json:"routes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`

	// KeyLabels adds the full cache key as a metric label. Off by default
	// because it makes series cardinality unbounded.
	KeyLabels bool `yaml:"keyLabels,omitempty" json:"keyLabels,omitempty"`
}

// FindRoute returns the route with the given id.
func (s *GatewaySpec) FindRoute(id string) (*RouteConfig, bool) {
	for i := range s.Routes {
		if s.Routes[i].ID == id {
			return &s.Routes[i], true
		}
	}
	return nil, false
}
