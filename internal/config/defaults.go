package config

import (
	"net/http"
	"strings"
	"time"
)

// Default values.
const (
	DefaultServerAddress      = ":8080"
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 120 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultTenantHeader       = "X-Tenant-ID"
	DefaultCacheKeyPrefix     = "resp:"
	DefaultFallbackRetention  = 10 * time.Minute
	DefaultRedisKeyPrefix     = "avacache:"
	DefaultRedisPoolSize      = 20
	DefaultRedisTimeout       = 500 * time.Millisecond
	DefaultRedisMaxRetries    = 2
	DefaultRedisRetryInitial  = 25 * time.Millisecond
	DefaultRedisRetryMax      = 250 * time.Millisecond
	DefaultRouteTimeout       = 15 * time.Second
	DefaultBreakerThreshold   = 10
	DefaultBreakerRatio       = 0.5
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultBreakerHalfOpen    = 1
	DefaultRefreshTimeout     = 10 * time.Second
	DefaultRefreshInflightTTL = 30 * time.Second
	DefaultRefreshWorkers     = 8
	DefaultRefreshQueueSize   = 256
	DefaultWarmupInterval     = 5 * time.Minute
	DefaultHandleTimeout      = 5 * time.Second
	DefaultNATSQueueGroup     = "avacache-invalidation"
	DefaultNATSReconnectWait  = 2 * time.Second
	DefaultNATSMaxReconnects  = -1
	DefaultMetricsPath        = "/metrics"
)

// ApplyDefaults fills zero values in cfg with defaults. It is idempotent.
func ApplyDefaults(cfg *GatewayConfig) {
	if cfg == nil {
		return
	}
	spec := &cfg.Spec

	applyServerDefaults(&spec.Server)

	if spec.Cache.KeyPrefix == "" {
		spec.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}
	if spec.Cache.FallbackRetention == 0 {
		spec.Cache.FallbackRetention = Duration(DefaultFallbackRetention)
	}

	applyStoreDefaults(&spec.Store)

	for i := range spec.Routes {
		applyRouteDefaults(&spec.Routes[i])
	}

	applyRefreshDefaults(&spec.Refresh, &spec.Server)

	if spec.Warmup.Interval == 0 {
		spec.Warmup.Interval = Duration(DefaultWarmupInterval)
	}

	if spec.Invalidation.HandleTimeout == 0 {
		spec.Invalidation.HandleTimeout = Duration(DefaultHandleTimeout)
	}
	if n := spec.Invalidation.NATS; n != nil {
		if n.QueueGroup == "" {
			n.QueueGroup = DefaultNATSQueueGroup
		}
		if n.ReconnectWait == 0 {
			n.ReconnectWait = Duration(DefaultNATSReconnectWait)
		}
		if n.MaxReconnects == 0 {
			n.MaxReconnects = DefaultNATSMaxReconnects
		}
	}

	if spec.Metrics.Path == "" {
		spec.Metrics.Path = DefaultMetricsPath
	}
	if spec.Logging.Level == "" {
		spec.Logging.Level = "info"
	}
	if spec.Logging.Format == "" {
		spec.Logging.Format = "json"
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Address == "" {
		s.Address = DefaultServerAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if s.TenantHeader == "" {
		s.TenantHeader = DefaultTenantHeader
	}
}

func applyStoreDefaults(s *StoreConfig) {
	if s.Type == "" {
		s.Type = StoreTypeMemory
	}
	if s.Type != StoreTypeRedis {
		return
	}
	if s.Redis == nil {
		s.Redis = &RedisConfig{}
	}
	r := s.Redis
	if r.KeyPrefix == "" {
		r.KeyPrefix = DefaultRedisKeyPrefix
	}
	if r.PoolSize == 0 {
		r.PoolSize = DefaultRedisPoolSize
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = Duration(DefaultRedisTimeout)
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = Duration(DefaultRedisTimeout)
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = Duration(DefaultRedisTimeout)
	}
	if r.Retry == nil {
		r.Retry = &RedisRetryConfig{}
	}
	if r.Retry.MaxRetries == 0 {
		r.Retry.MaxRetries = DefaultRedisMaxRetries
	}
	if r.Retry.InitialBackoff == 0 {
		r.Retry.InitialBackoff = Duration(DefaultRedisRetryInitial)
	}
	if r.Retry.MaxBackoff == 0 {
		r.Retry.MaxBackoff = Duration(DefaultRedisRetryMax)
	}
}

func applyRouteDefaults(r *RouteConfig) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Timeout == 0 {
		r.Timeout = Duration(DefaultRouteTimeout)
	}
	if cb := r.CircuitBreaker; cb != nil {
		if cb.Threshold == 0 {
			cb.Threshold = DefaultBreakerThreshold
		}
		if cb.FailureRatio == 0 {
			cb.FailureRatio = DefaultBreakerRatio
		}
		if cb.Timeout == 0 {
			cb.Timeout = Duration(DefaultBreakerTimeout)
		}
		if cb.HalfOpenRequests == 0 {
			cb.HalfOpenRequests = DefaultBreakerHalfOpen
		}
	}
}

func applyRefreshDefaults(r *RefreshConfig, server *ServerConfig) {
	if r.BaseURL == "" {
		r.BaseURL = "http://127.0.0.1" + listenPort(server.Address)
	}
	r.BaseURL = strings.TrimRight(r.BaseURL, "/")
	if r.Timeout == 0 {
		r.Timeout = Duration(DefaultRefreshTimeout)
	}
	if r.InflightTTL == 0 {
		r.InflightTTL = Duration(DefaultRefreshInflightTTL)
	}
	if r.Workers == 0 {
		r.Workers = DefaultRefreshWorkers
	}
	if r.QueueSize == 0 {
		r.QueueSize = DefaultRefreshQueueSize
	}
}

// listenPort returns the ":port" suffix of a listen address.
func listenPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":80"
}
