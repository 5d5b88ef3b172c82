package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

const backendRedis = "redis"

// compareAndDelete deletes KEYS[1] when it holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RetryPolicy bounds retries of a single Redis operation.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     config.DefaultRedisMaxRetries,
		InitialBackoff: config.DefaultRedisRetryInitial,
		MaxBackoff:     config.DefaultRedisRetryMax,
	}
}

// Redis is a Store backed by a standalone or Sentinel-managed Redis.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	retry     RetryPolicy
	logger    observability.Logger
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) RedisOption {
	return func(r *Redis) {
		r.retry = p
	}
}

// NewRedis connects to Redis as described by cfg. Sentinel mode takes
// precedence over the standalone URL.
func NewRedis(cfg *config.RedisConfig, logger observability.Logger) (*Redis, error) {
	if cfg == nil {
		return nil, errors.New("redis configuration is required")
	}

	var (
		client *redis.Client
		mode   string
	)
	if cfg.Sentinel != nil && cfg.Sentinel.MasterName != "" {
		opts, err := failoverOptions(cfg)
		if err != nil {
			return nil, err
		}
		client = redis.NewFailoverClient(opts)
		mode = "sentinel"
	} else {
		opts, err := standaloneOptions(cfg)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
		mode = "standalone"
	}

	if err := pingRedis(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s connection failed: %w", mode, err)
	}

	policy := DefaultRetryPolicy()
	if cfg.Retry != nil {
		policy = RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
		}
	}

	s := NewRedisFromClient(client, cfg.KeyPrefix, logger, WithRetryPolicy(policy))

	logger.Info("redis store initialized",
		observability.String("mode", mode),
		observability.String("keyPrefix", s.keyPrefix),
		observability.Int("maxRetries", policy.MaxRetries),
	)
	return s, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(
	client *redis.Client, keyPrefix string, logger observability.Logger, opts ...RedisOption,
) *Redis {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if keyPrefix == "" {
		keyPrefix = config.DefaultRedisKeyPrefix
	}
	s := &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		retry:     DefaultRetryPolicy(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func standaloneOptions(cfg *config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required for standalone mode")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout.Duration()
	}
	if tlsCfg := tlsConfig(cfg.TLS); tlsCfg != nil {
		opts.TLSConfig = tlsCfg
	}
	// Retries are handled by the store so they can be observed.
	opts.MaxRetries = -1
	return opts, nil
}

func failoverOptions(cfg *config.RedisConfig) (*redis.FailoverOptions, error) {
	sentinel := cfg.Sentinel
	if len(sentinel.SentinelAddrs) == 0 {
		return nil, errors.New("at least one sentinel address is required")
	}
	opts := &redis.FailoverOptions{
		MasterName:       sentinel.MasterName,
		SentinelAddrs:    sentinel.SentinelAddrs,
		SentinelPassword: sentinel.SentinelPassword,
		Password:         sentinel.Password,
		DB:               sentinel.DB,
		PoolSize:         cfg.PoolSize,
		DialTimeout:      cfg.ConnectTimeout.Duration(),
		ReadTimeout:      cfg.ReadTimeout.Duration(),
		WriteTimeout:     cfg.WriteTimeout.Duration(),
		MaxRetries:       -1,
		TLSConfig:        tlsConfig(cfg.TLS),
	}
	return opts, nil
}

func tlsConfig(cfg *config.RedisTLSConfig) *tls.Config {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator configurable
	}
}

// pingRedis tests the Redis connection with a timeout.
func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// isRetryable reports whether err is worth another attempt. Misses and
// caller cancellation are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, redis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (s *Redis) resolveKey(key string) string {
	return s.keyPrefix + key
}

// run executes fn under a span with bounded exponential-backoff retries.
func (s *Redis) run(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", backendRedis),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	metrics := GetMetrics()
	start := time.Now()
	defer func() {
		metrics.operationDuration.WithLabelValues(backendRedis, op).Observe(time.Since(start).Seconds())
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retry.InitialBackoff
	eb.MaxInterval = s.retry.MaxBackoff
	eb.MaxElapsedTime = 0

	maxRetries := s.retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithMaxRetries(eb, uint64(maxRetries))

	err := backoff.RetryNotify(func() error {
		opErr := fn(ctx)
		if opErr != nil && !isRetryable(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		metrics.retriesTotal.WithLabelValues(backendRedis, op).Inc()
		s.logger.Debug("retrying redis operation",
			observability.String("operation", op),
			observability.CacheKey(key),
			observability.Duration("backoff", wait),
			observability.Error(err),
		)
	})

	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	metrics.errorsTotal.WithLabelValues(backendRedis, op).Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	return err
}

// Get implements Store.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.run(ctx, "get", key, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, s.resolveKey(key)).Bytes()
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// SetWithTTL implements Store.
func (s *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.run(ctx, "set", key, func(ctx context.Context) error {
		return s.client.Set(ctx, s.resolveKey(key), value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// SetIfAbsent implements Store. A retried SETNX whose first attempt did
// land on the server sees its own value and still reports success.
func (s *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	full := s.resolveKey(key)
	attempts := 0
	var ok bool
	err := s.run(ctx, "setnx", key, func(ctx context.Context) error {
		attempts++
		var err error
		ok, err = s.client.SetNX(ctx, full, value, ttl).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok || attempts == 1 {
		return ok, nil
	}

	current, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(current, value), nil
}

// DeleteIfValue implements Store with an atomic GET and DEL script.
func (s *Redis) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	var deleted int64
	err := s.run(ctx, "delete_if", key, func(ctx context.Context) error {
		var err error
		deleted, err = compareAndDelete.Run(ctx, s.client, []string{s.resolveKey(key)}, value).Int64()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis delete if value: %w", err)
	}
	return deleted == 1, nil
}

// Delete implements Store.
func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.resolveKey(k)
	}
	err := s.run(ctx, "delete", keys[0], func(ctx context.Context) error {
		return s.client.Del(ctx, full...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// AddToSet implements Store.
func (s *Redis) AddToSet(ctx context.Context, set, member string, ttl time.Duration) error {
	full := s.resolveKey(set)
	err := s.run(ctx, "sadd", set, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, full, member)
			if ttl > 0 {
				pipe.Expire(ctx, full, ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// RemoveFromSet implements Store.
func (s *Redis) RemoveFromSet(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := s.run(ctx, "srem", set, func(ctx context.Context) error {
		return s.client.SRem(ctx, s.resolveKey(set), args...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// SetMembers implements Store.
func (s *Redis) SetMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := s.run(ctx, "smembers", set, func(ctx context.Context) error {
		m, err := s.client.SMembers(ctx, s.resolveKey(set)).Result()
		if err != nil {
			return err
		}
		members = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *Redis) Close() error {
	return s.client.Close()
}
