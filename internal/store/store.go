// Package store provides the shared key-value backend used by the response
// cache, the refresh dispatcher and invalidation.
//
// Two implementations exist: a Redis store shared by every gateway
// instance, and an in-memory store for single-instance development and
// tests. Keys passed to a Store are logical keys; implementations apply
// their own namespace prefix.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/observability"
)

// ErrNotFound indicates that the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// tracerName is the OpenTelemetry tracer name for store operations.
const tracerName = "avacache/store"

// Store is the minimal contract the cache core relies on.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL writes value under key, replacing any previous value.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent writes value only when key does not exist and reports
	// whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DeleteIfValue removes key only while it still holds value and
	// reports whether it did. Markers are released this way so an owner
	// never deletes a marker taken over by someone else.
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// AddToSet adds member to the set and resets the set lifetime to ttl.
	AddToSet(ctx context.Context, set, member string, ttl time.Duration) error

	// RemoveFromSet removes members from the set.
	RemoveFromSet(ctx context.Context, set string, members ...string) error

	// SetMembers returns all members of the set; an unknown set is empty.
	SetMembers(ctx context.Context, set string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New creates the store selected by cfg.
func New(cfg *config.StoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case config.StoreTypeRedis:
		return NewRedis(cfg.Redis, logger)
	case config.StoreTypeMemory, "":
		var opts []MemoryOption
		if cfg.Memory != nil {
			opts = append(opts, WithMaxEntries(cfg.Memory.MaxEntries))
		}
		return NewMemory(logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}
