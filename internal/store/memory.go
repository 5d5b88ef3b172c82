package store

import (
	"bytes"
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	backendMemory          = "memory"
	defaultCleanupInterval = time.Minute

	// DefaultMemoryMaxEntries caps the values of a Memory store.
	DefaultMemoryMaxEntries = 10000
)

// Memory is a process-local Store. It does not coordinate across gateway
// instances and is meant for development and tests. Values are evicted
// least recently used first once maxEntries is reached; index sets are
// not counted.
type Memory struct {
	logger     observability.Logger
	now        func() time.Time
	maxEntries int

	mu     sync.Mutex
	values map[string]*list.Element
	lru    *list.List
	sets   map[string]*memorySet

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the time source. Tests use it to move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithCleanupInterval sets how often expired entries are purged.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = d
	}
}

// WithMaxEntries caps the number of stored values. Zero or less keeps the
// default.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewMemory creates an in-memory store and starts its cleanup loop.
func NewMemory(logger observability.Logger, opts ...MemoryOption) *Memory {
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &Memory{
		logger:          logger,
		now:             time.Now,
		maxEntries:      DefaultMemoryMaxEntries,
		values:          make(map[string]*list.Element),
		lru:             list.New(),
		sets:            make(map[string]*memorySet),
		cleanupInterval: defaultCleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	logger.Info("memory store initialized",
		observability.Int("maxEntries", m.maxEntries),
		observability.Duration("cleanupInterval", m.cleanupInterval))
	return m
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) span(ctx context.Context, op, key string) trace.Span {
	_, span := otel.Tracer(tracerName).Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", backendMemory),
			attribute.String("cache.key", key),
		),
	)
	return span
}

// lookup returns the live entry of key, dropping it if expired. Callers
// hold m.mu.
func (m *Memory) lookup(key string, now time.Time) (*memoryEntry, bool) {
	elem, ok := m.values[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*memoryEntry)
	if expired(e.expiresAt, now) {
		m.removeElement(elem)
		return nil, false
	}
	return e, true
}

// put stores value under key as the most recently used entry and evicts
// the least recently used ones beyond maxEntries. Callers hold m.mu.
func (m *Memory) put(key string, value []byte, expiresAt time.Time) {
	stored := make([]byte, len(value))
	copy(stored, value)

	if elem, ok := m.values[key]; ok {
		e := elem.Value.(*memoryEntry)
		e.value, e.expiresAt = stored, expiresAt
		m.lru.MoveToFront(elem)
		return
	}
	m.values[key] = m.lru.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})

	for m.lru.Len() > m.maxEntries {
		oldest := m.lru.Back()
		m.removeElement(oldest)
		m.logger.Debug("memory store evicted entry",
			observability.CacheKey(oldest.Value.(*memoryEntry).key))
	}
}

func (m *Memory) removeElement(elem *list.Element) {
	m.lru.Remove(elem)
	delete(m.values, elem.Value.(*memoryEntry).key)
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	defer m.span(ctx, "get", key).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok {
		return nil, ErrNotFound
	}
	m.lru.MoveToFront(m.values[key])
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetWithTTL implements Store.
func (m *Memory) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer m.span(ctx, "set", key).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.put(key, value, deadline(now, ttl))
	return nil
}

// SetIfAbsent implements Store.
func (m *Memory) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	defer m.span(ctx, "setnx", key).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	m.put(key, value, deadline(now, ttl))
	return true, nil
}

// DeleteIfValue implements Store.
func (m *Memory) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	defer m.span(ctx, "delete_if", key).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	m.removeElement(m.values[key])
	return true, nil
}

// Delete implements Store. Sets and values share one key space.
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	defer m.span(ctx, "delete", keys[0]).End()

	m.mu.Lock()
	for _, k := range keys {
		if elem, ok := m.values[k]; ok {
			m.removeElement(elem)
		}
		delete(m.sets, k)
	}
	m.mu.Unlock()
	return nil
}

// AddToSet implements Store.
func (m *Memory) AddToSet(ctx context.Context, set, member string, ttl time.Duration) error {
	defer m.span(ctx, "sadd", set).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.sets[set]
	if !ok || expired(s.expiresAt, now) {
		s = &memorySet{members: make(map[string]struct{})}
		m.sets[set] = s
	}
	s.members[member] = struct{}{}
	if ttl > 0 {
		s.expiresAt = now.Add(ttl)
	}
	return nil
}

// RemoveFromSet implements Store.
func (m *Memory) RemoveFromSet(ctx context.Context, set string, members ...string) error {
	defer m.span(ctx, "srem", set).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[set]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s.members, member)
	}
	if len(s.members) == 0 {
		delete(m.sets, set)
	}
	return nil
}

// SetMembers implements Store.
func (m *Memory) SetMembers(ctx context.Context, set string) ([]string, error) {
	defer m.span(ctx, "smembers", set).End()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[set]
	if !ok {
		return nil, nil
	}
	if expired(s.expiresAt, m.now()) {
		delete(m.sets, set)
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	return out, nil
}

// Ping implements Pinger.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close stops the cleanup loop.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// Len returns the number of stored values, excluding sets. Expired values
// not yet purged are counted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.purgeExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, elem := range m.values {
		if expired(elem.Value.(*memoryEntry).expiresAt, now) {
			m.removeElement(elem)
			removed++
		}
	}
	for k, s := range m.sets {
		if expired(s.expiresAt, now) {
			delete(m.sets, k)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("purged expired store entries", observability.Int("count", removed))
	}
}
