package cache

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

const (
	// DefaultHitRatioWindow is the number of recent lookups the hit ratio
	// is computed over.
	DefaultHitRatioWindow = 1000

	aggregatedKeyLabel = "*"
)

// Recorder emits response cache metrics. All methods are safe on a nil
// receiver and never block on anything but a short in-process mutex.
type Recorder struct {
	lookups  *prometheus.CounterVec
	stores   *prometheus.CounterVec
	hitRatio *prometheus.GaugeVec

	keyLabels  atomic.Bool
	windowSize int

	mu      sync.Mutex
	windows map[string]*ratioWindow
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithKeyLabels labels lookups with the full cache key.
func WithKeyLabels(enabled bool) RecorderOption {
	return func(r *Recorder) {
		r.keyLabels.Store(enabled)
	}
}

// WithHitRatioWindow sets the rolling window size.
func WithHitRatioWindow(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.windowSize = n
		}
	}
}

// NewRecorder creates a recorder registered with reg. A nil reg leaves the
// collectors unregistered.
func NewRecorder(reg prometheus.Registerer, logger observability.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		windowSize: DefaultHitRatioWindow,
		windows:    make(map[string]*ratioWindow),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.lookups = observability.Register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "response_cache",
			Name:      "lookups_total",
			Help:      "Total number of response cache lookups by outcome",
		},
		[]string{"route", "key", "state"},
	), logger)
	r.stores = observability.Register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "response_cache",
			Name:      "stores_total",
			Help:      "Total number of responses written to the cache",
		},
		[]string{"route"},
	), logger)
	r.hitRatio = observability.Register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "response_cache",
			Name:      "hit_ratio",
			Help:      "Share of recent lookups served from cache",
		},
		[]string{"route"},
	), logger)

	return r
}

// SetKeyLabels toggles per-key labels at runtime.
func (r *Recorder) SetKeyLabels(enabled bool) {
	if r == nil {
		return
	}
	r.keyLabels.Store(enabled)
}

// RecordLookup counts one lookup outcome.
func (r *Recorder) RecordLookup(routeID, key string, state State) {
	if r == nil {
		return
	}
	if !r.keyLabels.Load() {
		key = aggregatedKeyLabel
	}
	r.lookups.WithLabelValues(routeID, key, state.outcome()).Inc()

	ratio := r.observe(routeID, state != StateMiss)
	r.hitRatio.WithLabelValues(routeID).Set(ratio)
}

// RecordStore counts one completed store.
func (r *Recorder) RecordStore(routeID string) {
	if r == nil {
		return
	}
	r.stores.WithLabelValues(routeID).Inc()
}

// HitRatio returns the rolling hit ratio of a route.
func (r *Recorder) HitRatio(routeID string) float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[routeID]; ok {
		return w.ratio()
	}
	return 0
}

func (r *Recorder) observe(routeID string, hit bool) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[routeID]
	if !ok {
		w = &ratioWindow{samples: make([]bool, r.windowSize)}
		r.windows[routeID] = w
	}
	w.add(hit)
	return w.ratio()
}

// ratioWindow is a ring buffer of the last len(samples) outcomes.
type ratioWindow struct {
	samples []bool
	next    int
	count   int
	hits    int
}

func (w *ratioWindow) add(hit bool) {
	if w.count == len(w.samples) {
		if w.samples[w.next] {
			w.hits--
		}
	} else {
		w.count++
	}
	w.samples[w.next] = hit
	if hit {
		w.hits++
	}
	w.next = (w.next + 1) % len(w.samples)
}

func (w *ratioWindow) ratio() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.hits) / float64(w.count)
}
