package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// ReloadFunc receives every configuration that loads and validates after a
// file change. A returned error is logged and the previous configuration
// stays current.
type ReloadFunc func(*GatewayConfig) error

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path          string
	onReload      ReloadFunc
	logger        observability.Logger
	debounceDelay time.Duration

	mu      sync.RWMutex
	current *GatewayConfig
	sum     [sha256.Size]byte
	applied bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for more events
// before reloading.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for path. initial is the configuration the
// process started with, loaded from the current content of path.
func NewWatcher(path string, initial *GatewayConfig, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	w := &Watcher{
		path:          absPath,
		onReload:      onReload,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		current:       initial,
	}
	for _, opt := range opts {
		opt(w)
	}
	if data, err := os.ReadFile(absPath); err == nil {
		w.sum, w.applied = sha256.Sum256(data), true
	}
	return w, nil
}

// Current returns the last configuration that was applied.
func (w *Watcher) Current() *GatewayConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the configuration file until ctx is done. Bursts of events
// are coalesced by the debounce delay, and a file whose content did not
// change since the last applied version is ignored.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	// The directory is watched so rename-on-write editors are seen.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("watching configuration file", observability.String("path", w.path))

	timer := time.NewTimer(w.debounceDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				timer.Reset(w.debounceDelay)
			}
		case <-timer.C:
			_ = w.apply(false)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configuration watch error", observability.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// Reload loads, validates and applies the configuration file now, even
// when its content is unchanged.
func (w *Watcher) Reload() error {
	return w.apply(true)
}

func (w *Watcher) apply(force bool) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error("configuration reload failed",
			observability.String("path", w.path),
			observability.Error(err),
		)
		return fmt.Errorf("read config file %s: %w", w.path, err)
	}

	sum := sha256.Sum256(data)
	w.mu.RLock()
	unchanged := w.applied && sum == w.sum
	w.mu.RUnlock()
	if unchanged && !force {
		w.logger.Debug("configuration file unchanged", observability.String("path", w.path))
		return nil
	}

	cfg, err := parseConfig(data)
	if err == nil {
		err = ValidateConfig(cfg)
	}
	if err != nil {
		w.logger.Error("configuration reload rejected",
			observability.String("path", w.path),
			observability.Error(err),
		)
		return err
	}

	if w.onReload != nil {
		if err := w.onReload(cfg); err != nil {
			w.logger.Error("reloaded configuration not applied", observability.Error(err))
			return err
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.sum = sum
	w.applied = true
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	return nil
}
