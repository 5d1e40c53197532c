package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ApplyFunc installs a freshly loaded configuration. An error keeps the
// previous configuration in place.
type ApplyFunc func(Config) error

// ReloadMetadata tracks reload statistics.
type ReloadMetadata struct {
	Version      string    `json:"version"`
	Path         string    `json:"path"`
	LoadedAt     time.Time `json:"loaded_at"`
	ApplyMs      int64     `json:"apply_ms"`
	LastReloadAt time.Time `json:"last_reload_at,omitempty"`
	ReloadCount  int       `json:"reload_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// Watcher reloads a config file whenever it changes on disk and hands the
// result to an ApplyFunc. Unchanged content is ignored.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration

	current atomic.Pointer[Config]

	reloadMu sync.Mutex
	lastHash string

	mu       sync.RWMutex
	metadata ReloadMetadata

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads path, applies it, and starts watching its directory.
// Watching the directory keeps working across editors that replace the file
// by rename.
func NewWatcher(path string, apply ApplyFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		apply:    apply,
		logger:   logger.With("component", "config"),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fsw = fsw
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return w.fail(fmt.Errorf("read config: %w", err))
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if hash == w.lastHash {
		return nil
	}
	cfg, err := Parse(data)
	if err != nil {
		return w.fail(err)
	}
	start := time.Now()
	if w.apply != nil {
		if err := w.apply(cfg); err != nil {
			return w.fail(fmt.Errorf("apply config: %w", err))
		}
	}
	w.current.Store(&cfg)
	w.lastHash = hash

	w.mu.Lock()
	w.metadata = ReloadMetadata{
		Version:      hash[:12],
		Path:         w.path,
		LoadedAt:     start,
		ApplyMs:      time.Since(start).Milliseconds(),
		LastReloadAt: time.Now(),
		ReloadCount:  w.metadata.ReloadCount + 1,
	}
	w.mu.Unlock()
	w.logger.Info("config loaded", "version", hash[:12], "path", w.path)
	return nil
}

func (w *Watcher) fail(err error) error {
	w.mu.Lock()
	w.metadata.LastError = err.Error()
	w.mu.Unlock()
	w.logger.Warn("config reload failed", "path", w.path, "error", err)
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.reload() // recorded in metadata
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Current returns the last successfully applied configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// Metadata returns reload statistics.
func (w *Watcher) Metadata() ReloadMetadata {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.metadata
}

// ForceReload re-reads the file now.
func (w *Watcher) ForceReload() error {
	return w.reload()
}

// Stop terminates the watch loop. Later calls are no-ops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		w.fsw.Close()
	})
}
