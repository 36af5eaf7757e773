package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"docsum/internal/logging"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the new record to registered callbacks. Consumers decide which sections
// they can apply live; concurrency bounds and store paths require a restart.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	dir         string
	pendingAt   time.Time
	pending     bool
	debounceDur time.Duration
	callbacks   []func(*Config)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	reloads int
	errors  int
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		path:        filepath.Clean(path),
		dir:         filepath.Dir(path),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked with each successfully reloaded
// configuration. Register before Start.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching the config file's directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a direct file watch dies with the old inode.
	if err := w.watcher.Add(w.dir); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config watcher: initial watch failed: %v", err)
	} else {
		logging.Get(logging.CategoryConfig).Info("config watcher: watching %s", w.path)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryConfig).Error("config watcher: close error: %v", err)
	}
}

// Stats returns reload and error counts.
func (w *Watcher) Stats() (reloads, errors int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads, w.errors
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Error("config watcher: %v", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.maybeReload()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending = true
	w.pendingAt = time.Now()
	w.mu.Unlock()
}

// maybeReload fires the reload once the file has been quiet for the
// debounce window.
func (w *Watcher) maybeReload() {
	w.mu.Lock()
	if !w.pending || time.Since(w.pendingAt) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = false
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("config watcher: reload failed, keeping previous config: %v", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return
	}

	logging.Get(logging.CategoryConfig).Info("config watcher: reloaded %s", w.path)
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}
