package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last file event before the
// configuration is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives the result of re-loading the watched file. Exactly one
// of cfg and err is non-nil.
type ReloadFunc func(cfg *Config, err error)

// Watcher re-validates the YAML configuration file whenever it changes.
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file via rename are still observed.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. Call Watch to start it.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher: empty path")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("watching config directory: %w", err)
	}

	return &Watcher{path: abs, debounce: debounce, fsw: fsw}, nil
}

// Watch blocks until ctx is cancelled, calling onReload after each debounced
// change to the file. It closes the underlying fsnotify watcher on return.
func (w *Watcher) Watch(ctx context.Context, onReload ReloadFunc) error {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.fsw.Close() //nolint:errcheck // shutdown path
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("config watcher: events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.schedule(ctx, onReload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("config watcher: errors channel closed")
			}
			onReload(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

func (w *Watcher) schedule(ctx context.Context, onReload ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(w.path)
		onReload(cfg, err)
	})
}
