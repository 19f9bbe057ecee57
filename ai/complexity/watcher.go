package complexity

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader rebuilds and swaps a model.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ModelWatcher reloads the classifier model when its file changes.
// The parent directory is watched so atomic replace-by-rename is observed.
type ModelWatcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	reloads int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewModelWatcher creates a watcher for the model file at path.
// A debounce <= 0 defaults to 200ms.
func NewModelWatcher(path string, target Reloader, debounce time.Duration) (*ModelWatcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve model path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create model watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &ModelWatcher{
		path:     abs,
		target:   target,
		debounce: debounce,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Start processes file events until ctx is cancelled or Close is called.
func (mw *ModelWatcher) Start(ctx context.Context) {
	ctx, mw.cancel = context.WithCancel(ctx)
	go mw.loop(ctx)
}

// Close stops watching and waits for the event loop to exit.
func (mw *ModelWatcher) Close() error {
	if mw.cancel != nil {
		mw.cancel()
		<-mw.done
	}
	mw.mu.Lock()
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.mu.Unlock()
	return mw.watcher.Close()
}

// Reloads returns how many reloads the watcher has triggered.
func (mw *ModelWatcher) Reloads() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.reloads
}

func (mw *ModelWatcher) loop(ctx context.Context) {
	defer close(mw.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				mw.schedule(ctx)
			}
		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("model watcher error", "path", mw.path, "error", err)
		}
	}
}

// schedule coalesces bursts of events into a single reload.
func (mw *ModelWatcher) schedule(ctx context.Context) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.timer = time.AfterFunc(mw.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		mw.mu.Lock()
		mw.reloads++
		mw.mu.Unlock()
		if err := mw.target.Reload(ctx); err != nil {
			slog.Warn("model reload failed, keeping current model", "path", mw.path, "error", err)
		}
	})
}
