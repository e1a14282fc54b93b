package profile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the profile file into a Holder whenever it changes.
type Watcher struct {
	path    string
	holder  *Holder
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	onReload []func(*Profile)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for path feeding holder.
func NewWatcher(path string, holder *Holder, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		holder:  holder,
		watcher: watcher,
		logger:  logger.Named("profile"),
	}, nil
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch profile dir: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()

	w.logger.Info("profile watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	w.logger.Info("profile watcher stopped")
	return nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(callback func(*Profile)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, callback)
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	const debounceDuration = 500 * time.Millisecond
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := w.reload(); err != nil {
					w.logger.Warn("profile reload failed, keeping previous profile", zap.Error(err))
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() error {
	p, err := Load(w.path)
	if err != nil {
		return err
	}
	w.holder.Set(p)

	w.mu.RLock()
	callbacks := make([]func(*Profile), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.RUnlock()

	w.logger.Info("profile reloaded", zap.String("image", p.Image))
	for _, callback := range callbacks {
		callback(p)
	}
	return nil
}
