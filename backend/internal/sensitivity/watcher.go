package sensitivity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a Manager's rules file when it changes on disk. It watches
// the parent directory so editors that save via rename are picked up.
type Watcher struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	target   string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the manager's path
func NewWatcher(m *Manager) (*Watcher, error) {
	if m.Path() == "" {
		return nil, fmt.Errorf("sensitivity manager has no file to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	target, err := filepath.Abs(m.Path())
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		manager:  m,
		watcher:  fw,
		target:   target,
		debounce: 250 * time.Millisecond,
		logger:   m.logger.Named("watcher"),
		doneCh:   make(chan struct{}),
	}, nil
}

// Run watches until ctx is cancelled. It blocks; run it in its own goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer close(w.doneCh)
	defer w.watcher.Close()

	dir := filepath.Dir(w.target)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("Watching sensitivity rules", zap.String("path", w.target))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			// Editors fire several events per save; reload once things settle.
			pending = time.After(w.debounce)

		case <-pending:
			pending = nil
			if err := w.manager.Reload(); err != nil {
				w.logger.Warn("Reload after file change failed", zap.Error(err))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// Done is closed once Run has returned
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != w.target {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
