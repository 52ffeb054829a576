package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reconciles the coordinator against document mutations made by
// other processes (the CLI resolving an approval, another daemon instance
// pruning). It watches the document's directory because atomic writes
// replace the file via rename, which would silently detach a file-level
// watch.
type Watcher struct {
	watcher     *fsnotify.Watcher
	coordinator *Coordinator
	logger      zerolog.Logger
	path        string
	debounce    time.Duration

	done     chan struct{}
	stopOnce sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher for the coordinator's document.
func NewWatcher(coordinator *Coordinator, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:     fsw,
		coordinator: coordinator,
		logger:      logger,
		path:        coordinator.store.Path(),
		debounce:    100 * time.Millisecond,
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching and reconciling.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch approvals directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Approvals watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Approvals watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Approvals watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Only the document itself matters; the directory also holds the lock
	// file and temp files from atomic writes.
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleReconcile()
}

// scheduleReconcile debounces bursts of events into a single reconcile.
func (w *Watcher) scheduleReconcile() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := w.coordinator.Reconcile(ctx); err != nil {
			// Lock contention with the writer that triggered the event is
			// expected; the next event retries.
			if strings.Contains(err.Error(), "lock") {
				w.logger.Debug().Err(err).Msg("Approvals reconcile deferred")
				return
			}
			w.logger.Warn().Err(err).Msg("Approvals reconcile failed")
		}
	})
}
