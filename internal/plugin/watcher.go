package plugin

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jordanhubbard/nyx/internal/logging"
)

// Watcher hot-reloads manifest modules when their files change.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingEvent
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type pendingEvent struct {
	at      time.Time
	removed bool
}

// NewWatcher creates a watcher over the loader's manifest directory.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		log:      logging.Component("registry"),
		pending:  make(map[string]pendingEvent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.loader.Dir(), 0755); err != nil {
		w.log.Warn().Err(err).Str("dir", w.loader.Dir()).Msg("failed to create manifest dir")
	}
	if err := w.watcher.Add(w.loader.Dir()); err != nil {
		return err
	}
	w.log.Info().Str("dir", w.loader.Dir()).Msg("watching module manifests")

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
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
		w.log.Error().Err(err).Msg("error closing manifest watcher")
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 3)
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
			w.log.Error().Err(err).Msg("manifest watcher error")
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsManifest(event.Name) {
		return
	}

	var removed bool
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		removed = true
	default:
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = pendingEvent{at: time.Now(), removed: removed}
	w.mu.Unlock()
}

// flush applies events that have been quiet for the debounce window, so an
// editor's burst of writes yields one reload.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	var events []pendingEvent

	w.mu.Lock()
	for path, ev := range w.pending {
		if now.Sub(ev.at) >= w.debounce {
			ready = append(ready, path)
			events = append(events, ev)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for i, path := range ready {
		if events[i].removed {
			if _, err := os.Stat(path); err != nil {
				if err := w.loader.Remove(path); err != nil {
					w.log.Warn().Err(err).Str("path", path).Msg("failed to unregister removed module")
				}
				continue
			}
		}
		kind, err := w.loader.LoadFile(path)
		if err != nil {
			// The previous instance, if any, stays active.
			w.log.Error().Err(err).Str("path", path).Msg("module reload failed")
			continue
		}
		w.log.Info().Str("path", path).Str("change", string(kind)).Msg("module manifest applied")
	}
}
