package registry

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ManifestWatcher watches a unit manifest file and revalidates it on
// change. A running pipeline's registry is never mutated; the watcher
// exists so an operator editing the manifest between runs learns about
// configuration errors immediately instead of at the next run.
type ManifestWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	log      *zap.Logger
	onChange func(*Registry, error)

	debounce    time.Duration
	lastEventAt time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewManifestWatcher creates a watcher for the given manifest path.
// onChange is called with the revalidated registry, or the validation
// error, after each settled edit.
func NewManifestWatcher(path string, log *zap.Logger, onChange func(*Registry, error)) (*ManifestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ManifestWatcher{
		watcher:  w,
		path:     path,
		log:      log,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Watches the parent directory because editors
// replace files on save.
func (w *ManifestWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *ManifestWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

func (w *ManifestWatcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			now := time.Now()
			if now.Sub(w.lastEventAt) < w.debounce {
				w.mu.Unlock()
				continue
			}
			w.lastEventAt = now
			w.mu.Unlock()

			// Editors write in bursts; let the file settle.
			time.Sleep(w.debounce)

			reg, err := LoadManifest(w.path)
			if err != nil {
				w.log.Warn("manifest changed and failed validation",
					zap.String("path", w.path), zap.Error(err))
			} else {
				w.log.Info("manifest changed and revalidated",
					zap.String("path", w.path), zap.Int("units", len(reg.Units())))
			}
			if w.onChange != nil {
				w.onChange(reg, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("manifest watcher error", zap.Error(err))
		}
	}
}
