package manager

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chatautomation/internal/clock"
	"chatautomation/internal/config"
)

// manifestDebounce is how long the watcher waits after the last write
// before re-reading the manifest. Editors often produce bursts of
// events for a single save.
const manifestDebounce = 250 * time.Millisecond

// Watcher re-applies the feature manifest whenever the file changes on
// disk. It watches the manifest's directory rather than the file itself
// because editors typically save by write-and-rename.
type Watcher struct {
	logger   *zap.Logger
	mgr      *Manager
	path     string
	clock    clock.Clock
	debounce time.Duration

	mu          sync.Mutex
	running     bool
	fsw         *fsnotify.Watcher
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWatcher creates a manifest watcher for the given path. It does not
// watch anything until Start.
func NewWatcher(mgr *Manager, path string, clk clock.Clock, logger *zap.Logger) *Watcher {
	return &Watcher{
		logger:   logger.Named("manifest-watcher"),
		mgr:      mgr,
		path:     path,
		clock:    clk,
		debounce: manifestDebounce,
	}
}

// Start begins watching the manifest directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.fsw = fsw
	w.stopChan = make(chan struct{})
	w.stoppedChan = make(chan struct{})
	w.running = true

	go w.loop(w.fsw, w.stopChan, w.stoppedChan)

	w.logger.Info("watching manifest", zap.String("path", w.path))
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopChan := w.stopChan
	stoppedChan := w.stoppedChan
	fsw := w.fsw
	w.mu.Unlock()

	close(stopChan)
	fsw.Close()
	<-stoppedChan

	w.logger.Info("manifest watcher stopped")
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	base := filepath.Base(w.path)
	pending := false
	var timerC <-chan time.Time

	for {
		select {
		case <-stop:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("manifest changed on disk", zap.String("op", ev.Op.String()))
			pending = true
			timerC = w.clock.After(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", zap.Error(err))

		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			w.apply()
		}
	}
}

func (w *Watcher) apply() {
	man, err := config.LoadManifest(w.path, w.logger)
	if err != nil {
		w.logger.Error("failed to reload manifest", zap.Error(err))
		return
	}

	w.logger.Info("applying updated manifest")
	if err := w.mgr.ApplyManifest(man); err != nil {
		w.logger.Warn("manifest apply reported errors", zap.Error(err))
	}
}
