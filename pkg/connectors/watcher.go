package connectors

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a Registry when its routes file changes. A file that fails
// to load leaves the current routes in place.
type Watcher struct {
	path     string
	reg      *Registry
	log      *zap.SugaredLogger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	// OnReload, when set, observes every reload attempt.
	OnReload func(err error)

	mu        sync.Mutex
	debouncer *time.Timer
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWatcher watches path and its directory (editors replace files atomically).
func NewWatcher(path string, reg *Registry, log *zap.SugaredLogger, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("routes path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		reg:      reg,
		log:      log.With("component", "routes-watcher"),
		debounce: debounce,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
	w.log.Infow("watching routes", "file", w.path)
}

func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.wg.Wait()
	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorw("routes watcher", "err", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.debouncer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	err := w.reg.LoadFile(context.Background(), w.path)
	if err != nil {
		w.log.Errorw("routes reload failed", "file", w.path, "err", err)
	} else {
		w.log.Infow("routes reloaded", "file", w.path, "connectors", len(w.reg.Entries()))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
