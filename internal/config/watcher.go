package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/netraven/netraven/pkg/log"
)

// Watcher reloads a Config from its source file whenever that file is
// written, and hands the fresh value to OnReload. Failed reloads are
// logged and leave the watcher's last-good Config in place — a
// momentarily invalid file (e.g. a half-written save) never crashes
// the process.
type Watcher struct {
	path     string
	onReload func(*Config)
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher builds a Watcher for path. onReload is called once per
// successful reload, on the watcher's own goroutine.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	// fsnotify watches the containing directory, not the file itself,
	// so editors that replace the file (write-to-temp-then-rename)
	// are still observed.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:     path,
		onReload: onReload,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the watch loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop closes the underlying fsnotify watcher and waits for the watch
// loop to exit.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Error(fmt.Sprintf("config: reload %s: %v", w.path, err))
				continue
			}
			w.onReload(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error(fmt.Sprintf("config: file watcher: %v", err))
		}
	}
}
