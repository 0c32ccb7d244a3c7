package hooks

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// LoadConfig reads a hook configuration file. A missing path is not an
// error: callers get an empty Config, equivalent to "no hooks
// configured".
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read hook config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse hook config %s: %w", path, err)
	}

	return cfg, nil
}

// Watcher reloads a Runner's configuration whenever the backing TOML
// file changes, grounded on the teacher's fsnotify watch loop in
// internal/discovery/instance.go.
type Watcher struct {
	path    string
	runner  *Runner
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher wires an fsnotify watcher onto the directory containing
// path so renames and atomic-replace editors are caught, not just
// in-place writes.
func NewWatcher(path string, runner *Runner) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create hook config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch hook config dir %s: %w", dir, err)
	}

	hw := &Watcher{
		path:    path,
		runner:  runner,
		watcher: w,
		stopCh:  make(chan struct{}),
	}
	go hw.loop()
	return hw, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("hooks: config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Printf("hooks: failed to reload %s: %v", w.path, err)
		return
	}
	w.runner.Replace(cfg)
	log.Printf("hooks: reloaded config from %s", w.path)
}

// Close stops the watch loop and releases the underlying inotify fd.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.watcher.Close()
}
