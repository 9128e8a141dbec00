package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"shardvault/internal/logging"
)

// Watcher reloads a config file on change and notifies subscribers so
// that C7 can restart affected timers via updateConfig.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	current  Config
	onChange []func(Config)
	done     chan struct{}
}

// WatchFile starts watching path's parent directory (fsnotify watches
// directories more reliably than single files across editors/atomic
// renames) and reloads on any write/create event targeting path.
func WatchFile(path string, initial Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		current: initial,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a callback invoked with the freshly loaded config
// after a successful reload. Callbacks run synchronously on the watch
// goroutine; they must not block.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logging.ConfigLogWarn("config reload failed for %s: %v", w.path, err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			callbacks := append([]func(Config){}, w.onChange...)
			w.mu.Unlock()
			logging.ConfigLog("config reloaded from %s", w.path)
			for _, cb := range callbacks {
				cb(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.ConfigLogWarn("config watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
