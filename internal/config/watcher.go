package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// Watcher watches a config file for changes and triggers a reload callback.
// Events are debounced; editors often write files via truncate+write or
// rename, producing bursts.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	logger   pslog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration (default 100ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(l pslog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher watches path and calls onReload with the re-parsed config
// whenever the file changes. Parse failures keep the previous config and
// are logged.
func NewWatcher(path string, onReload func(*Config), opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		logger:   pslog.NoopLogger(),
		watcher:  fsw,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config.watch.error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config.reload.failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config.reloaded", "path", w.path)
	w.onReload(cfg)
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.watcher.Close()
}
