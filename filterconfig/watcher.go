package filterconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/allen-munsch/envoy-rust-proxy-example/metrics"
)

const (
	DefaultDebounce = 100 * time.Millisecond

	KeyReload       = "filterconfig.reload"
	KeyReloadFailed = "filterconfig.reload_failed"
)

var ErrWatcherRunning = errors.New("watcher already running")

type WatcherOptions struct {

	// Path of the configuration file.
	Path string

	// Target receives the content of the file after every change.
	Target Configurer

	// Debounce is the quiet period after the last change before the
	// file is read. Defaults to DefaultDebounce.
	Debounce time.Duration

	Log     log.FieldLogger
	Metrics metrics.Metrics

	// OnReload, when set, is called with the result of every reload.
	OnReload func(error)
}

// Watcher reloads the filter configuration when its file changes.
type Watcher struct {
	options WatcherOptions
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

// NewWatcher creates a watcher of the file's directory.
func NewWatcher(o WatcherOptions) (*Watcher, error) {
	if o.Path == "" {
		return nil, errors.New("missing filter configuration path")
	}

	if o.Target == nil {
		return nil, errors.New("missing configuration target")
	}

	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}

	if o.Log == nil {
		o.Log = log.StandardLogger()
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	path, err := filepath.Abs(o.Path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		options: o,
		path:    path,
		watcher: fw,
	}, nil
}

func (w *Watcher) relevant(e fsnotify.Event) bool {
	if filepath.Clean(e.Name) != w.path {
		return false
	}

	return e.Has(fsnotify.Write) || e.Has(fsnotify.Create) || e.Has(fsnotify.Rename)
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.options.Debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) reload() {
	err := w.load()
	if err != nil {
		w.options.Metrics.IncCounter(KeyReloadFailed)
		w.options.Log.Errorf("Filter configuration reload failed, keeping the current one: %v", err)
	} else {
		w.options.Metrics.IncCounter(KeyReload)
		w.options.Log.Infof("Filter configuration reloaded from %s", w.path)
	}

	if w.options.OnReload != nil {
		w.options.OnReload(err)
	}
}

func (w *Watcher) load() error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}

	return w.options.Target.Configure(b)
}

// Watch processes the file events until the context is canceled. It
// returns nil on cancelation.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}

	w.running = true
	w.mu.Unlock()

	defer func() {
		w.stopTimer()
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.options.Log.Infof("Watching filter configuration %s", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if w.relevant(e) {
				w.options.Log.Debugf("filter configuration event: %s", e)
				w.trigger()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.options.Log.Errorf("Filter configuration watcher error: %v", err)
		}
	}
}

// Close releases the file system watch.
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.watcher.Close()
}
