package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cyberinferno/go-chatbridge/logger"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls a function after the config file changes.
type Watcher struct {
	fs       *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	logger   logger.Logger

	mu     sync.Mutex
	timer  *time.Timer
	done   chan struct{}
	closed bool
}

// NewWatcher watches path's directory, so files replaced by rename are
// still noticed, and calls onChange once per burst of writes to path.
//
// Parameters:
//   - path: The config file
//   - debounce: Quiet period before onChange fires; 0 selects DefaultDebounce
//   - onChange: Called from the watcher goroutine
//   - log: Logger for watch errors
//
// Returns:
//   - The running Watcher; call Close to stop it
//   - An error if the directory cannot be watched
func NewWatcher(path string, debounce time.Duration, onChange func(), log logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}

	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		fs:       fsw,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   log.With(logger.F("component", "config_watcher"), logger.F("path", abs)),
		done:     make(chan struct{}),
	}

	go w.loop()
	return w, nil
}

// Close stops watching. Pending callbacks are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}

			w.logger.Warn("config watch error", logger.Err(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Info("config file changed")
		w.onChange()
	})
}
