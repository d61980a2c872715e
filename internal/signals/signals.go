// Package signals lets a second process stop or pause a running goal by
// dropping files into the project's .conductor/signals directory.
package signals

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/logging"
)

// Signal file names.
const (
	StopFile  = "stop"
	PauseFile = "pause"
)

// Target receives signals. The orchestrator satisfies it.
type Target interface {
	Stop()
	Pause()
	Resume()
}

// Dir returns the signals directory for a project root.
func Dir(root string) string {
	return filepath.Join(root, ".conductor", "signals")
}

// Watcher applies signal files to a Target as they appear. Removing the
// pause file resumes the target.
type Watcher struct {
	dir    string
	target Target
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
	paused  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// Watch starts watching the signals directory under root. Signal files
// already present are applied immediately. If the platform watcher cannot
// start, Poll still picks signals up.
func Watch(root string, target Target, logger *zap.Logger) (*Watcher, error) {
	dir := Dir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &Watcher{
		dir:    dir,
		target: target,
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("signal watcher unavailable, falling back to polling", zap.Error(err))
		close(w.exited)
		w.Poll()
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		w.logger.Warn("signal watcher unavailable, falling back to polling", zap.Error(err))
		close(w.exited)
		w.Poll()
		return w, nil
	}
	w.watcher = fw
	go w.loop()
	w.Poll()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			switch filepath.Base(ev.Name) {
			case StopFile:
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
					w.stop()
				}
			case PauseFile:
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
					w.pause()
				} else if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					w.resume()
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("signal watcher error", zap.Error(err))
		}
	}
}

// Poll checks the signal files directly in case the watcher missed an event.
func (w *Watcher) Poll() {
	if exists(filepath.Join(w.dir, StopFile)) {
		w.stop()
	}
	if exists(filepath.Join(w.dir, PauseFile)) {
		w.pause()
	} else {
		w.resume()
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.logger.Info("stop signal received")
	w.target.Stop()
}

func (w *Watcher) pause() {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = true
	w.mu.Unlock()
	w.logger.Info("pause signal received")
	w.target.Pause()
}

func (w *Watcher) resume() {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return
	}
	w.paused = false
	w.mu.Unlock()
	w.logger.Info("pause signal cleared")
	w.target.Resume()
}

// Stopped reports whether a stop signal has been applied.
func (w *Watcher) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Paused reports whether a pause signal is in effect.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Close stops watching. It does not touch the signal files.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		<-w.exited
	})
	return err
}

// SendStop asks the goal running in root to stop.
func SendStop(root string) error {
	return send(root, StopFile)
}

// SendPause asks the goal running in root to pause.
func SendPause(root string) error {
	return send(root, PauseFile)
}

// SendResume clears a pause request.
func SendResume(root string) error {
	err := os.Remove(filepath.Join(Dir(root), PauseFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes every signal file.
func Clear(root string) error {
	var errs []error
	for _, name := range []string{StopFile, PauseFile} {
		if err := os.Remove(filepath.Join(Dir(root), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func send(root, name string) error {
	dir := Dir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
