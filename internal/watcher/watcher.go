// Package watcher observes a single file for changes through fsnotify
// and coalesces change bursts with a debounce timer.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const rewatchBaseDelay = 200 * time.Millisecond

// EventKind classifies a filesystem change on the watched file.
type EventKind int

const (
	KindModified EventKind = iota
	KindCreated
	KindRemoved
)

func (k EventKind) String() string {
	switch k {
	case KindModified:
		return "modified"
	case KindCreated:
		return "created"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event represents a single change to the watched file.
type Event struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
}

// ErrorKind classifies a watch failure.
type ErrorKind int

const (
	// PathLost means the watched file was removed or renamed away and
	// did not reappear within the rewatch policy.
	PathLost ErrorKind = iota
	// WatchFailed covers errors reported by the underlying notifier,
	// permission problems included.
	WatchFailed
)

func (k ErrorKind) String() string {
	switch k {
	case PathLost:
		return "path_lost"
	default:
		return "watch_failed"
	}
}

// WatchError is a watch-subsystem failure surfaced to the operator.
// It never crashes the process; the last good render stays servable.
type WatchError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	switch e.Kind {
	case PathLost:
		return fmt.Sprintf("watched path lost: %s", e.Path)
	default:
		return fmt.Sprintf("watch failed for %s: %v", e.Path, e.Err)
	}
}

func (e *WatchError) Unwrap() error { return e.Err }

// Options controls watcher behavior.
type Options struct {
	Logger *slog.Logger
	// RewatchAttempts bounds how often the watcher polls for the file
	// to reappear after it vanishes. Zero disables rewatching: a
	// removal is reported immediately.
	RewatchAttempts int
	// RewatchBackoff is the base delay between rewatch attempts,
	// doubling each attempt. Zero means the default of 200ms.
	RewatchBackoff time.Duration
}

// Watcher is the fsnotify-backed implementation. It watches the parent
// directory of the target file: editors commonly save through a
// rename, which silently drops a watch placed on the file itself.
type Watcher struct {
	fs       *fsnotify.Watcher
	path     string
	dir      string
	callback func(Event)
	logger   *slog.Logger

	rewatchAttempts int
	rewatchBackoff  time.Duration

	mutex        sync.Mutex
	errorHandler func(*WatchError)
	closed       bool

	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts observing path, invoking callback for every detected
// change until Close is called.
func Watch(path string, callback func(Event), options Options) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve watch path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("stat watch path: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	dir := filepath.Dir(abs)
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempts := options.RewatchAttempts
	if attempts < 0 {
		attempts = 0
	}
	backoff := options.RewatchBackoff
	if backoff <= 0 {
		backoff = rewatchBaseDelay
	}

	watcher := &Watcher{
		fs:              fs,
		path:            abs,
		dir:             dir,
		callback:        callback,
		logger:          logger.With("component", "watcher"),
		rewatchAttempts: attempts,
		rewatchBackoff:  backoff,
		done:            make(chan struct{}),
	}

	go watcher.run()
	return watcher, nil
}

// Path returns the absolute path under watch.
func (w *Watcher) Path() string { return w.path }

// SetErrorHandler configures the callback for watch failures. The
// handler runs on the watcher's event goroutine.
func (w *Watcher) SetErrorHandler(handler func(*WatchError)) {
	w.mutex.Lock()
	w.errorHandler = handler
	w.mutex.Unlock()
}

// Close stops event delivery and releases the filesystem handle.
// Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mutex.Lock()
		w.closed = true
		w.mutex.Unlock()
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.surfaceError(&WatchError{Kind: WatchFailed, Path: w.path, Err: err})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	now := time.Now()
	switch {
	case event.Has(fsnotify.Write):
		w.emit(Event{Path: w.path, Kind: KindModified, Timestamp: now})
	case event.Has(fsnotify.Create):
		// A save-through-rename lands here: the temp file is renamed
		// onto the target, which the directory watch reports as Create.
		w.emit(Event{Path: w.path, Kind: KindCreated, Timestamp: now})
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.handleRemoval(now)
	}
}

// handleRemoval distinguishes a transient editor rename dance from the
// file genuinely going away. The directory watch stays valid either
// way, so recovery is a matter of waiting for the file to come back.
func (w *Watcher) handleRemoval(now time.Time) {
	delay := w.rewatchBackoff
	for attempt := 0; attempt < w.rewatchAttempts; attempt++ {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
		if _, err := os.Stat(w.path); err == nil {
			w.logger.Debug("watched file reappeared", "path", w.path, "attempt", attempt+1)
			w.emit(Event{Path: w.path, Kind: KindCreated, Timestamp: now})
			return
		}
		delay *= 2
	}

	w.logger.Warn("watched file removed", "path", w.path)
	w.emit(Event{Path: w.path, Kind: KindRemoved, Timestamp: now})
	w.surfaceError(&WatchError{Kind: PathLost, Path: w.path})
}

func (w *Watcher) emit(event Event) {
	w.mutex.Lock()
	closed := w.closed
	w.mutex.Unlock()
	if closed || w.callback == nil {
		return
	}
	w.callback(event)
}

func (w *Watcher) surfaceError(watchErr *WatchError) {
	w.mutex.Lock()
	handler := w.errorHandler
	closed := w.closed
	w.mutex.Unlock()

	if closed {
		return
	}
	if handler != nil {
		handler(watchErr)
		return
	}
	w.logger.Error("watch error", "path", watchErr.Path, "error", watchErr)
}
