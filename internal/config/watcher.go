package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when config files change.
// Used for hot-reload of the auditor schedule without restarting the
// server. The running server sets these callbacks at startup.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created.
	// Typically re-loads the config and calls auditor.Reload() so a new
	// interval, window, or sweep pattern takes effect without a restart.
	OnConfigChange func()
}

// Watcher monitors the chainlog config directory for file changes using
// fsnotify, firing the appropriate callback when a change is detected.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory.
//
// The watcher immediately starts processing events in a background
// goroutine. Events are debounced naturally by fsnotify — rapid successive
// writes typically produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the entire config directory. fsnotify will send events for
	// any file created, written, renamed, or removed in this directory.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — not remove or
			// rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if filepath.Base(event.Name) == "config.yaml" {
				slog.Info("config.yaml changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed.
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
