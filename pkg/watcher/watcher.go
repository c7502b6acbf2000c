// Package watcher provides a bounded wait for a file to appear on disk. The
// driver uses it once per generation to confirm the backend has durably
// persisted the session transcript before the session id is reported.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds AwaitExists; the watcher never blocks a
	// generation indefinitely.
	DefaultTimeout = 10 * time.Second

	pollInterval = 200 * time.Millisecond
)

// Watcher waits for files to appear.
type Watcher struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a watcher. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, logger zerolog.Logger) *Watcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watcher{timeout: timeout, logger: logger}
}

// AwaitExists blocks until path exists, the timeout elapses or ctx is
// cancelled. It returns whether the file exists; ctx cancellation is the
// only error case.
func (w *Watcher) AwaitExists(ctx context.Context, path string) (bool, error) {
	if fileExists(path) {
		return true, nil
	}

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify unavailable, polling instead")
		return w.pollExists(ctx, path, deadline.C)
	}
	defer fw.Close()

	// The parent may not exist yet either; fall back to polling then.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return w.pollExists(ctx, path, deadline.C)
	}

	// Close the subscribe/stat race.
	if fileExists(path) {
		return true, nil
	}

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return w.pollExists(ctx, path, deadline.C)
			}
			if event.Op.Has(fsnotify.Create) && event.Name == path {
				return true, nil
			}
		case err, ok := <-fw.Errors:
			if ok {
				w.logger.Debug().Err(err).Msg("Watcher error, re-checking")
			}
			if fileExists(path) {
				return true, nil
			}
		case <-deadline.C:
			return fileExists(path), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (w *Watcher) pollExists(ctx context.Context, path string, deadline <-chan time.Time) (bool, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if fileExists(path) {
				return true, nil
			}
		case <-deadline:
			return fileExists(path), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
