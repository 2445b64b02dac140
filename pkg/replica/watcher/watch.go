package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// openWatch creates the fsnotify watcher and adds the root, plus every
// subdirectory when recursive.
func (d *Detector) openWatch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.fsw = fsw
	d.watches = make(map[string]bool)

	if err := d.addWatch(d.root); err != nil {
		d.closeWatch()
		return err
	}
	if d.opts.Recursive {
		d.addTree(d.root)
	}

	d.mu.Lock()
	d.health.Watching = true
	d.health.Watches = len(d.watches)
	d.mu.Unlock()
	return nil
}

func (d *Detector) closeWatch() {
	if d.fsw == nil {
		return
	}
	_ = d.fsw.Close()
	d.fsw = nil
	d.watches = make(map[string]bool)

	d.mu.Lock()
	d.health.Watching = false
	d.health.Watches = 0
	d.mu.Unlock()
}

func (d *Detector) addWatch(path string) error {
	if d.fsw == nil || d.watches[path] {
		return nil
	}
	if err := d.fsw.Add(path); err != nil {
		d.log.Warn("failed to add watch", "path", path, "error", err)
		return err
	}
	d.watches[path] = true
	return nil
}

// addTree watches dir and every directory below it, and tracks files that
// were created before the watch was in place. Symlinks are not followed.
func (d *Detector) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if entry.IsDir() {
			_ = d.addWatch(path)
			return nil
		}
		if dir != d.root && entry.Type().IsRegular() {
			d.Track(path)
		}
		return nil
	})

	d.mu.Lock()
	d.health.Watches = len(d.watches)
	d.mu.Unlock()
}

// removeWatch drops the watch on path and anything below it.
func (d *Detector) removeWatch(path string) {
	if !d.watches[path] {
		return
	}
	for w := range d.watches {
		if w == path || isSubPath(w, path) {
			if d.fsw != nil {
				_ = d.fsw.Remove(w)
			}
			delete(d.watches, w)
		}
	}
}

// handleWatchError restarts the fsnotify watcher with bounded retries.
// After MaxRestarts consecutive failures the detector reports unhealthy
// and keeps checking the files it already tracks.
func (d *Detector) handleWatchError(ctx context.Context, err error) {
	d.log.Error("watch error", "error", err)
	d.mu.Lock()
	d.health.LastError = err.Error()
	d.mu.Unlock()

	d.closeWatch()

	backoff := d.opts.RestartBackoff
	for attempt := 1; attempt <= d.opts.MaxRestarts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		openErr := d.openWatch()
		d.mu.Lock()
		if openErr == nil {
			d.health.Restarts++
			d.health.Failures = 0
			d.health.Healthy = true
			d.mu.Unlock()
			d.log.Info("watch restarted", "attempt", attempt)
			if _, scanErr := d.ScanExisting(ctx); scanErr != nil {
				d.log.Warn("rescan after restart failed", "error", scanErr)
			}
			return
		}
		d.health.Failures++
		d.health.LastError = openErr.Error()
		d.mu.Unlock()

		d.log.Warn("watch restart failed", "attempt", attempt, "error", openErr)
		backoff *= 2
	}

	d.mu.Lock()
	d.health.Healthy = false
	d.mu.Unlock()
	d.log.Error("giving up on filesystem watch", "restarts", d.opts.MaxRestarts, "root", d.root)
}

// isSubPath checks if path is under parent directory.
func isSubPath(path, parent string) bool {
	return len(path) > len(parent) && path[:len(parent)+1] == parent+string(filepath.Separator)
}
