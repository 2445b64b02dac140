package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/replica/pkg/replica/filter"
	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// Options configures a Detector.
type Options struct {
	// Root is the source directory to watch.
	Root string
	// Recursive watches subdirectories, including ones created later.
	Recursive bool
	// Filter selects which files are tracked. Nil tracks everything.
	Filter *filter.Filter

	CheckInterval        time.Duration
	RequiredStableChecks int
	MinFileAge           time.Duration
	StaleAfter           time.Duration
	// RenameWindow is how long after a rename the next create in the same
	// directory is treated as the new name of the renamed file.
	RenameWindow time.Duration

	MaxRestarts    int
	RestartBackoff time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.RequiredStableChecks <= 0 {
		o.RequiredStableChecks = DefaultRequiredStableChecks
	}
	if o.MinFileAge <= 0 {
		o.MinFileAge = DefaultMinFileAge
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RenameWindow <= 0 {
		o.RenameWindow = DefaultRenameWindow
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = DefaultRestartBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type renameCandidate struct {
	oldPath string
	at      time.Time
}

// Detector watches the source directory and promotes stable files.
type Detector struct {
	opts Options
	root string
	log  *logging.Logger

	mu       sync.Mutex
	pending  map[string]*PendingFile
	renames  map[string]renameCandidate // keyed by directory
	detected []DetectedFile
	health   Health

	ready chan struct{}

	// Owned by the run loop.
	fsw     *fsnotify.Watcher
	watches map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// ErrNotDirectory is returned when the root is not a directory.
var ErrNotDirectory = errors.New("watch root is not a directory")

// New creates a Detector for opts.Root. Call Start to begin watching.
func New(opts Options) (*Detector, error) {
	opts.setDefaults()

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	return &Detector{
		opts:    opts,
		root:    root,
		log:     logging.Get("watcher"),
		pending: make(map[string]*PendingFile),
		renames: make(map[string]renameCandidate),
		ready:   make(chan struct{}, 1),
		watches: make(map[string]bool),
		health:  Health{Healthy: true},
	}, nil
}

// Root returns the absolute path being watched.
func (d *Detector) Root() string {
	return d.root
}

// Start installs the filesystem watch and starts the event and stability
// loop. It returns once the watch is in place.
func (d *Detector) Start(ctx context.Context) error {
	if d.done != nil {
		return errors.New("detector already started")
	}
	if err := d.openWatch(); err != nil {
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)

	d.log.Info("watching source directory", "root", d.root, "recursive", d.opts.Recursive, "watches", len(d.watches))
	return nil
}

// Close stops the loop and releases the watch. Pending files are dropped.
func (d *Detector) Close() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	return nil
}

// Ready is signalled whenever new files have been detected.
func (d *Detector) Ready() <-chan struct{} {
	return d.ready
}

// GetNextFile returns the oldest detected file, or false if none is queued.
func (d *Detector) GetNextFile() (DetectedFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.detected) == 0 {
		return DetectedFile{}, false
	}
	f := d.detected[0]
	d.detected[0] = DetectedFile{}
	d.detected = d.detected[1:]
	return f, true
}

// DetectFiles drains and returns every detected file in detection order.
func (d *Detector) DetectFiles() []DetectedFile {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.detected
	d.detected = nil
	return out
}

// Pending returns a snapshot of the files under observation.
func (d *Detector) Pending() []PendingFile {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PendingFile, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, *p)
	}
	return out
}

// Health reports watch and queue state.
func (d *Detector) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.health
	h.Pending = len(d.pending)
	h.Queued = len(d.detected)
	return h
}

// Track starts observing path. It is a no-op for files already tracked or
// rejected by the filter.
func (d *Detector) Track(path string) bool {
	if !d.opts.Filter.MatchName(d.root, path) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[path]; ok {
		return false
	}
	d.pending[path] = &PendingFile{Path: path, DetectedAt: d.opts.Now()}
	d.log.Debug("tracking file", "path", path)
	return true
}

// ScanExisting tracks every regular file already present under the root.
// It picks up files that arrived while the daemon was not running.
func (d *Detector) ScanExisting(ctx context.Context) (int, error) {
	var mu sync.Mutex
	count := 0

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, d.root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if entry.IsDir() {
			if path != d.root && !d.opts.Recursive {
				return fastwalk.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if d.Track(path) {
			mu.Lock()
			count++
			mu.Unlock()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return count, fmt.Errorf("scanning %s: %w", d.root, err)
	}
	if count > 0 {
		d.log.Info("tracking pre-existing files", "count", count)
	}
	return count, ctx.Err()
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)
	defer d.closeWatch()

	ticker := time.NewTicker(d.opts.CheckInterval)
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		var errs chan error
		if d.fsw != nil {
			events, errs = d.fsw.Events, d.fsw.Errors
		}

		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.check()

		case ev, ok := <-events:
			if !ok {
				d.handleWatchError(ctx, errors.New("event channel closed"))
				continue
			}
			d.handleEvent(ev)

		case err, ok := <-errs:
			if !ok {
				err = errors.New("error channel closed")
			}
			d.handleWatchError(ctx, err)
		}
	}
}

func (d *Detector) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		d.handleCreate(ev.Name)
	case ev.Has(fsnotify.Write):
		// A write on an untracked file means the create was missed.
		d.mu.Lock()
		_, tracked := d.pending[ev.Name]
		d.mu.Unlock()
		if !tracked {
			if info, err := os.Lstat(ev.Name); err == nil && info.Mode().IsRegular() {
				d.Track(ev.Name)
			}
		}
	case ev.Has(fsnotify.Rename):
		d.mu.Lock()
		if _, ok := d.pending[ev.Name]; ok {
			d.renames[filepath.Dir(ev.Name)] = renameCandidate{oldPath: ev.Name, at: d.opts.Now()}
		}
		d.mu.Unlock()
		d.removeWatch(ev.Name)
	case ev.Has(fsnotify.Remove):
		d.mu.Lock()
		delete(d.pending, ev.Name)
		d.mu.Unlock()
		d.removeWatch(ev.Name)
	}
}

func (d *Detector) handleCreate(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		if d.opts.Recursive {
			d.addTree(path)
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	if d.rekey(path) {
		return
	}
	d.Track(path)
}

// rekey moves a recently renamed pending entry to its new path.
func (d *Detector) rekey(newPath string) bool {
	dir := filepath.Dir(newPath)

	d.mu.Lock()
	defer d.mu.Unlock()

	cand, ok := d.renames[dir]
	if !ok {
		return false
	}
	delete(d.renames, dir)
	if d.opts.Now().Sub(cand.at) > d.opts.RenameWindow {
		return false
	}
	p, ok := d.pending[cand.oldPath]
	if !ok {
		return false
	}
	delete(d.pending, cand.oldPath)

	if !d.opts.Filter.MatchName(d.root, newPath) {
		d.log.Debug("renamed file no longer matches filter", "from", cand.oldPath, "to", newPath)
		return true
	}
	if _, exists := d.pending[newPath]; exists {
		return true
	}
	p.Path = newPath
	d.pending[newPath] = p
	d.log.Debug("tracking renamed file", "from", cand.oldPath, "to", newPath)
	return true
}

// check runs one stability pass over every pending file.
func (d *Detector) check() {
	now := d.opts.Now()

	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path := range d.pending {
		paths = append(paths, path)
	}
	for dir, cand := range d.renames {
		if now.Sub(cand.at) > d.opts.RenameWindow {
			delete(d.renames, dir)
		}
	}
	d.mu.Unlock()

	promoted := 0
	for _, path := range paths {
		info, statErr := os.Stat(path)

		d.mu.Lock()
		p, ok := d.pending[path]
		if !ok {
			d.mu.Unlock()
			continue
		}
		if statErr != nil {
			delete(d.pending, path)
			d.mu.Unlock()
			d.log.Debug("pending file disappeared", "path", path)
			continue
		}
		if d.observe(p, info, now) {
			promoted++
		}
		d.mu.Unlock()
	}

	if promoted > 0 {
		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
}

// observe applies one check to p and promotes or evicts it. It reports
// whether the file was promoted. Must be called with d.mu held.
func (d *Detector) observe(p *PendingFile, info os.FileInfo, now time.Time) bool {
	size, mtime := info.Size(), info.ModTime()

	switch {
	case !p.Checked:
		p.Checked = true
		p.StableChecks = 0
	case size == p.LastSize && mtime.Equal(p.LastModTime):
		p.StableChecks++
	default:
		p.StableChecks = 0
	}
	p.LastSize = size
	p.LastModTime = mtime

	age := now.Sub(p.DetectedAt)
	if p.StableChecks >= d.opts.RequiredStableChecks && age >= d.opts.MinFileAge {
		delete(d.pending, p.Path)
		if !d.opts.Filter.Match(filter.NewFileInfo(d.root, p.Path, size, mtime)) {
			d.log.Debug("stable file rejected by filter", "path", p.Path, "size", size)
			return false
		}
		d.detected = append(d.detected, DetectedFile{
			Path:            p.Path,
			DetectedAt:      p.DetectedAt,
			Size:            size,
			ModTime:         mtime,
			StabilityChecks: p.StableChecks,
		})
		d.log.Info("file stable", "path", p.Path, "size", size, "checks", p.StableChecks, "age", age.Round(time.Second))
		return true
	}

	if age >= d.opts.StaleAfter {
		delete(d.pending, p.Path)
		d.log.Warn("file never became stable, no longer tracking",
			"path", p.Path,
			"age", age.Round(time.Second),
			"size", size,
		)
	}
	return false
}
