// Package copier streams one source file to several destinations in a
// single pass. Every destination is written through a "<target>.tmp" file
// that is renamed into place only after the whole source has been written
// and flushed.
package copier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// TempSuffix is appended to a target path while it is being written.
const TempSuffix = ".tmp"

// DefaultChunkSize is the read buffer size used when Options.ChunkSize is 0.
const DefaultChunkSize = 1 << 20

var (
	// ErrLengthMismatch is returned when a flushed temp file is not the
	// same length as the source.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrInsufficientSpace is returned when a destination file system does
	// not have room for the file plus the configured reserve.
	ErrInsufficientSpace = errors.New("insufficient space")

	// ErrNoDestinations is returned when CopyStreaming is called without targets.
	ErrNoDestinations = errors.New("no destinations")

	// ErrDuplicateDestination is returned when the same target is given twice.
	ErrDuplicateDestination = errors.New("duplicate destination")
)

// Options configures an Engine.
type Options struct {
	// ChunkSize is the size of each read from the source.
	ChunkSize int

	// PreserveTimestamps copies the source modification and access times
	// onto every destination.
	PreserveTimestamps bool

	// ComputeDigest hashes the source with SHA-256 while streaming so the
	// caller can verify targets without reading the source again.
	ComputeDigest bool

	// MinFreeSpace is the number of bytes that must remain free on each
	// destination file system after the copy. Zero only requires room for
	// the file itself.
	MinFreeSpace uint64
}

// Progress describes how far a copy has come.
type Progress struct {
	BytesCopied int64
	TotalBytes  int64
	Percent     float64
}

// ProgressFunc receives progress after every chunk and once more at 100%.
type ProgressFunc func(Progress)

// DestinationResult reports the outcome for one target.
type DestinationResult struct {
	Path    string
	Renamed bool
	Err     error
}

// Result reports the outcome of CopyStreaming.
type Result struct {
	Success       bool
	BytesCopied   int64
	Duration      time.Duration
	SourceSize    int64
	SourceModTime time.Time
	// SourceDigest is the hex SHA-256 of the source when
	// Options.ComputeDigest is set.
	SourceDigest string
	Destinations []DestinationResult
}

// Engine performs streaming copies. It is safe for concurrent use.
type Engine struct {
	opts Options
	bufs sync.Pool
	log  *logging.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	e := &Engine{opts: opts, log: logging.Get("copier")}
	e.bufs.New = func() any {
		b := make([]byte, e.opts.ChunkSize)
		return &b
	}
	return e
}

// Options returns the options the engine was created with.
func (e *Engine) Options() Options {
	return e.opts
}

// TempPath returns the temporary path used while writing target.
func TempPath(target string) string {
	return target + TempSuffix
}

// destination tracks one target during a copy.
type destination struct {
	target  string
	temp    string
	file    *os.File
	created bool
	renamed bool
	err     error
}

// CopyStreaming copies source to every path in dests. A single read of the
// source feeds all destinations in lock-step, so all targets receive
// identical bytes. On any failure every temp file is removed; the returned
// Result still lists which targets, if any, were already renamed.
func (e *Engine) CopyStreaming(ctx context.Context, source string, dests []string, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if len(dests) == 0 {
		return result, ErrNoDestinations
	}

	targets := make([]*destination, 0, len(dests))
	seen := make(map[string]bool, len(dests))
	for _, d := range dests {
		clean := filepath.Clean(d)
		if seen[clean] {
			return result, fmt.Errorf("%w: %s", ErrDuplicateDestination, d)
		}
		seen[clean] = true
		targets = append(targets, &destination{target: clean, temp: TempPath(clean)})
	}

	defer func() {
		result.Duration = time.Since(start)
		result.Destinations = make([]DestinationResult, len(targets))
		for i, t := range targets {
			result.Destinations[i] = DestinationResult{Path: t.target, Renamed: t.renamed, Err: t.err}
		}
	}()

	src, err := os.Open(source)
	if err != nil {
		return result, fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return result, fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return result, fmt.Errorf("source %s is not a regular file", source)
	}
	result.SourceSize = info.Size()
	result.SourceModTime = info.ModTime()

	log := e.log.With("source", source, "size", info.Size(), "destinations", len(targets))
	log.Debug("copy started")

	success := false
	defer func() {
		if !success {
			e.cleanup(targets)
		}
	}()

	if err := e.prepare(targets, info.Size()); err != nil {
		return result, err
	}

	var hasher hash.Hash
	if e.opts.ComputeDigest {
		hasher = sha256.New()
	}

	copied, err := e.stream(ctx, src, targets, hasher, info.Size(), progress)
	result.BytesCopied = copied
	if err != nil {
		return result, err
	}
	if copied != info.Size() {
		return result, fmt.Errorf("%w: source %s changed during copy (read %d of %d bytes)",
			ErrLengthMismatch, source, copied, info.Size())
	}

	if err := e.finish(targets, info); err != nil {
		return result, err
	}

	if progress != nil {
		progress(Progress{BytesCopied: copied, TotalBytes: info.Size(), Percent: 100})
	}

	if hasher != nil {
		result.SourceDigest = hex.EncodeToString(hasher.Sum(nil))
	}

	if err := e.commit(targets); err != nil {
		return result, err
	}

	success = true
	result.Success = true
	log.Debug("copy finished", "duration", time.Since(start))
	return result, nil
}

// prepare checks free space and creates the temp file for every target.
func (e *Engine) prepare(targets []*destination, size int64) error {
	for _, t := range targets {
		dir := filepath.Dir(t.target)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.err = err
			return fmt.Errorf("creating %s: %w", dir, err)
		}

		if avail, ok := freeSpace(dir); ok {
			need := uint64(size) + e.opts.MinFreeSpace
			if avail < need {
				t.err = ErrInsufficientSpace
				return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrInsufficientSpace, dir, avail, need)
			}
		}

		f, err := os.OpenFile(t.temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			t.err = err
			return fmt.Errorf("creating temp file: %w", err)
		}
		t.file = f
		t.created = true
	}
	return nil
}

// stream reads the source chunk by chunk and writes each chunk to every
// temp file before reading the next.
func (e *Engine) stream(ctx context.Context, src io.Reader, targets []*destination, hasher hash.Hash, total int64, progress ProgressFunc) (int64, error) {
	bufp := e.bufs.Get().(*[]byte)
	defer e.bufs.Put(bufp)
	buf := *bufp

	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if hasher != nil {
				hasher.Write(chunk)
			}

			var g errgroup.Group
			for _, t := range targets {
				g.Go(func() error {
					if _, err := t.file.Write(chunk); err != nil {
						t.err = err
						return fmt.Errorf("writing %s: %w", t.temp, err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return copied, err
			}

			copied += int64(n)
			if progress != nil {
				progress(Progress{BytesCopied: copied, TotalBytes: total, Percent: percent(copied, total)})
			}
		}

		if readErr == io.EOF {
			return copied, nil
		}
		if readErr != nil {
			return copied, fmt.Errorf("reading source: %w", readErr)
		}
	}
}

// finish flushes and closes every temp file, checks its length and applies
// the source timestamps.
func (e *Engine) finish(targets []*destination, info os.FileInfo) error {
	for _, t := range targets {
		if err := t.file.Sync(); err != nil {
			t.err = err
			return fmt.Errorf("syncing %s: %w", t.temp, err)
		}
		err := t.file.Close()
		t.file = nil
		if err != nil {
			t.err = err
			return fmt.Errorf("closing %s: %w", t.temp, err)
		}

		st, err := os.Stat(t.temp)
		if err != nil {
			t.err = err
			return fmt.Errorf("stat %s: %w", t.temp, err)
		}
		if st.Size() != info.Size() {
			t.err = ErrLengthMismatch
			return fmt.Errorf("%w: %s is %d bytes, source is %d", ErrLengthMismatch, t.temp, st.Size(), info.Size())
		}

		if e.opts.PreserveTimestamps {
			if err := os.Chtimes(t.temp, accessTime(info), info.ModTime()); err != nil {
				t.err = err
				return fmt.Errorf("setting timestamps on %s: %w", t.temp, err)
			}
		}
	}
	return nil
}

// commit renames every temp file over its target.
func (e *Engine) commit(targets []*destination) error {
	for _, t := range targets {
		if err := os.Rename(t.temp, t.target); err != nil {
			t.err = err
			return fmt.Errorf("renaming %s: %w", t.temp, err)
		}
		t.renamed = true
		syncDir(filepath.Dir(t.target))
	}
	return nil
}

// cleanup closes open temp files and removes every temp that was not renamed.
func (e *Engine) cleanup(targets []*destination) {
	for _, t := range targets {
		if t.file != nil {
			_ = t.file.Close()
			t.file = nil
		}
		if t.created && !t.renamed {
			if err := os.Remove(t.temp); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.log.Warn("failed to remove temp file", "path", t.temp, "error", err)
			}
		}
	}
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
