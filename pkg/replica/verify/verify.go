// Package verify compares replicated files against their source using a
// tier chosen by file size: a full SHA-256 comparison, a size and
// modification time comparison, or a size-only check.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// ErrMismatch is wrapped by every failed comparison.
var ErrMismatch = errors.New("verification mismatch")

// Method selects how a target is compared with its source.
type Method int

const (
	// Auto picks a tier from the source size.
	Auto Method = iota
	// Hash compares SHA-256 digests.
	Hash
	// SizeAndTimestamp compares length and modification time within a tolerance.
	SizeAndTimestamp
	// SizeOnly compares length only.
	SizeOnly
)

func (m Method) String() string {
	switch m {
	case Auto:
		return "auto"
	case Hash:
		return "hash"
	case SizeAndTimestamp:
		return "size_timestamp"
	case SizeOnly:
		return "size_only"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMethod parses a method name as accepted in configuration.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "hash", "sha256":
		return Hash, nil
	case "size_timestamp", "size-timestamp", "timestamp":
		return SizeAndTimestamp, nil
	case "size_only", "size-only", "size":
		return SizeOnly, nil
	default:
		return Auto, fmt.Errorf("unknown verification method %q", s)
	}
}

// Defaults for Options fields left at zero.
const (
	DefaultSmallFileThreshold = 100 << 20
	DefaultLargeFileThreshold = 10 << 30
	DefaultTimestampTolerance = 2 * time.Second
	DefaultChunkSize          = 1 << 20
	DefaultHashRetries        = 3
	DefaultHashRetryDelay     = 500 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	// Files smaller than SmallFileThreshold are always hashed.
	SmallFileThreshold int64
	// Files up to LargeFileThreshold are hashed when HashLargeFiles is set.
	LargeFileThreshold int64
	HashLargeFiles     bool

	TimestampTolerance time.Duration
	ChunkSize          int

	// HashRetries is the number of additional attempts after a hashing IO
	// error, waiting HashRetryDelay doubled each time. Zero uses
	// DefaultHashRetries; negative disables retries.
	HashRetries    int
	HashRetryDelay time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of verifying one target.
type Result struct {
	Target       string
	Success      bool
	Method       Method
	SourceDigest string
	TargetDigest string
	UsedFallback bool
	SourceSize   int64
	TargetSize   int64
	Message      string
	Duration     time.Duration
	Err          error
}

// MultiResult aggregates the verification of every target of one source.
type MultiResult struct {
	Success      bool
	Method       Method
	SourceDigest string
	Results      []Result
	Duration     time.Duration
}

// Err returns nil when every target passed, otherwise an error wrapping
// each failure.
func (m MultiResult) Err() error {
	if m.Success {
		return nil
	}
	var errs []error
	for _, r := range m.Results {
		if r.Success {
			continue
		}
		err := r.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrMismatch, r.Message)
		}
		errs = append(errs, fmt.Errorf("target %s: %w", r.Target, err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no targets verified", ErrMismatch)
	}
	return errors.Join(errs...)
}

// Failed returns the targets that did not pass.
func (m MultiResult) Failed() []string {
	var out []string
	for _, r := range m.Results {
		if !r.Success {
			out = append(out, r.Target)
		}
	}
	return out
}

// Engine verifies targets. It is safe for concurrent use.
type Engine struct {
	opts Options
	log  *logging.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.SmallFileThreshold <= 0 {
		opts.SmallFileThreshold = DefaultSmallFileThreshold
	}
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if opts.TimestampTolerance <= 0 {
		opts.TimestampTolerance = DefaultTimestampTolerance
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	switch {
	case opts.HashRetries == 0:
		opts.HashRetries = DefaultHashRetries
	case opts.HashRetries < 0:
		opts.HashRetries = 0
	}
	if opts.HashRetryDelay <= 0 {
		opts.HashRetryDelay = DefaultHashRetryDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Engine{opts: opts, log: logging.Get("verify")}
}

// SelectMethod returns the tier Auto resolves to for a source of size bytes.
func (e *Engine) SelectMethod(size int64) Method {
	switch {
	case size < e.opts.SmallFileThreshold:
		return Hash
	case size <= e.opts.LargeFileThreshold && e.opts.HashLargeFiles:
		return Hash
	default:
		return SizeAndTimestamp
	}
}

// Verify compares target with source.
func (e *Engine) Verify(ctx context.Context, source, target string, method Method) Result {
	m := e.verify(ctx, source, []string{target}, method, "")
	return m.Results[0]
}

// VerifyAll verifies every target against source concurrently. knownDigest,
// when set, is used instead of hashing the source again.
func (e *Engine) VerifyAll(ctx context.Context, source string, targets []string, knownDigest string) MultiResult {
	return e.verify(ctx, source, targets, Auto, knownDigest)
}

// VerifyTargets is VerifyAll with an explicit method. knownDigest is only
// used by the Hash tier.
func (e *Engine) VerifyTargets(ctx context.Context, source string, targets []string, method Method, knownDigest string) MultiResult {
	return e.verify(ctx, source, targets, method, knownDigest)
}

func (e *Engine) verify(ctx context.Context, source string, targets []string, method Method, knownDigest string) MultiResult {
	start := time.Now()
	out := MultiResult{Results: make([]Result, len(targets))}
	for i, t := range targets {
		out.Results[i] = Result{Target: t}
	}

	finish := func() MultiResult {
		out.Duration = time.Since(start)
		out.Success = len(targets) > 0
		for i := range out.Results {
			out.Results[i].Duration = out.Duration
			if !out.Results[i].Success {
				out.Success = false
			}
		}
		return out
	}

	srcInfo, err := os.Stat(source)
	if err != nil {
		for i := range out.Results {
			out.Results[i].Err = fmt.Errorf("stat source: %w", err)
			out.Results[i].Message = "source not readable"
		}
		return finish()
	}

	if method == Auto {
		method = e.SelectMethod(srcInfo.Size())
	}
	out.Method = method

	fallback := false
	digest := knownDigest
	if method == Hash && digest == "" {
		digest, err = e.hashWithRetry(ctx, source)
		if err != nil {
			if ctx.Err() != nil {
				for i := range out.Results {
					out.Results[i].Method = method
					out.Results[i].Err = ctx.Err()
				}
				return finish()
			}
			e.log.Warn("hashing source failed, falling back to size and timestamp", "path", source, "error", err)
			method = SizeAndTimestamp
			fallback = true
		}
	}
	if method == Hash {
		out.SourceDigest = digest
	}

	var g errgroup.Group
	for i := range out.Results {
		r := &out.Results[i]
		r.Method = method
		r.UsedFallback = fallback
		r.SourceSize = srcInfo.Size()
		r.SourceDigest = out.SourceDigest
		g.Go(func() error {
			e.verifyTarget(ctx, srcInfo, r)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		if r.UsedFallback {
			out.Method = r.Method
		}
		if !r.Success {
			e.log.Warn("verification failed",
				"source", source,
				"target", r.Target,
				"method", r.Method.String(),
				"fallback", r.UsedFallback,
				"message", r.Message,
			)
		}
	}
	return finish()
}

// verifyTarget fills r for one target. r.Method is the tier to use.
func (e *Engine) verifyTarget(ctx context.Context, src os.FileInfo, r *Result) {
	info, err := os.Stat(r.Target)
	if err != nil {
		r.Err = fmt.Errorf("stat target: %w", err)
		r.Message = "target not readable"
		return
	}
	r.TargetSize = info.Size()

	if r.TargetSize != r.SourceSize {
		r.Message = fmt.Sprintf("size differs: source %d, target %d", r.SourceSize, r.TargetSize)
		r.Err = fmt.Errorf("%w: %s", ErrMismatch, r.Message)
		return
	}

	switch r.Method {
	case SizeOnly:
		r.Success = true
		r.Message = "size matches"

	case Hash:
		digest, err := e.hashWithRetry(ctx, r.Target)
		if err != nil {
			if ctx.Err() != nil {
				r.Err = ctx.Err()
				return
			}
			e.log.Warn("hashing target failed, falling back to size and timestamp", "path", r.Target, "error", err)
			r.Method = SizeAndTimestamp
			r.UsedFallback = true
			e.compareTimestamps(src, info, r)
			return
		}
		r.TargetDigest = digest
		if digest != r.SourceDigest {
			r.Message = fmt.Sprintf("sha256 differs: source %s, target %s", r.SourceDigest, digest)
			r.Err = fmt.Errorf("%w: %s", ErrMismatch, r.Message)
			return
		}
		r.Success = true
		r.Message = "sha256 matches"

	default:
		e.compareTimestamps(src, info, r)
	}
}

func (e *Engine) compareTimestamps(src, target os.FileInfo, r *Result) {
	diff := src.ModTime().Sub(target.ModTime())
	if diff < 0 {
		diff = -diff
	}
	if diff > e.opts.TimestampTolerance {
		r.Message = fmt.Sprintf("modification time differs by %s (tolerance %s)", diff, e.opts.TimestampTolerance)
		r.Err = fmt.Errorf("%w: %s", ErrMismatch, r.Message)
		return
	}
	r.Success = true
	r.Message = "size and timestamp match"
}

// hashWithRetry hashes path, retrying IO errors with exponential backoff.
func (e *Engine) hashWithRetry(ctx context.Context, path string) (string, error) {
	delay := e.opts.HashRetryDelay
	var lastErr error
	for attempt := 0; attempt <= e.opts.HashRetries; attempt++ {
		if attempt > 0 {
			if err := e.opts.Sleep(ctx, delay); err != nil {
				return "", err
			}
			delay *= 2
		}
		digest, err := HashFile(ctx, path, e.opts.ChunkSize)
		if err == nil {
			return digest, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		e.log.Debug("hash attempt failed", "path", path, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("hashing %s: %w", path, lastErr)
}

// HashFile returns the hex SHA-256 of path, read in chunkSize pieces
// through a read-only handle.
func HashFile(ctx context.Context, path string, chunkSize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
