// Package scheduler drives detected files through copy and verification.
//
// A single run loop owns every timer and performs every completion
// transition. Workers run copy and verification on their own goroutines,
// bounded by a counting semaphore, and report back over a channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jamesainslie/replica/pkg/replica/audit"
	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/metrics"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/verify"
	"github.com/jamesainslie/replica/pkg/replica/watcher"
)

var (
	// ErrStalled is the failure recorded for items without progress for
	// longer than the stall timeout.
	ErrStalled = errors.New("processing stalled")

	// ErrAbandoned is returned by Stop when items were still active at the
	// shutdown timeout.
	ErrAbandoned = errors.New("active items abandoned at shutdown")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// OperationContext is the classifier key context for replication failures.
const OperationContext = "replicate"

// Defaults for Options fields left at zero.
const (
	DefaultMaxConcurrent      = 2
	DefaultDispatchInterval   = time.Second
	DefaultStallTimeout       = 60 * time.Minute
	DefaultStallCheckInterval = time.Minute
	DefaultRetrySweepInterval = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 5 * time.Minute
	DefaultCompletedRetention = 24 * time.Hour
	DefaultCompletedMax       = 1000
	DefaultTrimInterval       = time.Minute
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultBacklogThreshold   = 1000
)

// Options configures a Scheduler.
type Options struct {
	// SourceRoot is the watched directory. Paths below it keep their
	// relative layout under each destination; other files land at the
	// destination root.
	SourceRoot   string
	Destinations []string

	MaxConcurrent      int
	DispatchInterval   time.Duration
	StallTimeout       time.Duration
	StallCheckInterval time.Duration
	RetrySweepInterval time.Duration
	// MaxRetries is the number of times a failed item is re-queued.
	// Negative disables re-queuing.
	MaxRetries         int
	RetryDelay         time.Duration
	CompletedRetention time.Duration
	CompletedMax       int
	TrimInterval       time.Duration
	ShutdownTimeout    time.Duration
	BacklogThreshold   int

	// Verify enables post-copy verification with VerifyMethod.
	Verify       bool
	VerifyMethod verify.Method

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = DefaultDispatchInterval
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = DefaultStallCheckInterval
	}
	if o.RetrySweepInterval <= 0 {
		o.RetrySweepInterval = DefaultRetrySweepInterval
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = DefaultCompletedRetention
	}
	if o.CompletedMax <= 0 {
		o.CompletedMax = DefaultCompletedMax
	}
	if o.TrimInterval <= 0 {
		o.TrimInterval = DefaultTrimInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.BacklogThreshold <= 0 {
		o.BacklogThreshold = DefaultBacklogThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Copier streams a source to several destinations.
type Copier interface {
	CopyStreaming(ctx context.Context, source string, dests []string, progress copier.ProgressFunc) (*copier.Result, error)
}

// Verifier compares targets with their source.
type Verifier interface {
	VerifyTargets(ctx context.Context, source string, targets []string, method verify.Method, knownDigest string) verify.MultiResult
}

// History reports whether a file was already replicated in a previous run.
type History interface {
	IsReplicated(path string, size int64, modTime time.Time) bool
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Copier     Copier
	Verifier   Verifier
	Retry      *retry.Handler
	Classifier *classify.Classifier

	// Audit receives lifecycle events. Nil discards them.
	Audit audit.Sink
	// History is optional.
	History History
}

// Scheduler owns the work queue, the active set and the completed set.
type Scheduler struct {
	opts Options
	deps Deps
	log  *logging.Logger

	sem     *semaphore.Weighted
	results chan outcome
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	workers sync.WaitGroup

	mu        sync.Mutex
	queue     []*ProcessingItem
	active    map[string]*ProcessingItem
	completed map[string]*ProcessingItem
	// paths maps source paths of queued and active items to their id.
	paths    map[string]string
	counters Counters
	started  bool
	stopping bool
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(opts Options, deps Deps) (*Scheduler, error) {
	opts.setDefaults()

	if len(opts.Destinations) == 0 {
		return nil, errors.New("at least one destination is required")
	}
	if deps.Copier == nil || deps.Retry == nil || deps.Classifier == nil {
		return nil, errors.New("copier, retry handler and classifier are required")
	}
	if opts.Verify && deps.Verifier == nil {
		return nil, errors.New("verification enabled without a verifier")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard
	}

	return &Scheduler{
		opts:      opts,
		deps:      deps,
		log:       logging.Get("scheduler"),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		results:   make(chan outcome, opts.MaxConcurrent),
		kick:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		active:    make(map[string]*ProcessingItem),
		completed: make(map[string]*ProcessingItem),
		paths:     make(map[string]string),
	}, nil
}

// Start launches the run loop. It returns immediately; the loop ends when
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.log.Info("scheduler started",
		"max_concurrent", s.opts.MaxConcurrent,
		"destinations", len(s.opts.Destinations),
		"verify", s.opts.Verify,
	)
	go s.run(ctx)
	return nil
}

// Stop ends dispatch at once, then waits up to ShutdownTimeout (or until
// ctx is done) for active items. Items still running after that are left
// to finish on their own and ErrAbandoned is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = s.abandon()
	case <-ctx.Done():
		err = s.abandon()
	}

	close(s.quit)
	<-s.done

	// Results of workers that finished while the loop was exiting.
	for {
		select {
		case o := <-s.results:
			s.complete(o)
		default:
			s.publish()
			s.log.Info("scheduler stopped")
			return err
		}
	}
}

func (s *Scheduler) abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return nil
	}
	for _, item := range s.active {
		s.log.WithCorrelation(item.ID).Warn("abandoning active item at shutdown",
			"path", item.Source,
			"progress", item.Progress,
		)
	}
	return fmt.Errorf("%w: %d still running", ErrAbandoned, len(s.active))
}

// run is the only goroutine that completes, fails, re-queues or evicts
// items.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	dispatch := time.NewTicker(s.opts.DispatchInterval)
	defer dispatch.Stop()
	stall := time.NewTicker(s.opts.StallCheckInterval)
	defer stall.Stop()
	sweep := time.NewTicker(s.opts.RetrySweepInterval)
	defer sweep.Stop()
	trim := time.NewTicker(s.opts.TrimInterval)
	defer trim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case o := <-s.results:
			s.complete(o)
			s.dispatch()
		case <-s.kick:
			s.dispatch()
		case <-dispatch.C:
			s.dispatch()
		case <-stall.C:
			s.checkStalled()
		case <-sweep.C:
			s.sweepRetries()
			s.dispatch()
		case <-trim.C:
			s.trimCompleted()
		}
		s.publish()
	}
}

// Enqueue adds a detected file to the queue. It returns false when the path
// is already queued or active, when history shows the same file was
// replicated before, or after Stop.
func (s *Scheduler) Enqueue(f watcher.DetectedFile) bool {
	if f.Path == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}
	if _, ok := s.paths[f.Path]; ok {
		s.counters.Duplicates++
		return false
	}
	if s.deps.History != nil && s.deps.History.IsReplicated(f.Path, f.Size, f.ModTime) {
		s.counters.Skipped++
		s.log.Debug("already replicated, skipping", "path", f.Path)
		return false
	}

	now := s.opts.Now()
	item := &ProcessingItem{
		ID:           uuid.NewString(),
		Source:       f.Path,
		Size:         f.Size,
		ModTime:      f.ModTime,
		State:        StateQueued,
		CreatedAt:    now,
		LastActivity: now,
		Retryable:    true,
	}
	for _, target := range s.targetPaths(f.Path) {
		item.Destinations = append(item.Destinations, DestinationRecord{Target: target})
	}

	s.queue = append(s.queue, item)
	s.paths[f.Path] = item.ID
	s.counters.Enqueued++

	s.deps.Audit.Record(audit.Event{
		Time:        now,
		Type:        audit.EventFileDetected,
		OperationID: item.ID,
		Path:        f.Path,
		Size:        f.Size,
		Properties:  map[string]string{"stability_checks": fmt.Sprint(f.StabilityChecks)},
	})

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return true
}

// targetPaths maps source to one path per destination.
func (s *Scheduler) targetPaths(source string) []string {
	rel := filepath.Base(source)
	if s.opts.SourceRoot != "" {
		if r, err := filepath.Rel(s.opts.SourceRoot, source); err == nil &&
			r != "." && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			rel = r
		}
	}

	out := make([]string, len(s.opts.Destinations))
	for i, d := range s.opts.Destinations {
		out[i] = filepath.Join(d, rel)
	}
	return out
}

// dispatch starts queued items while semaphore capacity remains.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	for len(s.queue) > 0 {
		if !s.sem.TryAcquire(1) {
			return
		}
		item := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		now := s.opts.Now()
		item.State = StateProcessing
		item.StartedAt = now
		item.LastActivity = now
		item.Progress = 0
		for i := range item.Destinations {
			d := &item.Destinations[i]
			d.Status = StatusInProgress
			d.StartedAt = now
			d.Progress = 0
			d.BytesCopied = 0
		}
		s.active[item.ID] = item
		s.counters.Started++

		s.deps.Audit.Record(audit.Event{
			Time:        now,
			Type:        audit.EventProcessingStarted,
			OperationID: item.ID,
			Path:        item.Source,
			Size:        item.Size,
			Attempt:     item.RetryCount + 1,
		})

		s.launch(item)
	}
}

// launch runs item on its own goroutine. Callers hold s.mu and a semaphore
// slot. The slot is released by complete, when the item leaves the active
// set.
func (s *Scheduler) launch(item *ProcessingItem) {
	ctx, cancel := context.WithCancel(context.Background())
	item.cancel = cancel

	j := job{
		id:      item.ID,
		source:  item.Source,
		targets: make([]string, len(item.Destinations)),
		attempt: item.RetryCount + 1,
	}
	for i, d := range item.Destinations {
		j.targets[i] = d.Target
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()

		s.results <- s.process(ctx, j)
	}()
}

// checkStalled force-fails active items without progress for longer than
// StallTimeout. The worker is cancelled; its slot is freed once its outcome
// is applied.
func (s *Scheduler) checkStalled() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	for _, item := range s.active {
		if item.stalled || now.Sub(item.LastActivity) < s.opts.StallTimeout {
			continue
		}
		item.stalled = true
		s.counters.Stalled++

		rec := s.deps.Classifier.ClassifyCorrelated(item.ID, ErrStalled, OperationContext, item.Source)
		metrics.RecordError(rec.Category.String(), rec.Severity.String())
		item.Retryable = rec.Strategy == classify.StrategyRetry || rec.Strategy == classify.StrategyDelayedRetry
		item.Errors = append(item.Errors, fmt.Sprintf("%s: %s", now.Format(time.RFC3339), ErrStalled))

		s.log.WithCorrelation(item.ID).Warn("item stalled, cancelling",
			"path", item.Source,
			"idle", now.Sub(item.LastActivity),
			"retryable", item.Retryable,
		)
		if item.cancel != nil {
			item.cancel()
		}
	}
}

// sweepRetries re-queues failed items that are due for another attempt.
func (s *Scheduler) sweepRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}

	now := s.opts.Now()
	var due []*ProcessingItem
	for _, item := range s.completed {
		if item.State != StateFailed || !item.Retryable || item.RetryCount >= s.opts.MaxRetries {
			continue
		}
		eligible := item.LastActivity.Add(s.opts.RetryDelay)
		if !item.retryAt.IsZero() {
			eligible = item.retryAt
		}
		if now.Before(eligible) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CompletedAt.Before(due[b].CompletedAt) })

	for _, item := range due {
		log := s.log.WithCorrelation(item.ID).With("path", item.Source)
		if _, busy := s.paths[item.Source]; busy {
			item.Retryable = false
			log.Debug("newer item for the same path is pending, dropping retry")
			continue
		}
		if _, err := os.Stat(item.Source); err != nil {
			item.Retryable = false
			log.Warn("source no longer available, not retrying", "error", err)
			continue
		}

		delete(s.completed, item.ID)
		item.RetryCount++
		item.State = StateQueued
		item.Progress = 0
		item.StartedAt = time.Time{}
		item.CompletedAt = time.Time{}
		item.LastActivity = now
		item.stalled = false
		item.retryAt = time.Time{}
		for i := range item.Destinations {
			d := &item.Destinations[i]
			d.Status = StatusPending
			d.Progress = 0
			d.BytesCopied = 0
			d.RetryCount++
			d.StartedAt = time.Time{}
			d.CompletedAt = time.Time{}
		}

		s.queue = append(s.queue, item)
		s.paths[item.Source] = item.ID
		s.counters.Retried++
		metrics.RecordRetry(retry.Processing.String())

		log.Info("re-queued failed item", "retry", item.RetryCount, "max_retries", s.opts.MaxRetries)
		s.deps.Audit.Record(audit.Event{
			Time:        now,
			Type:        audit.EventRetryAttempted,
			OperationID: item.ID,
			Path:        item.Source,
			Attempt:     item.RetryCount + 1,
			Message:     "re-queued after failure",
		})
	}
}

// trimCompleted evicts completed and failed items by age, then by count
// with the oldest completion first.
func (s *Scheduler) trimCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.Now().Add(-s.opts.CompletedRetention)
	for id, item := range s.completed {
		if item.CompletedAt.Before(cutoff) {
			delete(s.completed, id)
		}
	}

	over := len(s.completed) - s.opts.CompletedMax
	if over <= 0 {
		return
	}
	items := make([]*ProcessingItem, 0, len(s.completed))
	for _, item := range s.completed {
		items = append(items, item)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].CompletedAt.Before(items[b].CompletedAt) })
	for _, item := range items[:over] {
		delete(s.completed, item.ID)
	}
}

// publish exports queue gauges.
func (s *Scheduler) publish() {
	s.mu.Lock()
	queued, active := len(s.queue), len(s.active)
	var completed, failed int
	for _, item := range s.completed {
		if item.State == StateCompleted {
			completed++
		} else {
			failed++
		}
	}
	s.mu.Unlock()

	metrics.SetQueue(queued, active, completed, failed)
}
