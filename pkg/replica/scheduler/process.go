package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jamesainslie/replica/pkg/replica/audit"
	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/metrics"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/verify"
)

// FailedSuffix is appended to targets that failed verification.
const FailedSuffix = ".failed"

// job is the immutable input of a worker.
type job struct {
	id      string
	source  string
	targets []string
	attempt int
}

// outcome is what a worker reports to the run loop.
type outcome struct {
	id         string
	copy       *copier.Result
	verify     *verify.MultiResult
	stage      string
	err        error
	record     *classify.ErrorRecord
	retryable  bool
	retryAfter time.Duration
	cancelled  bool
	// flagged maps targets renamed after failed verification to their new
	// path.
	flagged    map[string]string
}

// process copies and verifies one item. Failures are classified here and
// their recovery executed. A delayed retry is handed back to the retry
// sweep rather than waited out while holding a slot.
func (s *Scheduler) process(ctx context.Context, j job) outcome {
	log := s.log.WithCorrelation(j.id).With("path", j.source)
	o := outcome{id: j.id}
	start := time.Now()

	var copyRes *copier.Result
	tries := 0
	res := s.deps.Retry.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		tries++
		if tries > 1 {
			s.retryAttempted(j, "copy", tries)
		}
		r, err := s.deps.Copier.CopyStreaming(ctx, j.source, j.targets, func(p copier.Progress) {
			s.updateProgress(j.id, p)
		})
		copyRes = r
		return err
	}, retry.FileSystem, "copy "+j.source)

	o.copy = copyRes
	if !res.Success {
		o.stage = "copy"
		o.err = fmt.Errorf("copy: %w", res.FinalErr)
		s.recover(ctx, j, &o)
		return o
	}
	metrics.RecordCopy(copyRes.BytesCopied, copyRes.Duration)

	if s.opts.Verify {
		var mr verify.MultiResult
		tries = 0
		vres := s.deps.Retry.ExecuteWithRetry(ctx, func(ctx context.Context) error {
			tries++
			if tries > 1 {
				s.retryAttempted(j, "verify", tries)
			}
			mr = s.deps.Verifier.VerifyTargets(ctx, j.source, j.targets, s.opts.VerifyMethod, copyRes.SourceDigest)
			return mr.Err()
		}, retry.Verification, "verify "+j.source)

		o.verify = &mr
		for _, r := range mr.Results {
			metrics.RecordVerification(r.Method.String(), r.Success)
		}
		if !vres.Success {
			o.stage = "verify"
			o.err = fmt.Errorf("verify: %w", vres.FinalErr)
			if ctx.Err() == nil {
				o.flagged = flagFailed(log, mr.Failed())
			}
			s.recover(ctx, j, &o)
			return o
		}
	}

	log.Info("replicated",
		"destinations", len(j.targets),
		"bytes", copyRes.BytesCopied,
		"duration", time.Since(start),
	)
	return o
}

// flagFailed renames each target to target+FailedSuffix so an unverified
// file never sits under its final name.
func flagFailed(log *logging.Logger, targets []string) map[string]string {
	flagged := make(map[string]string, len(targets))
	for _, t := range targets {
		dst := t + FailedSuffix
		if err := os.Rename(t, dst); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("could not flag failed target", "target", t, "error", err)
			}
			continue
		}
		log.Warn("target failed verification", "target", t, "renamed_to", dst)
		flagged[t] = dst
	}
	return flagged
}

// recover classifies o.err and runs the chosen recovery strategy.
func (s *Scheduler) recover(ctx context.Context, j job, o *outcome) {
	if ctx.Err() != nil {
		// Cancelled by the stall check, which already classified the item.
		o.cancelled = true
		return
	}

	rec := s.deps.Classifier.ClassifyCorrelated(j.id, o.err, OperationContext, j.source)
	metrics.RecordError(rec.Category.String(), rec.Severity.String())
	o.record = rec
	if rec.Strategy == classify.StrategyDelayedRetry {
		o.retryable = true
		o.retryAfter = rec.RetryDelay
		return
	}
	o.retryable = s.deps.Classifier.ExecuteRecovery(ctx, rec)
}

// retryAttempted reports a retry made by the retry handler.
func (s *Scheduler) retryAttempted(j job, stage string, attempt int) {
	op := retry.FileSystem
	if stage == "verify" {
		op = retry.Verification
	}
	metrics.RecordRetry(op.String())
	s.deps.Audit.Record(audit.Event{
		Time:        s.opts.Now(),
		Type:        audit.EventRetryAttempted,
		OperationID: j.id,
		Path:        j.source,
		Attempt:     attempt,
		Message:     stage + " retried",
	})
}

// updateProgress records copy progress and counts as activity for the
// stall check.
func (s *Scheduler) updateProgress(id string, p copier.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.active[id]
	if !ok {
		return
	}
	item.Progress = p.Percent
	item.LastActivity = s.opts.Now()
	for i := range item.Destinations {
		item.Destinations[i].Progress = p.Percent
		item.Destinations[i].BytesCopied = p.BytesCopied
	}
}

// complete applies a worker outcome. Only the run loop, or Stop after the
// loop has exited, calls it.
func (s *Scheduler) complete(o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every launched worker reports exactly once; its slot frees here so the
	// active set and the semaphore change together.
	s.sem.Release(1)

	item, ok := s.active[o.id]
	if !ok {
		return
	}
	delete(s.active, o.id)
	if s.paths[item.Source] == item.ID {
		delete(s.paths, item.Source)
	}

	now := s.opts.Now()
	item.cancel = nil
	item.CompletedAt = now
	item.LastActivity = now
	if o.copy != nil {
		item.Digest = o.copy.SourceDigest
	}

	s.applyDestinations(item, o, now)
	item.State = item.aggregate()
	if item.State != StateCompleted && item.State != StateFailed {
		item.State = StateFailed
	}

	log := s.log.WithCorrelation(item.ID).With("path", item.Source)

	if item.State == StateCompleted {
		item.Progress = 100
		s.counters.Completed++
		metrics.RecordProcessed(true)
		s.deps.Classifier.Reset(OperationContext, item.Source)
		s.deps.Audit.Record(audit.Event{
			Time:        now,
			Type:        audit.EventProcessingCompleted,
			OperationID: item.ID,
			Path:        item.Source,
			Size:        item.Size,
			Attempt:     item.RetryCount + 1,
			Properties:  completionProperties(item),
		})
		s.completed[item.ID] = item
		return
	}

	s.counters.Failed++
	metrics.RecordProcessed(false)

	msg := "unknown failure"
	switch {
	case item.stalled && o.cancelled:
		msg = ErrStalled.Error()
	case o.err != nil:
		msg = o.err.Error()
		item.Errors = append(item.Errors, fmt.Sprintf("%s: %s", now.Format(time.RFC3339), msg))
	}

	props := map[string]string{"stage": o.stage}
	if !o.cancelled {
		item.Retryable = o.retryable
	}
	if o.record != nil {
		props["category"] = o.record.Category.String()
		props["severity"] = o.record.Severity.String()
		props["strategy"] = o.record.Strategy.String()
		props["error_id"] = o.record.ID
		if o.record.Strategy == classify.StrategyQuarantine {
			s.counters.Quarantined++
			item.Retryable = false
		}
	}
	props["retryable"] = fmt.Sprint(item.Retryable)

	delay := s.opts.RetryDelay
	item.retryAt = time.Time{}
	if item.Retryable && o.retryAfter > 0 {
		delay = o.retryAfter
		item.retryAt = now.Add(delay)
		props["retry_delay"] = delay.String()
	}

	if item.Retryable && item.RetryCount < s.opts.MaxRetries {
		log.Warn("processing failed, will retry",
			"retry", item.RetryCount,
			"max_retries", s.opts.MaxRetries,
			"retry_delay", delay,
			"error", msg,
		)
	} else {
		log.Error("processing failed", "retries", item.RetryCount, "retryable", item.Retryable, "error", msg)
	}

	s.deps.Audit.Record(audit.Event{
		Time:        now,
		Type:        audit.EventProcessingFailed,
		OperationID: item.ID,
		Path:        item.Source,
		Size:        item.Size,
		Attempt:     item.RetryCount + 1,
		Message:     msg,
		Properties:  props,
	})
	s.completed[item.ID] = item
}

// applyDestinations sets per-destination status from the outcome.
func (s *Scheduler) applyDestinations(item *ProcessingItem, o outcome, now time.Time) {
	copied := make(map[string]copier.DestinationResult)
	if o.copy != nil {
		for _, d := range o.copy.Destinations {
			copied[d.Path] = d
		}
	}
	verified := make(map[string]verify.Result)
	if o.verify != nil {
		for _, r := range o.verify.Results {
			verified[r.Target] = r
		}
	}

	for i := range item.Destinations {
		d := &item.Destinations[i]
		if o.copy != nil {
			d.BytesCopied = o.copy.BytesCopied
		}
		cr, hasCopy := copied[d.Target]

		switch {
		case item.stalled && o.err != nil:
			d.Status = StatusFailed
			d.LastError = ErrStalled.Error()
		case o.stage == "copy":
			if hasCopy && cr.Renamed && cr.Err == nil {
				d.Status = StatusCompleted
				d.Progress = 100
				break
			}
			d.Status = StatusFailed
			if hasCopy && cr.Err != nil {
				d.LastError = cr.Err.Error()
			} else {
				d.LastError = o.err.Error()
			}
		case o.stage == "verify":
			r, ok := verified[d.Target]
			if ok && r.Success {
				d.Status = StatusCompleted
				d.Progress = 100
				break
			}
			d.Status = StatusFailed
			if ok && r.Message != "" {
				d.LastError = r.Message
			} else {
				d.LastError = o.err.Error()
			}
			if p, moved := o.flagged[d.Target]; moved {
				d.FailedPath = p
			}
		default:
			d.Status = StatusCompleted
			d.Progress = 100
			d.LastError = ""
		}
		if d.Status == StatusCompleted {
			d.CompletedAt = now
		}
	}
}

func completionProperties(item *ProcessingItem) map[string]string {
	targets := make([]string, len(item.Destinations))
	for i, d := range item.Destinations {
		targets[i] = d.Target
	}
	props := map[string]string{
		"mod_time":     item.ModTime.UTC().Format(time.RFC3339Nano),
		"destinations": strings.Join(targets, "\n"),
	}
	if item.Digest != "" {
		props["digest"] = item.Digest
	}
	return props
}
