package classify

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxAttemptsBeforeQuarantine = 3
	DefaultLargeFileThreshold          = 1 << 30
	DefaultLargeFileRetryDelay         = 5 * time.Minute
	DefaultNetworkRetryDelay           = 30 * time.Second
	DefaultBaseRetryDelay              = 5 * time.Second
	DefaultMaxRetryDelay               = 5 * time.Minute
	DefaultMaxRecentErrors             = 100
	DefaultMaxOccurrences              = 50
	DefaultHistoryRetention            = 24 * time.Hour
)

// Options configures a Classifier.
type Options struct {
	// QuarantineRoot is where unrecoverable files are moved. Empty disables
	// relocation; quarantine decisions are then only logged.
	QuarantineRoot string

	// MaxAttemptsBeforeQuarantine is the number of failures recorded for a
	// key after which the next classification forces quarantine.
	MaxAttemptsBeforeQuarantine int

	LargeFileThreshold  int64
	LargeFileRetryDelay time.Duration
	NetworkRetryDelay   time.Duration
	BaseRetryDelay      time.Duration
	MaxRetryDelay       time.Duration

	// NetworkPrefixes are path prefixes treated as network storage in
	// addition to UNC and //host paths.
	NetworkPrefixes []string

	MaxRecentErrors  int
	MaxOccurrences   int
	HistoryRetention time.Duration

	// OnQuarantine is called after a file has been relocated.
	OnQuarantine func(rec ErrorRecord, quarantinePath string)

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.MaxAttemptsBeforeQuarantine <= 0 {
		o.MaxAttemptsBeforeQuarantine = DefaultMaxAttemptsBeforeQuarantine
	}
	if o.LargeFileThreshold <= 0 {
		o.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if o.LargeFileRetryDelay <= 0 {
		o.LargeFileRetryDelay = DefaultLargeFileRetryDelay
	}
	if o.NetworkRetryDelay <= 0 {
		o.NetworkRetryDelay = DefaultNetworkRetryDelay
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.MaxRecentErrors <= 0 {
		o.MaxRecentErrors = DefaultMaxRecentErrors
	}
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = DefaultMaxOccurrences
	}
	if o.HistoryRetention <= 0 {
		o.HistoryRetention = DefaultHistoryRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Classifier turns errors into ErrorRecords and executes their recovery
// strategy. It is safe for concurrent use.
type Classifier struct {
	opts Options
	log  *logging.Logger

	mu          sync.Mutex
	history     map[key]*ErrorRecord
	recent      []ErrorRecord
	total       int
	quarantined int
	byCategory  map[Category]int
	bySeverity  map[Severity]int
}

// New creates a Classifier.
func New(opts Options) *Classifier {
	opts.setDefaults()
	return &Classifier{
		opts:       opts,
		log:        logging.Get("classify"),
		history:    make(map[key]*ErrorRecord),
		byCategory: make(map[Category]int),
		bySeverity: make(map[Severity]int),
	}
}

// Classify records a failure of opContext on path and returns a copy of the
// resulting record.
func (c *Classifier) Classify(err error, opContext, path string) *ErrorRecord {
	return c.ClassifyCorrelated("", err, opContext, path)
}

// ClassifyCorrelated is Classify with a correlation id attached to the
// record, typically the scheduler's operation id.
func (c *Classifier) ClassifyCorrelated(correlationID string, err error, opContext, path string) *ErrorRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	category := Categorize(err)
	def := categoryDefaults[category]

	// Stat outside the lock; the file may be gone already.
	var size int64 = -1
	if info, statErr := os.Stat(path); statErr == nil {
		size = info.Size()
	}

	now := c.opts.Now()
	k := key{context: opContext, path: path}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.history[k]
	if !ok {
		c.pruneLocked(now)
		rec = &ErrorRecord{
			ID:               uuid.NewString(),
			OperationContext: opContext,
			FilePath:         path,
			FirstOccurrence:  now,
			Properties:       make(map[string]string),
		}
		c.history[k] = rec
	}
	previous := rec.AttemptCount

	rec.AttemptCount++
	rec.LastOccurrence = now
	rec.Message = msg
	rec.Category = category
	rec.Severity = def.severity
	rec.Strategy = def.strategy
	rec.IsTransient = def.transient
	if correlationID != "" {
		rec.CorrelationID = correlationID
	}
	rec.Occurrences = append(rec.Occurrences, Occurrence{Time: now, Message: msg, Attempt: rec.AttemptCount})
	if over := len(rec.Occurrences) - c.opts.MaxOccurrences; over > 0 {
		rec.Occurrences = rec.Occurrences[over:]
	}

	delay, reason := c.retryDelay(category, path, size, rec.AttemptCount)
	rec.RetryDelay = delay
	rec.Properties["retry_delay"] = delay.String()
	rec.Properties["delay_reason"] = reason
	if size >= 0 {
		rec.Properties["file_size"] = strconv.FormatInt(size, 10)
	}

	if previous >= c.opts.MaxAttemptsBeforeQuarantine && category != CategoryQuarantine {
		rec.Strategy = StrategyQuarantine
		rec.Severity = SeverityCritical
		rec.IsTransient = false
		rec.Properties["escalated"] = "true"
	}

	c.total++
	c.byCategory[rec.Category]++
	c.bySeverity[rec.Severity]++
	c.recent = append(c.recent, *rec.clone())
	if over := len(c.recent) - c.opts.MaxRecentErrors; over > 0 {
		c.recent = c.recent[over:]
	}

	out := rec.clone()
	c.logClassification(out)
	return out
}

// retryDelay applies the large-file and network overrides, falling back to
// exponential backoff on the attempt count.
func (c *Classifier) retryDelay(category Category, path string, size int64, attempt int) (time.Duration, string) {
	switch {
	case category == CategoryResource && size > c.opts.LargeFileThreshold:
		return c.opts.LargeFileRetryDelay, "large_file"
	case c.IsNetworkPath(path):
		return c.opts.NetworkRetryDelay, "network_path"
	}

	delay := c.opts.BaseRetryDelay
	for i := 1; i < attempt && delay < c.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > c.opts.MaxRetryDelay {
		delay = c.opts.MaxRetryDelay
	}
	return delay, "backoff"
}

// IsNetworkPath reports whether path lives on network storage.
func (c *Classifier) IsNetworkPath(path string) bool {
	if strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//") {
		return true
	}
	for _, prefix := range c.opts.NetworkPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// pruneLocked drops history entries idle longer than the retention.
// Must be called with c.mu held.
func (c *Classifier) pruneLocked(now time.Time) {
	for k, rec := range c.history {
		if now.Sub(rec.LastOccurrence) > c.opts.HistoryRetention {
			delete(c.history, k)
		}
	}
}

func (c *Classifier) logClassification(rec *ErrorRecord) {
	log := c.log.WithCorrelation(rec.CorrelationID)
	args := []interface{}{
		"path", rec.FilePath,
		"context", rec.OperationContext,
		"category", rec.Category.String(),
		"severity", rec.Severity.String(),
		"strategy", rec.Strategy.String(),
		"attempt", rec.AttemptCount,
		"error", rec.Message,
	}
	switch rec.Strategy {
	case StrategyRetry, StrategyDelayedRetry:
		log.Warn("transient failure", append(args, "next_retry_delay", rec.RetryDelay)...)
	default:
		log.Error("failure classified", args...)
	}
}

// ExecuteRecovery carries out rec.Strategy and reports whether the unit of
// work may be retried.
func (c *Classifier) ExecuteRecovery(ctx context.Context, rec *ErrorRecord) bool {
	if rec == nil {
		return false
	}
	log := c.log.WithCorrelation(rec.CorrelationID).With("path", rec.FilePath, "error_id", rec.ID)

	switch rec.Strategy {
	case StrategyRetry:
		return true

	case StrategyDelayedRetry:
		log.Debug("waiting before retry", "delay", rec.RetryDelay)
		if err := c.opts.Sleep(ctx, rec.RetryDelay); err != nil {
			log.Warn("retry wait interrupted", "error", err)
			return false
		}
		return true

	case StrategyQuarantine:
		dest, err := c.Quarantine(rec)
		if err != nil {
			log.Error("quarantine failed", "error", err)
			return false
		}
		if dest != "" {
			log.Warn("file quarantined", "quarantine_path", dest, "attempts", rec.AttemptCount)
		}
		return false

	case StrategyEscalate:
		log.Error("failure requires operator attention",
			"category", rec.Category.String(),
			"severity", rec.Severity.String(),
			"context", rec.OperationContext,
			"attempts", rec.AttemptCount,
			"first_occurrence", rec.FirstOccurrence,
			"error", rec.Message,
		)
		return false

	case StrategySkip:
		log.Info("skipping file", "reason", rec.Message)
		return false

	case StrategyAbort:
		log.Error("aborting operation", "category", rec.Category.String(), "error", rec.Message)
		return false

	default:
		log.Debug("no recovery strategy", "strategy", rec.Strategy.String())
		return false
	}
}

// Reset forgets the history of a key, typically after the file replicated.
func (c *Classifier) Reset(opContext, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, key{context: opContext, path: path})
}

// ResetPath forgets every key for path.
func (c *Classifier) ResetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.history {
		if k.path == path {
			delete(c.history, k)
		}
	}
}

// Record returns a copy of the record for a key.
func (c *Classifier) Record(opContext, path string) (*ErrorRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.history[key{context: opContext, path: path}]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Statistics returns totals and the most recent errors.
func (c *Classifier) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Total:       c.total,
		ByCategory:  make(map[string]int, len(c.byCategory)),
		BySeverity:  make(map[string]int, len(c.bySeverity)),
		Quarantined: c.quarantined,
		Tracked:     len(c.history),
		Recent:      make([]ErrorRecord, 0, len(c.recent)),
	}
	for k, v := range c.byCategory {
		s.ByCategory[k.String()] = v
	}
	for k, v := range c.bySeverity {
		s.BySeverity[k.String()] = v
	}
	for i := range c.recent {
		s.Recent = append(s.Recent, *c.recent[i].clone())
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
