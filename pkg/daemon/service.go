package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	replicav1 "github.com/jamesainslie/replica/pkg/api/replica/v1"
	"github.com/jamesainslie/replica/pkg/daemon/broadcaster"
	"github.com/jamesainslie/replica/pkg/daemon/store"
	"github.com/jamesainslie/replica/pkg/replica/audit"
	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/config"
	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/metrics"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
	"github.com/jamesainslie/replica/pkg/replica/verify"
	"github.com/jamesainslie/replica/pkg/replica/watcher"
)

// Intervals of the service's housekeeping loop.
const (
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultCleanupInterval     = time.Hour
)

// Service owns the replication pipeline: detector, scheduler and the
// components they share, plus the audit journal and history store fed from
// the scheduler's lifecycle events.
type Service struct {
	cfg *config.Config
	log *logging.Logger

	broadcaster *broadcaster.Broadcaster
	detector    *watcher.Detector
	scheduler   *scheduler.Scheduler
	classifier  *classify.Classifier
	retry       *retry.Handler
	journal     *audit.Journal
	history     *store.Store
	startTime   time.Time

	maintenanceInterval time.Duration
	cleanupInterval     time.Duration

	cancelLoops context.CancelFunc
	cancelRun   context.CancelFunc
	loops       sync.WaitGroup
	consumers   sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	healthMu  sync.Mutex
	onHealth  func(scheduler.HealthLevel)
	lastLevel scheduler.HealthLevel
}

// NewService builds the pipeline from a validated configuration and the
// component options derived from it.
func NewService(cfg *config.Config, comps *config.Components) (*Service, error) {
	s := &Service{
		cfg:                 cfg,
		log:                 logging.Get("daemon"),
		broadcaster:         broadcaster.New(),
		maintenanceInterval: DefaultMaintenanceInterval,
		cleanupInterval:     DefaultCleanupInterval,
		shutdown:            make(chan struct{}),
	}

	var err error
	if cfg.Audit.Enabled {
		if s.journal, err = audit.NewJournal(cfg.Audit.Path); err != nil {
			return nil, fmt.Errorf("audit journal: %w", err)
		}
	}
	if cfg.History.Enabled {
		if s.history, err = store.Open(cfg.History.Path); err != nil {
			s.closeStores()
			return nil, err
		}
	}

	classifierOpts := comps.Classifier
	classifierOpts.OnQuarantine = s.quarantined
	s.classifier = classify.New(classifierOpts)

	if s.retry, err = retry.New(comps.Retry); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("retry handler: %w", err)
	}

	if s.detector, err = watcher.New(comps.Detector); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("detector: %w", err)
	}

	deps := scheduler.Deps{
		Copier:     copier.New(comps.Copier),
		Verifier:   verify.New(comps.Verifier),
		Retry:      s.retry,
		Classifier: s.classifier,
		Audit:      s.broadcaster,
	}
	if s.history != nil {
		deps.History = s.history
	}
	if s.scheduler, err = scheduler.New(comps.Scheduler, deps); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return s, nil
}

// quarantined publishes the quarantine of a file.
func (s *Service) quarantined(rec classify.ErrorRecord, quarantinePath string) {
	metrics.RecordQuarantine()
	s.broadcaster.Record(audit.Event{
		Type:        audit.EventFileQuarantined,
		OperationID: rec.CorrelationID,
		Path:        rec.FilePath,
		Destination: quarantinePath,
		Attempt:     rec.AttemptCount,
		Message:     rec.Message,
		Properties: map[string]string{
			"category": rec.Category.String(),
			"error_id": rec.ID,
		},
	})
}

// OnHealthChange registers fn to be called whenever the combined health
// level changes. It must be called before Start.
func (s *Service) OnHealthChange(fn func(scheduler.HealthLevel)) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.onHealth = fn
}

// Start migrates the history store, subscribes the journal and store to
// lifecycle events and starts the scheduler and detector.
func (s *Service) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if s.history != nil {
		n, err := s.history.Migrate(ctx, func(p store.MigrationProgress) {
			s.log.Info("migrating history", "done", p.RecordsDone, "total", p.RecordsTotal)
		})
		if err != nil {
			return fmt.Errorf("migrate history: %w", err)
		}
		if n > 0 {
			s.log.Info("history migrated", "migrations", n)
		}
	}

	if s.journal != nil {
		sub := s.broadcaster.SubscribeLossless(0)
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			for e := range sub.Events {
				s.journal.Record(e)
			}
		}()
	}
	if s.history != nil {
		sub := s.broadcaster.SubscribeLossless(0, audit.EventProcessingCompleted, audit.EventProcessingFailed)
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			s.history.Consume(context.WithoutCancel(ctx), sub.Events)
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	s.cancelRun = cancelRun
	if err := s.scheduler.Start(runCtx); err != nil {
		cancelRun()
		return err
	}
	if err := s.detector.Start(runCtx); err != nil {
		_ = s.scheduler.Stop(ctx)
		cancelRun()
		return fmt.Errorf("start detector: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(runCtx)
	s.cancelLoops = cancelLoops

	if s.cfg.Source.ScanExisting {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			if _, err := s.detector.ScanExisting(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("scanning existing files failed", "error", err)
			}
		}()
	}

	s.loops.Add(2)
	go s.pump(loopCtx)
	go s.maintain(loopCtx)

	s.log.Info("replication started",
		"source", s.cfg.Source.Path,
		"destinations", len(s.cfg.Destinations),
		"audit", s.journal != nil,
		"history", s.history != nil,
	)
	return nil
}

// pump moves detected files into the scheduler.
func (s *Service) pump(ctx context.Context) {
	defer s.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.detector.Ready():
		}
		for {
			f, ok := s.detector.GetNextFile()
			if !ok {
				break
			}
			metrics.RecordDetected()
			if !s.scheduler.Enqueue(f) {
				s.log.Debug("file not enqueued", "path", f.Path)
			}
		}
	}
}

// maintain refreshes gauges and health and periodically expires old audit
// files and history records.
func (s *Service) maintain(ctx context.Context) {
	defer s.loops.Done()

	s.cleanup()
	s.refresh()

	tick := time.NewTicker(s.maintenanceInterval)
	defer tick.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.refresh()
		case <-cleanup.C:
			s.cleanup()
		}
	}
}

func (s *Service) refresh() {
	metrics.SetPending(s.detector.Health().Pending)

	level := s.Health().Status
	s.healthMu.Lock()
	changed := level != s.lastLevel
	s.lastLevel = level
	fn := s.onHealth
	s.healthMu.Unlock()

	if changed {
		s.log.Info("health changed", "status", string(level))
		if fn != nil {
			fn(level)
		}
	}
}

func (s *Service) cleanup() {
	if s.journal != nil && s.cfg.Audit.RetentionDays > 0 {
		if n, err := s.journal.Cleanup(s.cfg.Audit.RetentionDays); err != nil {
			s.log.Warn("audit cleanup failed", "error", err)
		} else if n > 0 {
			s.log.Info("removed old audit files", "files", n)
		}
	}
	if s.history != nil && s.cfg.History.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.History.RetentionDays)
		if _, err := s.history.Prune(cutoff); err != nil {
			s.log.Warn("history prune failed", "error", err)
		}
	}
}

// Stop stops detection, lets the scheduler finish active items within its
// shutdown timeout and closes the journal and store. An ErrAbandoned from
// the scheduler is returned but does not prevent the rest of the shutdown.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error

	if s.cancelLoops != nil {
		s.cancelLoops()
	}
	s.loops.Wait()

	if err := s.detector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close detector: %w", err))
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}

	s.broadcaster.Close()
	s.consumers.Wait()
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}

	s.log.Info("replication stopped")
	return errors.Join(errs...)
}

func (s *Service) closeStores() error {
	var errs []error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RequestShutdown asks the process owning the service to stop it.
func (s *Service) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (s *Service) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Status returns a snapshot of the pipeline.
func (s *Service) Status() replicav1.StatusReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return replicav1.StatusReport{
		Source:        s.cfg.Source.Path,
		Destinations:  append([]string(nil), s.cfg.Destinations...),
		StartedAt:     s.startTime,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		MemoryBytes:   int64(mem.Alloc),
		Queue:         s.scheduler.GetQueueStatus(),
		Detector:      s.detector.Health(),
		Pending:       s.detector.Pending(),
	}
}

// Health combines scheduler and detector health. A lost source watch is
// unhealthy; a watch being re-established is degraded.
func (s *Service) Health() replicav1.HealthReport {
	sh := s.scheduler.GetHealthStatus()
	dh := s.detector.Health()

	report := replicav1.HealthReport{
		Status:    sh.Status,
		Issues:    append([]string(nil), sh.Issues...),
		Scheduler: sh,
		Detector:  dh,
		Errors:    s.classifier.Statistics(),
	}

	switch {
	case !dh.Healthy:
		report.Status = scheduler.Unhealthy
		report.Issues = append(report.Issues, "source watch lost: "+dh.LastError)
	case !dh.Watching && !s.startTime.IsZero():
		report.Status = worse(report.Status, scheduler.Degraded)
		report.Issues = append(report.Issues, "source watch not active")
	}
	if n := s.broadcaster.Dropped(); n > 0 {
		report.Status = worse(report.Status, scheduler.Degraded)
		report.Issues = append(report.Issues, fmt.Sprintf("%d audit events dropped", n))
	}
	return report
}

func worse(a, b scheduler.HealthLevel) scheduler.HealthLevel {
	rank := map[scheduler.HealthLevel]int{scheduler.Healthy: 0, scheduler.Degraded: 1, scheduler.Unhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// History returns up to limit history records, newest first.
func (s *Service) History(limit int) (replicav1.HistoryResponse, error) {
	if s.history == nil {
		return replicav1.HistoryResponse{}, nil
	}
	records, err := s.history.List(limit)
	if err != nil {
		return replicav1.HistoryResponse{}, err
	}

	out := replicav1.HistoryResponse{Enabled: true, Records: make([]replicav1.HistoryRecord, 0, len(records))}
	for _, r := range records {
		out.Records = append(out.Records, replicav1.HistoryRecord{
			Path:         r.Path,
			Size:         r.Size,
			ModTime:      r.ModTime,
			Digest:       r.Digest,
			Destinations: r.Destinations,
			State:        string(r.State),
			Attempts:     r.Attempts,
			OperationID:  r.OperationID,
			LastError:    r.LastError,
			CompletedAt:  r.CompletedAt,
		})
	}
	return out, nil
}
