package scheduler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jamesainslie/replica/pkg/replica/audit"
	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/verify"
	"github.com/jamesainslie/replica/pkg/replica/watcher"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeCopier records concurrency and can block on gate or fail by call number.
type fakeCopier struct {
	mu     sync.Mutex
	calls  int
	active int
	peak   int
	gate   chan struct{}
	fail   func(call int) error
}

func (f *fakeCopier) CopyStreaming(ctx context.Context, source string, dests []string, progress copier.ProgressFunc) (*copier.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := &copier.Result{}
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			for _, d := range dests {
				res.Destinations = append(res.Destinations, copier.DestinationResult{Path: d})
			}
			return res, err
		}
	}

	progress(copier.Progress{BytesCopied: 10, TotalBytes: 10, Percent: 100})
	res.Success = true
	res.BytesCopied = 10
	res.SourceDigest = "abc123"
	for _, d := range dests {
		res.Destinations = append(res.Destinations, copier.DestinationResult{Path: d, Renamed: true})
	}
	return res, nil
}

func (f *fakeCopier) stats() (calls, active, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.active, f.peak
}

type fakeVerifier struct {
	result func(targets []string) verify.MultiResult
}

func (f *fakeVerifier) VerifyTargets(_ context.Context, _ string, targets []string, _ verify.Method, _ string) verify.MultiResult {
	return f.result(targets)
}

type fakeHistory map[string]bool

func (h fakeHistory) IsReplicated(path string, _ int64, _ time.Time) bool { return h[path] }

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type env struct {
	root  string
	dests []string
	quar  string
	audit *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		root:  filepath.Join(base, "src"),
		dests: []string{filepath.Join(base, "a"), filepath.Join(base, "b")},
		quar:  filepath.Join(base, "quarantine"),
		audit: &recorder{},
	}
	for _, d := range append([]string{e.root}, e.dests...) {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	return e
}

func (e *env) file(t *testing.T, rel string, data []byte) watcher.DetectedFile {
	t.Helper()
	path := filepath.Join(e.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return watcher.DetectedFile{Path: path, DetectedAt: time.Now(), Size: info.Size(), ModTime: info.ModTime(), StabilityChecks: 2}
}

// testOptions uses short timers so tests finish quickly.
func (e *env) options() Options {
	return Options{
		SourceRoot:         e.root,
		Destinations:       e.dests,
		MaxConcurrent:      2,
		DispatchInterval:   tick,
		StallCheckInterval: tick,
		RetrySweepInterval: tick,
		RetryDelay:         time.Millisecond,
		ShutdownTimeout:    2 * time.Second,
	}
}

func (e *env) deps(t *testing.T, c Copier, maxBeforeQuarantine int) Deps {
	t.Helper()
	strategies := retry.DefaultStrategies()
	for op, s := range strategies {
		s.MaxAttempts = 1
		strategies[op] = s
	}
	h, err := retry.New(retry.Options{
		Strategies: strategies,
		Breaker:    retry.BreakerConfig{Threshold: 100},
		Sleep:      noSleep,
	})
	require.NoError(t, err)

	return Deps{
		Copier: c,
		Retry:  h,
		Classifier: classify.New(classify.Options{
			QuarantineRoot:              e.quar,
			MaxAttemptsBeforeQuarantine: maxBeforeQuarantine,
			BaseRetryDelay:              time.Millisecond,
			MaxRetryDelay:               time.Millisecond,
			NetworkRetryDelay:           time.Millisecond,
			LargeFileRetryDelay:         time.Millisecond,
			Sleep:                       noSleep,
		}),
		Audit: e.audit,
	}
}

func start(t *testing.T, opts Options, deps Deps) *Scheduler {
	t.Helper()
	s, err := New(opts, deps)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestReplicatesAndVerifiesWithRealEngines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	data := bytes.Repeat([]byte("slide-0042 "), 5000)
	f := e.file(t, filepath.Join("run1", "img.tif"), data)

	deps := e.deps(t, copier.New(copier.Options{ChunkSize: 4096, ComputeDigest: true, PreserveTimestamps: true}), 3)
	deps.Verifier = verify.New(verify.Options{})
	opts := e.options()
	opts.Verify = true

	s, err := New(opts, deps)
	require.NoError(t, err)
	require.True(t, s.Enqueue(f))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.GetQueueStatus().Completed == 1 }, waitFor, tick)
	require.NoError(t, s.Stop(context.Background()))

	for _, d := range e.dests {
		got, err := os.ReadFile(filepath.Join(d, "run1", "img.tif"))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	items := s.Finished(0)
	require.Len(t, items, 1)
	item := items[0]
	sum := sha256.Sum256(data)
	assert.Equal(t, StateCompleted, item.State)
	assert.Equal(t, hex.EncodeToString(sum[:]), item.Digest)
	for _, d := range item.Destinations {
		assert.Equal(t, StatusCompleted, d.Status)
		assert.Equal(t, int64(len(data)), d.BytesCopied)
	}

	assert.Equal(t, []audit.EventType{
		audit.EventFileDetected,
		audit.EventProcessingStarted,
		audit.EventProcessingCompleted,
	}, e.audit.types())
}

func TestEnqueueDedupesAndConsultsHistory(t *testing.T) {
	e := newEnv(t)
	deps := e.deps(t, &fakeCopier{}, 3)
	deps.History = fakeHistory{filepath.Join(e.root, "old.tif"): true}

	s, err := New(e.options(), deps)
	require.NoError(t, err)

	f := e.file(t, "new.tif", []byte("x"))
	assert.True(t, s.Enqueue(f))
	assert.False(t, s.Enqueue(f), "already queued")
	assert.False(t, s.Enqueue(e.file(t, "old.tif", []byte("y"))), "already replicated")
	assert.False(t, s.Enqueue(watcher.DetectedFile{}))

	st := s.GetQueueStatus()
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, int64(1), st.Counters.Duplicates)
	assert.Equal(t, int64(1), st.Counters.Skipped)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Enqueue(e.file(t, "later.tif", []byte("z"))))
}

func TestConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{gate: make(chan struct{})}
	opts := e.options()
	opts.MaxConcurrent = 2
	s := start(t, opts, e.deps(t, fc, 3))

	for i := 0; i < 6; i++ {
		require.True(t, s.Enqueue(e.file(t, fmt.Sprintf("f%d.tif", i), []byte("data"))))
	}

	require.Eventually(t, func() bool { _, active, _ := fc.stats(); return active == 2 }, waitFor, tick)
	time.Sleep(10 * tick)

	st := s.GetQueueStatus()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 4, st.Queued)
	assert.Len(t, st.ActiveItems, 2)

	close(fc.gate)
	require.Eventually(t, func() bool { return s.GetQueueStatus().Completed == 6 }, waitFor, tick)

	_, _, peak := fc.stats()
	assert.Equal(t, 2, peak)
	require.NoError(t, s.Stop(context.Background()))
}

// activeCounter follows the active set through the events recorded as an
// item enters and leaves it.
type activeCounter struct {
	mu      sync.Mutex
	current int
	max     int
}

func (a *activeCounter) Record(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e.Type {
	case audit.EventProcessingStarted:
		a.current++
		if a.current > a.max {
			a.max = a.current
		}
	case audit.EventProcessingCompleted, audit.EventProcessingFailed:
		a.current--
		// Slow completion leaves room for dispatch ticks between results.
		time.Sleep(time.Millisecond)
	}
}

func (a *activeCounter) peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}

func TestActiveSetNeverExceedsMaxConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	opts := e.options()
	opts.MaxConcurrent = 2
	opts.DispatchInterval = time.Millisecond
	deps := e.deps(t, &fakeCopier{}, 3)
	counter := &activeCounter{}
	deps.Audit = counter
	s := start(t, opts, deps)

	const n = 100
	for i := 0; i < n; i++ {
		require.True(t, s.Enqueue(e.file(t, fmt.Sprintf("f%03d.tif", i), []byte("data"))))
	}
	require.Eventually(t, func() bool { return s.GetQueueStatus().Completed == n }, 4*waitFor, tick)
	require.NoError(t, s.Stop(context.Background()))

	assert.Positive(t, counter.peak())
	assert.LessOrEqual(t, counter.peak(), opts.MaxConcurrent)
}

func TestDelayedRetryReleasesSlot(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{fail: func(call int) error {
		if call == 1 {
			return errors.New("resource busy")
		}
		return nil
	}}
	opts := e.options()
	opts.MaxConcurrent = 1
	deps := e.deps(t, fc, 3)
	deps.Classifier = classify.New(classify.Options{
		QuarantineRoot:              e.quar,
		MaxAttemptsBeforeQuarantine: 3,
		BaseRetryDelay:              time.Hour,
		MaxRetryDelay:               time.Hour,
	})
	s := start(t, opts, deps)

	require.True(t, s.Enqueue(e.file(t, "busy.tif", []byte("data"))))
	require.True(t, s.Enqueue(e.file(t, "next.tif", []byte("data"))))

	require.Eventually(t, func() bool {
		st := s.GetQueueStatus()
		return st.Completed == 1 && st.Failed == 1
	}, waitFor, tick)
	time.Sleep(10 * tick)

	st := s.GetQueueStatus()
	assert.Zero(t, st.Counters.Retried, "retry waits for the classifier delay")
	assert.Zero(t, st.Active)

	failed := s.Finished(0)
	var busy ProcessingItem
	for _, item := range failed {
		if item.State == StateFailed {
			busy = item
		}
	}
	assert.True(t, busy.Retryable)
	assert.Equal(t, filepath.Join(e.root, "busy.tif"), busy.Source)

	require.NoError(t, s.Stop(context.Background()))
}

func TestDelayedRetryReplacesRetryDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{fail: func(call int) error {
		if call == 1 {
			return errors.New("resource busy")
		}
		return nil
	}}
	opts := e.options()
	opts.RetryDelay = time.Hour
	s := start(t, opts, e.deps(t, fc, 3))
	require.True(t, s.Enqueue(e.file(t, "a.tif", []byte("data"))))

	require.Eventually(t, func() bool { return s.GetQueueStatus().Completed == 1 }, waitFor, tick)
	assert.Equal(t, int64(1), s.GetQueueStatus().Counters.Retried)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRetrySweepRequeuesFailedItem(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{fail: func(call int) error {
		if call == 1 {
			return errors.New("resource busy")
		}
		return nil
	}}
	s := start(t, e.options(), e.deps(t, fc, 3))
	require.True(t, s.Enqueue(e.file(t, "a.tif", []byte("data"))))

	require.Eventually(t, func() bool { return s.GetQueueStatus().Completed == 1 }, waitFor, tick)
	require.NoError(t, s.Stop(context.Background()))

	st := s.GetQueueStatus()
	assert.Equal(t, int64(1), st.Counters.Failed)
	assert.Equal(t, int64(1), st.Counters.Retried)

	item := s.Finished(1)[0]
	assert.Equal(t, 1, item.RetryCount)
	assert.Len(t, item.Errors, 1)
	for _, d := range item.Destinations {
		assert.Equal(t, 1, d.RetryCount)
		assert.Equal(t, StatusCompleted, d.Status)
	}
	assert.Contains(t, e.audit.types(), audit.EventProcessingFailed)
	assert.Contains(t, e.audit.types(), audit.EventRetryAttempted)
}

func TestRepeatedFailuresEscalateToQuarantine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{fail: func(int) error { return errors.New("resource busy") }}
	opts := e.options()
	opts.MaxRetries = 5
	s := start(t, opts, e.deps(t, fc, 2))

	f := e.file(t, "broken.tif", []byte("data"))
	require.True(t, s.Enqueue(f))

	require.Eventually(t, func() bool { return s.GetQueueStatus().Counters.Quarantined == 1 }, waitFor, tick)
	require.NoError(t, s.Stop(context.Background()))

	item := s.Finished(1)[0]
	assert.Equal(t, StateFailed, item.State)
	assert.False(t, item.Retryable)
	assert.Equal(t, 2, item.RetryCount)

	_, err := os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err), "source moved to quarantine")

	reports, err := classify.ListReports(e.quar)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, f.Path, reports[0].OriginalPath)
	assert.Equal(t, 3, reports[0].Error.AttemptCount)
}

func TestVerificationMismatchFailsOnlyBadDestination(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	deps := e.deps(t, &fakeCopier{}, 3)
	deps.Verifier = &fakeVerifier{result: func(targets []string) verify.MultiResult {
		return verify.MultiResult{
			Method: verify.Hash,
			Results: []verify.Result{
				{Target: targets[0], Success: true, Method: verify.Hash},
				{Target: targets[1], Method: verify.Hash, Message: "sha256 differs",
					Err: fmt.Errorf("%w: sha256 differs", verify.ErrMismatch)},
			},
		}
	}}
	opts := e.options()
	opts.Verify = true
	s := start(t, opts, deps)

	f := e.file(t, "corrupt.tif", []byte("data"))
	require.True(t, s.Enqueue(f))
	require.Eventually(t, func() bool { return s.GetQueueStatus().Failed == 1 }, waitFor, tick)

	item := s.Finished(1)[0]
	assert.Equal(t, StatusCompleted, item.Destinations[0].Status)
	assert.Equal(t, StatusFailed, item.Destinations[1].Status)
	assert.Equal(t, "sha256 differs", item.Destinations[1].LastError)
	assert.False(t, item.Retryable)
	assert.Equal(t, int64(1), s.GetQueueStatus().Counters.Quarantined)

	_, err := os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Stop(context.Background()))
}

func TestVerificationFailureFlagsTarget(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	deps := e.deps(t, copier.New(copier.Options{ChunkSize: 4096}), 3)
	deps.Verifier = &fakeVerifier{result: func(targets []string) verify.MultiResult {
		return verify.MultiResult{
			Method: verify.SizeOnly,
			Results: []verify.Result{
				{Target: targets[0], Success: true, Method: verify.SizeOnly},
				{Target: targets[1], Method: verify.SizeOnly, Message: "size differs",
					Err: fmt.Errorf("%w: size differs", verify.ErrMismatch)},
			},
		}
	}}
	opts := e.options()
	opts.Verify = true
	s := start(t, opts, deps)

	require.True(t, s.Enqueue(e.file(t, "plate.tif", []byte("data"))))
	require.Eventually(t, func() bool { return s.GetQueueStatus().Failed == 1 }, waitFor, tick)
	require.NoError(t, s.Stop(context.Background()))

	good := filepath.Join(e.dests[0], "plate.tif")
	bad := filepath.Join(e.dests[1], "plate.tif")

	_, err := os.Stat(good)
	assert.NoError(t, err)
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err), "failed target must not keep its final name")
	_, err = os.Stat(bad + FailedSuffix)
	assert.NoError(t, err)

	item := s.Finished(1)[0]
	assert.Empty(t, item.Destinations[0].FailedPath)
	assert.Equal(t, bad+FailedSuffix, item.Destinations[1].FailedPath)
	assert.Equal(t, StatusFailed, item.Destinations[1].Status)
}

func TestStalledItemIsForceFailed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{gate: make(chan struct{})}
	opts := e.options()
	opts.MaxConcurrent = 1
	opts.MaxRetries = -1
	opts.StallTimeout = 30 * time.Millisecond
	s := start(t, opts, e.deps(t, fc, 3))

	require.True(t, s.Enqueue(e.file(t, "slow.tif", []byte("data"))))
	require.Eventually(t, func() bool {
		st := s.GetQueueStatus()
		return st.Failed == 1 && st.Active == 0
	}, waitFor, tick)

	st := s.GetQueueStatus()
	assert.Equal(t, int64(1), st.Counters.Stalled)

	item := s.Finished(1)[0]
	assert.True(t, item.Retryable, "stalls are classified as retriable process failures")
	assert.Contains(t, item.Errors[0], ErrStalled.Error())
	for _, d := range item.Destinations {
		assert.Equal(t, StatusFailed, d.Status)
		assert.Equal(t, ErrStalled.Error(), d.LastError)
	}

	_, active, _ := fc.stats()
	assert.Zero(t, active, "worker was cancelled")
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopWaitsForActiveItems(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{gate: make(chan struct{})}
	s := start(t, e.options(), e.deps(t, fc, 3))

	require.True(t, s.Enqueue(e.file(t, "a.tif", []byte("data"))))
	require.Eventually(t, func() bool { return s.GetQueueStatus().Active == 1 }, waitFor, tick)

	time.AfterFunc(20*time.Millisecond, func() { close(fc.gate) })
	require.NoError(t, s.Stop(context.Background()))

	st := s.GetQueueStatus()
	assert.Equal(t, 1, st.Completed)
	assert.True(t, st.Stopped)
}

func TestStopAbandonsAfterTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	fc := &fakeCopier{gate: make(chan struct{})}
	opts := e.options()
	opts.ShutdownTimeout = 20 * time.Millisecond
	s := start(t, opts, e.deps(t, fc, 3))

	require.True(t, s.Enqueue(e.file(t, "a.tif", []byte("data"))))
	require.Eventually(t, func() bool { return s.GetQueueStatus().Active == 1 }, waitFor, tick)

	err := s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.False(t, s.Enqueue(e.file(t, "b.tif", []byte("data"))))

	_, active, _ := fc.stats()
	assert.Equal(t, 1, active, "abandoned work is not killed")

	close(fc.gate)
	require.Eventually(t, func() bool { _, active, _ := fc.stats(); return active == 0 }, waitFor, tick)
}

func TestTrimCompleted(t *testing.T) {
	e := newEnv(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := e.options()
	opts.CompletedMax = 3
	opts.CompletedRetention = time.Hour
	opts.Now = func() time.Time { return now }

	s, err := New(opts, e.deps(t, &fakeCopier{}, 3))
	require.NoError(t, err)

	ages := map[string]time.Duration{
		"expired": 2 * time.Hour,
		"oldest":  50 * time.Minute,
		"older":   40 * time.Minute,
		"recent":  10 * time.Minute,
		"newest":  time.Minute,
	}
	for id, age := range ages {
		s.completed[id] = &ProcessingItem{ID: id, State: StateCompleted, CompletedAt: now.Add(-age)}
	}

	s.trimCompleted()

	var left []string
	for id := range s.completed {
		left = append(left, id)
	}
	assert.ElementsMatch(t, []string{"older", "recent", "newest"}, left)
}

func TestTargetPaths(t *testing.T) {
	s := &Scheduler{opts: Options{SourceRoot: "/in", Destinations: []string{"/a", "/b"}}}

	tests := []struct {
		source string
		want   []string
	}{
		{"/in/x.tif", []string{"/a/x.tif", "/b/x.tif"}},
		{"/in/run/1/x.tif", []string{"/a/run/1/x.tif", "/b/run/1/x.tif"}},
		{"/elsewhere/y.tif", []string{"/a/y.tif", "/b/y.tif"}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, s.targetPaths(tt.source))
		})
	}
}

func TestHealthStatus(t *testing.T) {
	e := newEnv(t)
	deps := e.deps(t, &fakeCopier{}, 3)
	opts := e.options()
	opts.BacklogThreshold = 2

	s, err := New(opts, deps)
	require.NoError(t, err)

	h := s.GetHealthStatus()
	assert.Equal(t, Healthy, h.Status)
	assert.Empty(t, h.Issues)

	for i := 0; i < 3; i++ {
		s.Enqueue(e.file(t, fmt.Sprintf("q%d", i), []byte("x")))
	}
	h = s.GetHealthStatus()
	assert.Equal(t, Degraded, h.Status)
	assert.Equal(t, 3, h.Backlog)

	h2, err := retry.New(retry.Options{Breaker: retry.BreakerConfig{Threshold: 1}, Sleep: noSleep})
	require.NoError(t, err)
	s.deps.Retry = h2
	h2.ExecuteWithRetry(context.Background(), func(context.Context) error {
		return errors.New("permission denied")
	}, retry.FileSystem, "test")

	h = s.GetHealthStatus()
	assert.Equal(t, Unhealthy, h.Status)
	assert.Equal(t, []string{"filesystem"}, h.OpenBreakers)
	assert.Len(t, h.Issues, 2)
}

func TestNewValidates(t *testing.T) {
	e := newEnv(t)
	deps := e.deps(t, &fakeCopier{}, 3)

	_, err := New(Options{}, deps)
	assert.Error(t, err, "no destinations")

	opts := e.options()
	opts.Verify = true
	_, err = New(opts, deps)
	assert.Error(t, err, "verify without verifier")

	_, err = New(e.options(), Deps{Copier: &fakeCopier{}})
	assert.Error(t, err)
}
