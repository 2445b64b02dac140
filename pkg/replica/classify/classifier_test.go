package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/verify"
)

var fixedNow = time.Date(2026, 2, 14, 9, 30, 15, 0, time.UTC)

func newTestClassifier(t *testing.T, opts Options) *Classifier {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	}
	return New(opts)
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"permission sentinel", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, CategoryPermission},
		{"eacces", &fs.PathError{Op: "open", Path: "/x", Err: unix.EACCES}, CategoryPermission},
		{"no space", &fs.PathError{Op: "write", Path: "/x", Err: unix.ENOSPC}, CategoryResource},
		{"insufficient space", fmt.Errorf("preflight: %w", copier.ErrInsufficientSpace), CategoryResource},
		{"not exist", &fs.PathError{Op: "stat", Path: "/x", Err: fs.ErrNotExist}, CategoryFileSystem},
		{"stale handle", &fs.PathError{Op: "read", Path: "/x", Err: unix.ESTALE}, CategoryNetwork},
		{"mismatch", fmt.Errorf("target b: %w", verify.ErrMismatch), CategoryVerification},
		{"length mismatch", copier.ErrLengthMismatch, CategoryFileSystem},
		{"breaker", fmt.Errorf("x: %w", retry.ErrCircuitOpen), CategoryService},
		{"message permission", errors.New("Access is denied."), CategoryPermission},
		{"message network", errors.New("The network path was not found"), CategoryNetwork},
		{"message config", errors.New("invalid destination in config"), CategoryConfiguration},
		{"message checksum", errors.New("checksum failed for block 7"), CategoryVerification},
		{"message busy", errors.New("file is being used by another process"), CategoryFileSystem},
		{"unmatched", errors.New("something odd"), CategoryUnknown},
		{"nil", nil, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestClassifyDefaults(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, Options{})

	rec := c.Classify(errors.New("permission denied"), "copy", "/src/a.tif")
	assert.Equal(t, CategoryPermission, rec.Category)
	assert.Equal(t, SeverityCritical, rec.Severity)
	assert.Equal(t, StrategyEscalate, rec.Strategy)
	assert.False(t, rec.IsTransient)

	rec = c.Classify(errors.New("no such file or directory"), "copy", "/src/b.tif")
	assert.Equal(t, CategoryFileSystem, rec.Category)
	assert.Equal(t, SeverityRecoverable, rec.Severity)
	assert.Equal(t, StrategyDelayedRetry, rec.Strategy)
	assert.True(t, rec.IsTransient)
	assert.Equal(t, DefaultBaseRetryDelay, rec.RetryDelay)
	assert.Equal(t, DefaultBaseRetryDelay.String(), rec.Properties["retry_delay"])

	rec = c.Classify(errors.New("bad config value"), "copy", "/src/c.tif")
	assert.Equal(t, SeverityFatal, rec.Severity)
	assert.Equal(t, StrategyAbort, rec.Strategy)
}

func TestClassifyAccumulatesByKey(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, Options{MaxAttemptsBeforeQuarantine: 10})
	err := errors.New("resource busy")

	first := c.Classify(err, "copy", "/src/a.tif")
	second := c.Classify(err, "copy", "/src/a.tif")
	other := c.Classify(err, "verify", "/src/a.tif")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.AttemptCount)
	assert.Len(t, second.Occurrences, 2)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 1, other.AttemptCount)
	assert.Equal(t, 2*DefaultBaseRetryDelay, second.RetryDelay)

	// Returned records are copies.
	second.Properties["retry_delay"] = "mutated"
	stored, ok := c.Record("copy", "/src/a.tif")
	require.True(t, ok)
	assert.NotEqual(t, "mutated", stored.Properties["retry_delay"])
}

func TestEscalationToQuarantine(t *testing.T) {
	t.Parallel()

	const n = 3
	c := newTestClassifier(t, Options{MaxAttemptsBeforeQuarantine: n})
	err := errors.New("device or resource busy")

	for i := 1; i <= n; i++ {
		rec := c.Classify(err, "copy", "/src/a.tif")
		require.Equal(t, StrategyDelayedRetry, rec.Strategy, "attempt %d", i)
	}

	rec := c.Classify(err, "copy", "/src/a.tif")
	assert.Equal(t, StrategyQuarantine, rec.Strategy)
	assert.Equal(t, SeverityCritical, rec.Severity)
	assert.Equal(t, CategoryFileSystem, rec.Category, "category is preserved")
	assert.Equal(t, "true", rec.Properties["escalated"])
}

func TestRetryDelayOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	big := filepath.Join(dir, "big.tif")
	require.NoError(t, os.WriteFile(big, make([]byte, 2048), 0o644))

	c := newTestClassifier(t, Options{
		LargeFileThreshold:  1024,
		LargeFileRetryDelay: 7 * time.Minute,
		NetworkRetryDelay:   45 * time.Second,
		NetworkPrefixes:     []string{"/mnt/nas/"},
		MaxRetryDelay:       20 * time.Second,
	})

	rec := c.Classify(errors.New("no space left on device"), "copy", big)
	assert.Equal(t, 7*time.Minute, rec.RetryDelay)
	assert.Equal(t, "large_file", rec.Properties["delay_reason"])

	rec = c.Classify(errors.New("connection reset"), "copy", "//nas01/share/a.tif")
	assert.Equal(t, 45*time.Second, rec.RetryDelay)

	rec = c.Classify(errors.New("connection reset"), "copy", "/mnt/nas/a.tif")
	assert.Equal(t, 45*time.Second, rec.RetryDelay)

	for i := 0; i < 6; i++ {
		rec = c.Classify(errors.New("resource busy"), "copy", "/local/a.tif")
	}
	assert.Equal(t, 20*time.Second, rec.RetryDelay, "backoff is capped")
}

func TestRecentErrorsBounded(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, Options{MaxRecentErrors: 3})
	for i := 0; i < 5; i++ {
		c.Classify(errors.New("resource busy"), "copy", fmt.Sprintf("/src/%d.tif", i))
	}

	stats := c.Statistics()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Tracked)
	require.Len(t, stats.Recent, 3)
	assert.Equal(t, "/src/4.tif", stats.Recent[2].FilePath)
	assert.Equal(t, 5, stats.ByCategory["filesystem"])
}

func TestReset(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, Options{})
	c.Classify(errors.New("busy"), "copy", "/src/a.tif")
	c.Reset("copy", "/src/a.tif")

	_, ok := c.Record("copy", "/src/a.tif")
	assert.False(t, ok)

	rec := c.Classify(errors.New("busy"), "copy", "/src/a.tif")
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestExecuteRecovery(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	c := newTestClassifier(t, Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})

	assert.True(t, c.ExecuteRecovery(context.Background(), &ErrorRecord{Strategy: StrategyRetry}))
	assert.True(t, c.ExecuteRecovery(context.Background(), &ErrorRecord{Strategy: StrategyDelayedRetry, RetryDelay: 3 * time.Second}))
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)

	for _, s := range []RecoveryStrategy{StrategyEscalate, StrategySkip, StrategyAbort, StrategyNone} {
		assert.False(t, c.ExecuteRecovery(context.Background(), &ErrorRecord{Strategy: s}), s.String())
	}
	assert.False(t, c.ExecuteRecovery(context.Background(), nil))
}

func TestExecuteRecoveryDelayedRetryCancelled(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := c.ExecuteRecovery(ctx, &ErrorRecord{Strategy: StrategyDelayedRetry, RetryDelay: time.Hour})
	assert.False(t, ok)
}

func TestQuarantine(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	root := t.TempDir()
	path := filepath.Join(src, "plate-42.tif")
	require.NoError(t, os.WriteFile(path, []byte("broken image"), 0o644))

	var hooked string
	c := newTestClassifier(t, Options{
		QuarantineRoot:              root,
		MaxAttemptsBeforeQuarantine: 1,
		OnQuarantine: func(rec ErrorRecord, dest string) {
			hooked = dest
		},
	})

	c.Classify(fmt.Errorf("verify: %w", verify.ErrMismatch), "verify", path)
	rec := c.Classify(fmt.Errorf("verify: %w", verify.ErrMismatch), "verify", path)
	require.Equal(t, StrategyQuarantine, rec.Strategy)

	retryAllowed := c.ExecuteRecovery(context.Background(), rec)
	assert.False(t, retryAllowed)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "source must be moved away")

	wantDir := filepath.Join(root, "2026-02")
	entries, err := os.ReadDir(wantDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var moved string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ReportSuffix) {
			moved = filepath.Join(wantDir, e.Name())
		}
	}
	wantName := "20260214-093015-" + rec.ID[:8] + "-plate-42.tif"
	assert.Equal(t, wantName, filepath.Base(moved))
	assert.Equal(t, moved, hooked)

	content, err := os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "broken image", string(content))

	report, err := ReadReport(moved)
	require.NoError(t, err)
	assert.Equal(t, path, report.OriginalPath)
	assert.Equal(t, CategoryVerification, report.Error.Category)
	assert.Len(t, report.Error.Occurrences, 2)

	reports, err := ListReports(root)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.Equal(t, 1, c.Statistics().Quarantined)
}

func TestQuarantineCollisionSafe(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	root := t.TempDir()
	c := newTestClassifier(t, Options{QuarantineRoot: root})

	rec := &ErrorRecord{ID: "abcdef0123456789", OperationContext: "copy"}
	var dests []string
	for i := 0; i < 2; i++ {
		path := filepath.Join(src, "same.tif")
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		rec.FilePath = path
		dest, err := c.Quarantine(rec)
		require.NoError(t, err)
		dests = append(dests, dest)
	}

	assert.NotEqual(t, dests[0], dests[1])
	assert.Equal(t, "20260214-093015-abcdef01-same-1.tif", filepath.Base(dests[1]))
}

func TestQuarantineDisabled(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, Options{})
	_, err := c.Quarantine(&ErrorRecord{FilePath: "/src/a.tif"})
	assert.ErrorIs(t, err, ErrQuarantineDisabled)
}
