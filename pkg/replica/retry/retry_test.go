package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when sleep is called.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestHandler(t *testing.T, clock *fakeClock, strategy Strategy, breaker BreakerConfig) *Handler {
	t.Helper()
	strategies := make(map[OperationType]Strategy)
	for _, op := range OperationTypes {
		strategies[op] = strategy
	}
	h, err := New(Options{
		Strategies: strategies,
		Breaker:    breaker,
		Now:        clock.Now,
		Sleep:      clock.Sleep,
	})
	require.NoError(t, err)
	return h
}

func TestCalculateDelay(t *testing.T) {
	t.Parallel()

	s := Strategy{BaseDelay: 1000 * time.Millisecond, Multiplier: 2, MaxDelay: 10000 * time.Millisecond}
	want := []time.Duration{1000, 2000, 4000, 8000, 10000}

	for i, w := range want {
		got := CalculateDelay(s, i+1)
		assert.Equal(t, w*time.Millisecond, got, "attempt %d", i+1)
	}
}

func TestCalculateDelayEdgeCases(t *testing.T) {
	t.Parallel()

	s := Strategy{BaseDelay: time.Second, Multiplier: 0}
	assert.Equal(t, time.Second, CalculateDelay(s, 4), "non-positive multiplier is constant")
	assert.Equal(t, time.Second, CalculateDelay(s, 0), "attempt below 1 treated as 1")

	huge := Strategy{BaseDelay: time.Hour, Multiplier: 10}
	assert.Positive(t, CalculateDelay(huge, 40), "overflow saturates")
}

func TestApplyJitterBounds(t *testing.T) {
	t.Parallel()

	d := 10 * time.Second
	assert.InDelta(t, float64(9*time.Second), float64(applyJitter(d, 0.1, 0)), float64(time.Microsecond))
	assert.Equal(t, d, applyJitter(d, 0.1, 0.5))
	assert.InDelta(t, float64(11*time.Second), float64(applyJitter(d, 0.1, 0.999999)), float64(time.Millisecond))
	assert.Equal(t, d, applyJitter(d, 0, 0.9))
}

func TestExecuteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}, BreakerConfig{})

	calls := 0
	res := h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("device or resource busy")
		}
		return nil
	}, FileSystem, "copy /src/a.tif")

	require.True(t, res.Success)
	assert.NoError(t, res.FinalErr)
	assert.Equal(t, 3, calls)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, 2, res.Retries())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.slept)
	assert.Equal(t, 3*time.Second, res.TotalDuration)
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}, BreakerConfig{Threshold: 100})

	failure := errors.New("i/o timeout")
	res := h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		return failure
	}, Network, "stat //nas/share/a")

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.FinalErr, failure)
	assert.Len(t, res.Attempts, 5)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, clock.slept)
	assert.Zero(t, res.Attempts[4].Delay)
}

func TestExecuteWithRetryNonRetriableAbortsEarly(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{
		MaxAttempts:          5,
		BaseDelay:            time.Second,
		Multiplier:           2,
		NonRetriablePatterns: []string{`permission denied`},
	}, BreakerConfig{})

	calls := 0
	res := h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("open /dst/a.tif.tmp: Permission Denied")
	}, FileSystem, "copy")

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.slept)
}

func TestExecuteWithRetryHonoursContext(t *testing.T) {
	t.Parallel()

	h, err := New(Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := h.ExecuteWithRetry(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("temporarily unavailable")
	}, Processing, "process")

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.FinalErr, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerOpensAndResets(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{MaxAttempts: 1}, BreakerConfig{Threshold: 3, Timeout: 15 * time.Minute})

	failing := func(context.Context) error { return errors.New("connection reset by peer") }
	for i := 0; i < 3; i++ {
		res := h.ExecuteWithRetry(context.Background(), failing, Network, "probe")
		require.False(t, res.Success)
		require.NotErrorIs(t, res.FinalErr, ErrCircuitOpen)
	}

	state := h.BreakerStates()[Network]
	assert.True(t, state.Open)
	assert.Equal(t, 3, state.Failures)

	invoked := false
	res := h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}, Network, "probe")
	assert.False(t, invoked, "operation must not run while the breaker is open")
	assert.ErrorIs(t, res.FinalErr, ErrCircuitOpen)
	assert.Empty(t, res.Attempts)

	// Other operation types are unaffected.
	res = h.ExecuteWithRetry(context.Background(), func(context.Context) error { return nil }, FileSystem, "copy")
	assert.True(t, res.Success)

	clock.Advance(15 * time.Minute)

	res = h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}, Network, "probe")
	assert.True(t, invoked)
	assert.True(t, res.Success)
	assert.Equal(t, BreakerState{}, h.BreakerStates()[Network])
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{MaxAttempts: 1}, BreakerConfig{Threshold: 3})

	fail := func(context.Context) error { return errors.New("busy") }
	ok := func(context.Context) error { return nil }

	h.ExecuteWithRetry(context.Background(), fail, Verification, "v")
	h.ExecuteWithRetry(context.Background(), fail, Verification, "v")
	h.ExecuteWithRetry(context.Background(), ok, Verification, "v")
	h.ExecuteWithRetry(context.Background(), fail, Verification, "v")

	state := h.BreakerStates()[Verification]
	assert.False(t, state.Open)
	assert.Equal(t, 1, state.Failures)
}

func TestCancellationDoesNotCountTowardBreaker(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{MaxAttempts: 1}, BreakerConfig{Threshold: 1})

	res := h.ExecuteWithRetry(context.Background(), func(context.Context) error {
		return fmt.Errorf("copy aborted: %w", context.Canceled)
	}, FileSystem, "copy")
	assert.ErrorIs(t, res.FinalErr, context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	h.ExecuteWithRetry(ctx, func(context.Context) error {
		cancel()
		return errors.New("write: file already closed")
	}, FileSystem, "copy")

	assert.Equal(t, BreakerState{}, h.BreakerStates()[FileSystem])

	h.ExecuteWithRetry(context.Background(), func(context.Context) error { return errors.New("disk full") }, FileSystem, "copy")
	assert.True(t, h.BreakerStates()[FileSystem].Open)
}

func TestResetBreaker(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := newTestHandler(t, clock, Strategy{MaxAttempts: 1}, BreakerConfig{Threshold: 1})

	h.ExecuteWithRetry(context.Background(), func(context.Context) error { return errors.New("x") }, Processing, "p")
	require.True(t, h.BreakerStates()[Processing].Open)

	h.ResetBreaker(Processing)
	assert.False(t, h.BreakerStates()[Processing].Open)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Strategies: map[OperationType]Strategy{
		FileSystem: {MaxAttempts: 1, NonRetriablePatterns: []string{"("}},
	}})
	assert.Error(t, err)
}

func TestParseOperationType(t *testing.T) {
	t.Parallel()

	for _, op := range OperationTypes {
		got, err := ParseOperationType(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, got)
	}
	_, err := ParseOperationType("Database")
	assert.ErrorIs(t, err, ErrUnknownOperationType)
}
