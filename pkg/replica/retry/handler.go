package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jamesainslie/replica/pkg/replica/logging"
)

// ErrCircuitOpen is returned without running the operation while the
// breaker for its operation type is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker defaults.
const (
	DefaultBreakerThreshold = 10
	DefaultBreakerTimeout   = 15 * time.Minute
)

// BreakerConfig configures the per operation type circuit breakers.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BreakerState is a snapshot of one breaker.
type BreakerState struct {
	Failures int
	Open     bool
	OpenedAt time.Time
}

// Attempt describes one invocation of the operation.
type Attempt struct {
	Number   int
	Start    time.Time
	Duration time.Duration
	Err      error
	// Delay is the wait scheduled before the next attempt. Zero when no
	// further attempt followed.
	Delay time.Duration
}

// Result is the outcome of ExecuteWithRetry.
type Result struct {
	Success       bool
	Attempts      []Attempt
	TotalDuration time.Duration
	FinalErr      error
}

// Retries returns the number of attempts after the first one.
func (r Result) Retries() int {
	if len(r.Attempts) == 0 {
		return 0
	}
	return len(r.Attempts) - 1
}

// Options configures a Handler. Zero values take the defaults.
type Options struct {
	Strategies map[OperationType]Strategy
	Breaker    BreakerConfig

	// Now and Sleep replace the clock, mainly for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Handler executes operations with retry and circuit breaking. It is safe
// for concurrent use; retry waits block only the calling goroutine.
type Handler struct {
	mu         sync.Mutex
	strategies map[OperationType]compiledStrategy
	breakers   map[OperationType]*BreakerState
	breaker    BreakerConfig
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	rand       func() float64
	log        *logging.Logger
}

// New creates a Handler. Operation types missing from opts.Strategies use
// DefaultStrategy.
func New(opts Options) (*Handler, error) {
	h := &Handler{
		strategies: make(map[OperationType]compiledStrategy, len(OperationTypes)),
		breakers:   make(map[OperationType]*BreakerState, len(OperationTypes)),
		breaker:    opts.Breaker,
		now:        opts.Now,
		sleep:      opts.Sleep,
		rand:       rand.Float64,
		log:        logging.Get("retry"),
	}
	if h.breaker.Threshold <= 0 {
		h.breaker.Threshold = DefaultBreakerThreshold
	}
	if h.breaker.Timeout <= 0 {
		h.breaker.Timeout = DefaultBreakerTimeout
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.sleep == nil {
		h.sleep = sleepContext
	}

	for _, t := range OperationTypes {
		s, ok := opts.Strategies[t]
		if !ok {
			s = DefaultStrategy(t)
		}
		if err := h.SetStrategy(t, s); err != nil {
			return nil, fmt.Errorf("%s strategy: %w", t, err)
		}
		h.breakers[t] = &BreakerState{}
	}
	return h, nil
}

// SetStrategy replaces the strategy for an operation type.
func (h *Handler) SetStrategy(t OperationType, s Strategy) error {
	c, err := compile(s)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.strategies[t] = c
	h.mu.Unlock()
	return nil
}

// Strategy returns the active strategy for an operation type.
func (h *Handler) Strategy(t OperationType) Strategy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strategies[t].Strategy
}

// ExecuteWithRetry runs op until it succeeds, a failure is classified as
// non-retriable, the attempts of the type's strategy are exhausted, the
// breaker opens or ctx is done. opContext names the unit of work in logs.
func (h *Handler) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error, t OperationType, opContext string) Result {
	h.mu.Lock()
	strategy := h.strategies[t]
	h.mu.Unlock()

	log := h.log.With("operation", t.String(), "context", opContext)
	start := h.now()
	var result Result

	finish := func(err error) Result {
		result.FinalErr = err
		result.Success = err == nil
		result.TotalDuration = h.now().Sub(start)
		return result
	}

	for n := 1; n <= strategy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if err := h.allow(t); err != nil {
			log.Warn("operation short-circuited", "attempt", n)
			return finish(err)
		}

		attempt := Attempt{Number: n, Start: h.now()}
		err := op(ctx)
		attempt.Duration = h.now().Sub(attempt.Start)
		attempt.Err = err

		if err == nil {
			h.recordSuccess(t)
			result.Attempts = append(result.Attempts, attempt)
			if n > 1 {
				log.Info("operation succeeded after retry", "attempts", n)
			}
			return finish(nil)
		}

		// Cancellation says nothing about the health of the operation type.
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			h.recordFailure(t)
		}

		msg := err.Error()
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			result.Attempts = append(result.Attempts, attempt)
			return finish(err)
		case !strategy.retriableMessage(msg):
			result.Attempts = append(result.Attempts, attempt)
			log.Warn("non-retriable failure", "attempt", n, "error", err)
			return finish(err)
		case n == strategy.MaxAttempts:
			result.Attempts = append(result.Attempts, attempt)
			log.Error("retry attempts exhausted", "attempts", n, "error", err)
			return finish(err)
		}

		delay := CalculateDelay(strategy.Strategy, n)
		if strategy.Jitter {
			delay = applyJitter(delay, strategy.JitterFactor, h.rand())
		}
		attempt.Delay = delay
		result.Attempts = append(result.Attempts, attempt)

		log.Warn("transient failure, retrying",
			"attempt", n,
			"max_attempts", strategy.MaxAttempts,
			"next_delay", delay,
			"known_transient", strategy.knownTransient(msg),
			"error", err,
		)

		if err := h.sleep(ctx, delay); err != nil {
			return finish(err)
		}
	}

	// Only reachable when MaxAttempts < 1, which compile prevents.
	return finish(errors.New("no attempts made"))
}

// allow reports ErrCircuitOpen while the breaker for t is open. Once the
// timeout has elapsed the breaker closes and the attempt proceeds.
func (h *Handler) allow(t OperationType) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakerFor(t)
	if !b.Open {
		return nil
	}
	if h.now().Sub(b.OpenedAt) >= h.breaker.Timeout {
		h.log.Info("circuit breaker closed", "operation", t.String())
		*b = BreakerState{}
		return nil
	}
	return fmt.Errorf("%w: %s (opened %s)", ErrCircuitOpen, t, b.OpenedAt.Format(time.RFC3339))
}

func (h *Handler) recordSuccess(t OperationType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.breakerFor(t) = BreakerState{}
}

func (h *Handler) recordFailure(t OperationType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakerFor(t)
	b.Failures++
	if !b.Open && b.Failures >= h.breaker.Threshold {
		b.Open = true
		b.OpenedAt = h.now()
		h.log.Error("circuit breaker opened",
			"operation", t.String(),
			"failures", b.Failures,
			"timeout", h.breaker.Timeout,
		)
	}
}

// breakerFor must be called with h.mu held.
func (h *Handler) breakerFor(t OperationType) *BreakerState {
	b, ok := h.breakers[t]
	if !ok {
		b = &BreakerState{}
		h.breakers[t] = b
	}
	return b
}

// BreakerStates returns a snapshot of every breaker.
func (h *Handler) BreakerStates() map[OperationType]BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[OperationType]BreakerState, len(h.breakers))
	for t, b := range h.breakers {
		out[t] = *b
	}
	return out
}

// ResetBreaker closes the breaker for t and clears its failure count.
func (h *Handler) ResetBreaker(t OperationType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.breakerFor(t) = BreakerState{}
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
