// Package retry runs units of work with exponential backoff and guards each
// operation type with a circuit breaker.
package retry

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// OperationType is a named retry-policy bucket. Each type has its own
// strategy and circuit breaker.
type OperationType int

const (
	// FileSystem covers local reads, writes and renames.
	FileSystem OperationType = iota
	// Network covers operations against network shares.
	Network
	// Verification covers hash and metadata comparison.
	Verification
	// Processing covers everything else the scheduler runs.
	Processing
)

// OperationTypes lists every operation type in declaration order.
var OperationTypes = []OperationType{FileSystem, Network, Verification, Processing}

// ErrUnknownOperationType is returned when parsing an unrecognised name.
var ErrUnknownOperationType = errors.New("unknown operation type")

// String returns the lowercase configuration name of the type.
func (t OperationType) String() string {
	switch t {
	case FileSystem:
		return "filesystem"
	case Network:
		return "network"
	case Verification:
		return "verification"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("operation(%d)", int(t))
	}
}

// ParseOperationType parses a configuration name (case-insensitive).
func ParseOperationType(s string) (OperationType, error) {
	for _, t := range OperationTypes {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperationType, s)
}

// Strategy configures retries for one operation type.
type Strategy struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
	JitterFactor float64       `mapstructure:"jitter_factor"`

	// RetriablePatterns and NonRetriablePatterns are case-insensitive
	// regular expressions matched against the error message. A
	// non-retriable match aborts the retry loop. Messages matching neither
	// list are treated as transient.
	RetriablePatterns    []string `mapstructure:"retriable_patterns"`
	NonRetriablePatterns []string `mapstructure:"non_retriable_patterns"`
}

// DefaultStrategy returns the built-in strategy for an operation type.
func DefaultStrategy(t OperationType) Strategy {
	s := Strategy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		JitterFactor: 0.1,
		RetriablePatterns: []string{
			`timeout`, `timed out`, `temporarily unavailable`, `resource busy`,
			`being used by another process`, `connection reset`, `broken pipe`,
			`no space left`, `too many open files`, `stale (nfs )?file handle`,
		},
		NonRetriablePatterns: []string{
			`permission denied`, `access is denied`, `operation not permitted`,
			`read-only file system`, `invalid argument`, `file name too long`,
		},
	}

	switch t {
	case FileSystem:
		s.MaxAttempts = 5
		s.MaxDelay = 10 * time.Second
	case Network:
		s.MaxAttempts = 5
		s.BaseDelay = 2 * time.Second
		s.MaxDelay = time.Minute
		s.JitterFactor = 0.25
		s.NonRetriablePatterns = append(s.NonRetriablePatterns, `no such host`, `network path was not found`)
	case Verification:
		s.MaxAttempts = 2
		s.MaxDelay = 5 * time.Second
		s.NonRetriablePatterns = append(s.NonRetriablePatterns, `mismatch`, `checksum`)
	case Processing:
	}
	return s
}

// DefaultStrategies returns DefaultStrategy for every operation type.
func DefaultStrategies() map[OperationType]Strategy {
	out := make(map[OperationType]Strategy, len(OperationTypes))
	for _, t := range OperationTypes {
		out[t] = DefaultStrategy(t)
	}
	return out
}

// CalculateDelay returns the wait before the attempt following attempt
// number attempt (1-based), without jitter:
// min(MaxDelay, BaseDelay * Multiplier^(attempt-1)).
func CalculateDelay(s Strategy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := s.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(s.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// applyJitter perturbs d by up to +/- factor using r in [0,1).
func applyJitter(d time.Duration, factor, r float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	if factor > 1 {
		factor = 1
	}
	jittered := float64(d) * (1 + factor*(2*r-1))
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// compiledStrategy caches the regular expressions of a Strategy.
type compiledStrategy struct {
	Strategy
	retriable    []*regexp.Regexp
	nonRetriable []*regexp.Regexp
}

func compile(s Strategy) (compiledStrategy, error) {
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	c := compiledStrategy{Strategy: s}
	var err error
	if c.retriable, err = compilePatterns(s.RetriablePatterns); err != nil {
		return c, err
	}
	if c.nonRetriable, err = compilePatterns(s.NonRetriablePatterns); err != nil {
		return c, err
	}
	return c, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling retry pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// retriableMessage reports whether a failure with this message may be retried.
func (c compiledStrategy) retriableMessage(msg string) bool {
	for _, re := range c.nonRetriable {
		if re.MatchString(msg) {
			return false
		}
	}
	return true
}

// knownTransient reports whether the message matched a retriable pattern.
// Only used for logging.
func (c compiledStrategy) knownTransient(msg string) bool {
	for _, re := range c.retriable {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}
