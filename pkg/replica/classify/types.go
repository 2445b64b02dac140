// Package classify maps replication failures to a category, a severity and
// a recovery strategy, keeps the failure history per file and owns the
// quarantine area for files that cannot be replicated.
package classify

import (
	"fmt"
	"strings"
	"time"
)

// Category groups failures by their cause.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryFileSystem
	CategoryNetwork
	CategoryPermission
	CategoryResource
	CategoryConfiguration
	CategoryVerification
	CategoryProcess
	CategoryService
	CategoryQuarantine
)

var categoryNames = map[Category]string{
	CategoryUnknown:       "unknown",
	CategoryFileSystem:    "filesystem",
	CategoryNetwork:       "network",
	CategoryPermission:    "permission",
	CategoryResource:      "resource",
	CategoryConfiguration: "configuration",
	CategoryVerification:  "verification",
	CategoryProcess:       "process",
	CategoryService:       "service",
	CategoryQuarantine:    "quarantine",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	for k, v := range categoryNames {
		if strings.EqualFold(v, string(b)) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown category %q", b)
}

// Severity orders failures from informational to fatal.
type Severity int

const (
	SeverityInformational Severity = iota
	SeverityWarning
	SeverityRecoverable
	SeverityCritical
	SeverityFatal
)

var severityNames = map[Severity]string{
	SeverityInformational: "informational",
	SeverityWarning:       "warning",
	SeverityRecoverable:   "recoverable",
	SeverityCritical:      "critical",
	SeverityFatal:         "fatal",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	for k, v := range severityNames {
		if strings.EqualFold(v, string(b)) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// RecoveryStrategy is the action taken after a failure.
type RecoveryStrategy int

const (
	StrategyNone RecoveryStrategy = iota
	StrategyRetry
	StrategyDelayedRetry
	StrategyQuarantine
	StrategySkip
	StrategyEscalate
	StrategyAbort
)

var strategyNames = map[RecoveryStrategy]string{
	StrategyNone:         "none",
	StrategyRetry:        "retry",
	StrategyDelayedRetry: "delayed_retry",
	StrategyQuarantine:   "quarantine",
	StrategySkip:         "skip",
	StrategyEscalate:     "escalate",
	StrategyAbort:        "abort",
}

func (r RecoveryStrategy) String() string {
	if name, ok := strategyNames[r]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r RecoveryStrategy) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RecoveryStrategy) UnmarshalText(b []byte) error {
	for k, v := range strategyNames {
		if strings.EqualFold(v, string(b)) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown recovery strategy %q", b)
}

// defaults holds the severity and strategy a category starts from.
type defaults struct {
	severity  Severity
	strategy  RecoveryStrategy
	transient bool
}

var categoryDefaults = map[Category]defaults{
	CategoryFileSystem:    {SeverityRecoverable, StrategyDelayedRetry, true},
	CategoryNetwork:       {SeverityRecoverable, StrategyDelayedRetry, true},
	CategoryPermission:    {SeverityCritical, StrategyEscalate, false},
	CategoryResource:      {SeverityRecoverable, StrategyDelayedRetry, true},
	CategoryConfiguration: {SeverityFatal, StrategyAbort, false},
	CategoryVerification:  {SeverityCritical, StrategyQuarantine, false},
	CategoryProcess:       {SeverityRecoverable, StrategyRetry, true},
	CategoryService:       {SeverityWarning, StrategyDelayedRetry, true},
	CategoryQuarantine:    {SeverityCritical, StrategySkip, false},
	CategoryUnknown:       {SeverityWarning, StrategyRetry, true},
}

// Occurrence is one failure of a tracked file.
type Occurrence struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
}

// ErrorRecord is the outcome of classifying a failure. Records are keyed by
// operation context and file path so repeated failures accumulate.
type ErrorRecord struct {
	ID               string            `json:"id"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
	Category         Category          `json:"category"`
	Severity         Severity          `json:"severity"`
	Strategy         RecoveryStrategy  `json:"strategy"`
	Message          string            `json:"message"`
	OperationContext string            `json:"operation_context"`
	FilePath         string            `json:"file_path"`
	AttemptCount     int               `json:"attempt_count"`
	FirstOccurrence  time.Time         `json:"first_occurrence"`
	LastOccurrence   time.Time         `json:"last_occurrence"`
	IsTransient      bool              `json:"is_transient"`
	RetryDelay       time.Duration     `json:"retry_delay"`
	Properties       map[string]string `json:"properties,omitempty"`
	Occurrences      []Occurrence      `json:"occurrences"`
}

// clone returns a deep copy so callers never share state with the history.
func (r *ErrorRecord) clone() *ErrorRecord {
	out := *r
	out.Properties = make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		out.Properties[k] = v
	}
	out.Occurrences = append([]Occurrence(nil), r.Occurrences...)
	return &out
}

// Stats summarises classifications since the classifier was created.
type Stats struct {
	Total       int            `json:"total"`
	ByCategory  map[string]int `json:"by_category"`
	BySeverity  map[string]int `json:"by_severity"`
	Quarantined int            `json:"quarantined"`
	Tracked     int            `json:"tracked"`
	Recent      []ErrorRecord  `json:"recent"`
}

type key struct {
	context string
	path    string
}
