package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Status is the state of one destination of an item.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for v := StatusPending; v <= StatusFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown destination status %q", b)
}

// State is the overall state of an item.
type State int

const (
	StateQueued State = iota
	StateProcessing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for v := StateQueued; v <= StateFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown item state %q", b)
}

// DestinationRecord tracks one target of an item.
type DestinationRecord struct {
	Target      string    `json:"target"`
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	BytesCopied int64     `json:"bytes_copied"`
	LastError   string    `json:"last_error,omitempty"`
	// FailedPath is where a target that failed verification was moved.
	FailedPath  string    `json:"failed_path,omitempty"`
	RetryCount  int       `json:"retry_count"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ProcessingItem is one source file moving through the pipeline.
type ProcessingItem struct {
	ID           string              `json:"id"`
	Source       string              `json:"source"`
	Size         int64               `json:"size"`
	ModTime      time.Time           `json:"mod_time"`
	Destinations []DestinationRecord `json:"destinations"`
	State        State               `json:"state"`
	Progress     float64             `json:"progress"`
	RetryCount   int                 `json:"retry_count"`
	Errors       []string            `json:"errors,omitempty"`
	Digest       string              `json:"digest,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
	LastActivity time.Time           `json:"last_activity"`
	Retryable    bool                `json:"retryable"`

	cancel  context.CancelFunc
	stalled bool
	// retryAt overrides RetryDelay for the next retry sweep when the
	// classifier chose a delayed retry.
	retryAt time.Time
}

// clone returns a copy that shares no mutable state with the scheduler.
func (p *ProcessingItem) clone() ProcessingItem {
	out := *p
	out.Destinations = append([]DestinationRecord(nil), p.Destinations...)
	out.Errors = append([]string(nil), p.Errors...)
	out.cancel = nil
	return out
}

// aggregate derives the overall state from the destinations.
func (p *ProcessingItem) aggregate() State {
	if len(p.Destinations) == 0 {
		return StateFailed
	}
	completed := 0
	for _, d := range p.Destinations {
		switch d.Status {
		case StatusFailed:
			return StateFailed
		case StatusCompleted:
			completed++
		}
	}
	if completed == len(p.Destinations) {
		return StateCompleted
	}
	return StateProcessing
}

// Counters are cumulative since the scheduler was created.
type Counters struct {
	Enqueued    int64 `json:"enqueued"`
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
	Stalled     int64 `json:"stalled"`
	Quarantined int64 `json:"quarantined"`
	Skipped     int64 `json:"skipped"`
	Duplicates  int64 `json:"duplicates"`
}

// QueueStatus is a snapshot of the scheduler.
type QueueStatus struct {
	Queued      int              `json:"queued"`
	Active      int              `json:"active"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	Counters    Counters         `json:"counters"`
	ActiveItems []ProcessingItem `json:"active_items"`
	Stopped     bool             `json:"stopped"`
}

// HealthLevel summarises HealthStatus.
type HealthLevel string

const (
	Healthy   HealthLevel = "healthy"
	Degraded  HealthLevel = "degraded"
	Unhealthy HealthLevel = "unhealthy"
)

// HealthStatus reports problems the operator should know about.
type HealthStatus struct {
	Status       HealthLevel `json:"status"`
	Issues       []string    `json:"issues"`
	Stalled      int         `json:"stalled"`
	Backlog      int         `json:"backlog"`
	OpenBreakers []string    `json:"open_breakers"`
	FailureRatio float64     `json:"failure_ratio"`
}
