package replicav1

import (
	"time"

	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
	"github.com/jamesainslie/replica/pkg/replica/watcher"
)

// StatusReport answers GetQueueStatus.
type StatusReport struct {
	Source        string                `json:"source"`
	Destinations  []string              `json:"destinations"`
	StartedAt     time.Time             `json:"started_at"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	MemoryBytes   int64                 `json:"memory_bytes"`
	Queue         scheduler.QueueStatus `json:"queue"`
	Detector      watcher.Health        `json:"detector"`
	Pending       []watcher.PendingFile `json:"pending,omitempty"`
}

// HealthReport answers GetHealthStatus. Status is the worst of the
// scheduler and detector levels.
type HealthReport struct {
	Status    scheduler.HealthLevel  `json:"status"`
	Issues    []string               `json:"issues"`
	Scheduler scheduler.HealthStatus `json:"scheduler"`
	Detector  watcher.Health         `json:"detector"`
	Errors    classify.Stats         `json:"errors"`
}

// HistoryRequest is the ListHistory request.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// HistoryRecord is one replicated or failed source file.
type HistoryRecord struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	Digest       string    `json:"digest,omitempty"`
	Destinations []string  `json:"destinations"`
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	OperationID  string    `json:"operation_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// HistoryResponse answers ListHistory.
type HistoryResponse struct {
	Records []HistoryRecord `json:"records"`
	Enabled bool            `json:"enabled"`
}

// ShutdownResponse answers Shutdown.
type ShutdownResponse struct {
	Success bool `json:"success"`
}
