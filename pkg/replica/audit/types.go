// Package audit records replication lifecycle events as durable JSON lines,
// one file per day.
package audit

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	// EventFileDetected is emitted when a stable file is enqueued.
	EventFileDetected EventType = "file_detected"
	// EventProcessingStarted is emitted when a worker picks up a file.
	EventProcessingStarted EventType = "processing_started"
	// EventProcessingCompleted is emitted when every destination is verified.
	EventProcessingCompleted EventType = "processing_completed"
	// EventProcessingFailed is emitted when an attempt fails.
	EventProcessingFailed EventType = "processing_failed"
	// EventRetryAttempted is emitted for each retry of a copy or verification.
	EventRetryAttempted EventType = "retry_attempted"
	// EventFileQuarantined is emitted when a file is moved to quarantine.
	EventFileQuarantined EventType = "file_quarantined"
)

// Event is one audit record.
type Event struct {
	ID          string            `json:"id"`
	Time        time.Time         `json:"time"`
	Type        EventType         `json:"type"`
	OperationID string            `json:"operation_id,omitempty"`
	Path        string            `json:"path"`
	Destination string            `json:"destination,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Message     string            `json:"message,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Sink accepts audit events. Implementations must be safe for concurrent
// use and must not block for long.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record calls f(e).
func (f SinkFunc) Record(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
