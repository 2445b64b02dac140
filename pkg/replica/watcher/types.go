// Package watcher detects files in the source directory that have finished
// being written. New files are tracked until their size and modification
// time stop changing and are then handed out once as DetectedFiles.
package watcher

import "time"

// PendingFile is a file under stability observation.
type PendingFile struct {
	Path         string
	DetectedAt   time.Time
	LastSize     int64
	LastModTime  time.Time
	StableChecks int
	// Checked is false until the first check has recorded a baseline.
	Checked bool
}

// DetectedFile is a stable file ready for replication. It is produced once
// per stable file and never modified afterwards.
type DetectedFile struct {
	Path            string    `json:"path"`
	DetectedAt      time.Time `json:"detected_at"`
	Size            int64     `json:"size"`
	ModTime         time.Time `json:"mod_time"`
	StabilityChecks int       `json:"stability_checks"`
}

// Health reports the state of the underlying filesystem watch.
type Health struct {
	Healthy   bool
	Watching  bool
	Restarts  int
	Failures  int
	LastError string
	Pending   int
	Queued    int
	Watches   int
}

// Defaults for Options fields left at zero.
const (
	DefaultCheckInterval        = 2 * time.Second
	DefaultRequiredStableChecks = 2
	DefaultMinFileAge           = 5 * time.Second
	DefaultStaleAfter           = 60 * time.Minute
	DefaultRenameWindow         = 2 * time.Second
	DefaultMaxRestarts          = 5
	DefaultRestartBackoff       = time.Second
)
