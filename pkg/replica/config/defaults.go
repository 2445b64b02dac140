// Package config provides configuration management for the replica daemon.
package config

import "time"

// Default configuration values for replica.
const (
	// DefaultChunkSize is the copy read size. "auto" lets the tuner decide.
	DefaultChunkSize = "auto"

	// DefaultSmallFileThreshold is the size below which files are always hashed.
	DefaultSmallFileThreshold = "100MiB"

	// DefaultLargeFileThreshold is the size up to which files are hashed when
	// large-file hashing is enabled.
	DefaultLargeFileThreshold = "10GiB"

	// DefaultErrorLargeFileThreshold marks files that get the long retry
	// delay after a resource error.
	DefaultErrorLargeFileThreshold = "1GiB"

	// DefaultMinFreeSpace is the headroom kept free on every destination.
	DefaultMinFreeSpace = "1GiB"

	// DefaultMaxConcurrent is 0, meaning the tuner decides.
	DefaultMaxConcurrent = 0

	// DefaultMaxRetries is the number of scheduler-level retries of a failed file.
	DefaultMaxRetries = 3

	// DefaultRetentionDays is how long audit files are kept.
	DefaultRetentionDays = 30

	// DefaultHistoryRetentionDays is how long replication history is kept.
	DefaultHistoryRetentionDays = 90

	// DefaultCompletedMax bounds the in-memory completed set.
	DefaultCompletedMax = 1000
)

// Default durations.
const (
	DefaultCheckInterval      = 2 * time.Second
	DefaultMinFileAge         = 5 * time.Second
	DefaultStaleAfter         = 60 * time.Minute
	DefaultRenameWindow       = 2 * time.Second
	DefaultDispatchInterval   = time.Second
	DefaultStallTimeout       = 60 * time.Minute
	DefaultStallCheckInterval = time.Minute
	DefaultRetrySweepInterval = 30 * time.Second
	DefaultRetryDelay         = 5 * time.Minute
	DefaultCompletedRetention = 24 * time.Hour
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultTimestampTolerance = 2 * time.Second
	DefaultBreakerTimeout     = 15 * time.Minute
)

// DefaultIncludePatterns selects every file; the extension exclusions below
// drop partial downloads and editor artifacts.
var DefaultIncludePatterns = []string{"*"}

// DefaultExcludeExtensions are never replicated.
var DefaultExcludeExtensions = []string{".tmp", ".part", ".partial", ".crdownload", ".lock", ".swp"}
