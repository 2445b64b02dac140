package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const defaultConfigTemplate = `# Replica configuration

# Directory watched for new files
source:
  path: ""
  recursive: true
  # Glob patterns; patterns containing "/" match the path relative to source.path
  include: ["*"]
  # Named groups of extensions, e.g. microscopy, astronomy, medical
  type_groups: []
  exclude_extensions: [.tmp, .part, .partial, .crdownload, .lock, .swp]
  # Replicate files already present at startup
  scan_existing: true

# Two or more replication targets
destinations: []

# When a file counts as completely written
stability:
  check_interval: %s
  required_checks: 2
  min_file_age: %s
  stale_after: %s

copy:
  # Read size; "auto" lets replicad size it from available memory
  chunk_size: %s
  preserve_timestamps: true
  min_free_space: %s

verification:
  enabled: true
  # auto, hash, size_timestamp, size_only
  method: auto
  small_file_threshold: %s
  large_file_threshold: %s
  hash_large_files: true
  timestamp_tolerance: %s

processing:
  # 0 lets replicad size it from the CPU count
  max_concurrent: 0
  stall_timeout: %s
  max_retries: %d
  retry_delay: %s
  shutdown_timeout: %s

retry:
  breaker_threshold: 10
  breaker_timeout: %s

errors:
  # Empty means $XDG_DATA_HOME/replica/quarantine
  quarantine_path: ""
  max_attempts_before_quarantine: 3
  network_prefixes: []

audit:
  enabled: true
  # Empty means $XDG_STATE_HOME/replica/audit
  path: ""
  retention_days: %d

history:
  enabled: true
  path: ""
  retention_days: %d

# Logging configuration
logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty means use default: $XDG_STATE_HOME/replica/replica.log)
  path: ""
  rotation:
    max_size: 50MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    scheduler: info
    copier: warn

# Daemon configuration
daemon:
  # Unix socket path (empty means use default: $XDG_DATA_HOME/replica/replica.sock)
  socket_path: ""
  pid_path: ""
  # Prometheus listener, e.g. 127.0.0.1:9464; empty disables it
  metrics_addr: ""
`

// DefaultConfigYAML renders the default configuration file.
func DefaultConfigYAML() string {
	return fmt.Sprintf(defaultConfigTemplate,
		DefaultCheckInterval, DefaultMinFileAge, DefaultStaleAfter,
		DefaultChunkSize, DefaultMinFreeSpace,
		DefaultSmallFileThreshold, DefaultLargeFileThreshold, DefaultTimestampTolerance,
		DefaultStallTimeout, DefaultMaxRetries, DefaultRetryDelay, DefaultShutdownTimeout,
		DefaultBreakerTimeout,
		DefaultRetentionDays, DefaultHistoryRetentionDays,
	)
}

// WriteDefault writes a default config file to path, or to ConfigPath() when
// path is empty. It returns the path and whether a file was written; an
// existing file is left untouched.
func WriteDefault(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return "", false, err
		}
	}

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(DefaultConfigYAML()), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write default config: %w", err)
	}

	return path, true, nil
}
