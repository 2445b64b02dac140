package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/jamesainslie/replica/pkg/replica/retry"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Console    string            `mapstructure:"console"`
	JSON       bool              `mapstructure:"json"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// SourceConfig selects what is replicated.
type SourceConfig struct {
	Path              string   `mapstructure:"path"`
	Recursive         bool     `mapstructure:"recursive"`
	Include           []string `mapstructure:"include"`
	TypeGroups        []string `mapstructure:"type_groups"`
	ExcludeExtensions []string `mapstructure:"exclude_extensions"`
	ScanExisting      bool     `mapstructure:"scan_existing"`
}

// StabilityConfig configures when a file is considered complete.
type StabilityConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	RequiredChecks int           `mapstructure:"required_checks"`
	MinFileAge     time.Duration `mapstructure:"min_file_age"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RenameWindow   time.Duration `mapstructure:"rename_window"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
}

// CopyConfig configures the copy engine.
type CopyConfig struct {
	ChunkSize          string `mapstructure:"chunk_size"`
	PreserveTimestamps bool   `mapstructure:"preserve_timestamps"`
	MinFreeSpace       string `mapstructure:"min_free_space"`
}

// VerificationConfig configures post-copy verification.
type VerificationConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Method             string        `mapstructure:"method"`
	SmallFileThreshold string        `mapstructure:"small_file_threshold"`
	LargeFileThreshold string        `mapstructure:"large_file_threshold"`
	HashLargeFiles     bool          `mapstructure:"hash_large_files"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	HashRetries        int           `mapstructure:"hash_retries"`
	HashRetryDelay     time.Duration `mapstructure:"hash_retry_delay"`
}

// ProcessingConfig configures the scheduler.
type ProcessingConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout"`
	StallCheckInterval time.Duration `mapstructure:"stall_check_interval"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	CompletedMax       int           `mapstructure:"completed_max"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// RetryConfig configures per operation type strategies and the breaker.
type RetryConfig struct {
	Strategies       map[string]retry.Strategy `mapstructure:"strategies"`
	BreakerThreshold int                       `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration             `mapstructure:"breaker_timeout"`
}

// ErrorsConfig configures classification and quarantine.
type ErrorsConfig struct {
	QuarantinePath              string        `mapstructure:"quarantine_path"`
	MaxAttemptsBeforeQuarantine int           `mapstructure:"max_attempts_before_quarantine"`
	LargeFileThreshold          string        `mapstructure:"large_file_threshold"`
	LargeFileRetryDelay         time.Duration `mapstructure:"large_file_retry_delay"`
	NetworkRetryDelay           time.Duration `mapstructure:"network_retry_delay"`
	BaseRetryDelay              time.Duration `mapstructure:"base_retry_delay"`
	MaxRetryDelay               time.Duration `mapstructure:"max_retry_delay"`
	NetworkPrefixes             []string      `mapstructure:"network_prefixes"`
	MaxRecentErrors             int           `mapstructure:"max_recent_errors"`
}

// AuditConfig configures the JSON-lines audit journal.
type AuditConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// HistoryConfig configures the replication history database.
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	BinaryPath  string `mapstructure:"binary_path"` // Path to replicad binary (auto-discovered if empty)
	SocketPath  string `mapstructure:"socket_path"`
	PIDPath     string `mapstructure:"pid_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config represents the application configuration. It is loaded once and
// treated as read-only for the lifetime of a run.
type Config struct {
	Source       SourceConfig       `mapstructure:"source"`
	Destinations []string           `mapstructure:"destinations"`
	Stability    StabilityConfig    `mapstructure:"stability"`
	Copy         CopyConfig         `mapstructure:"copy"`
	Verification VerificationConfig `mapstructure:"verification"`
	Processing   ProcessingConfig   `mapstructure:"processing"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Errors       ErrorsConfig       `mapstructure:"errors"`
	Audit        AuditConfig        `mapstructure:"audit"`
	History      HistoryConfig      `mapstructure:"history"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Load loads configuration from file and environment variables.
// When path is empty the config file is searched in:
//   - $XDG_CONFIG_HOME/replica/config.yaml
//   - $HOME/.config/replica/config.yaml
//
// Environment variables are prefixed with REPLICA_ (e.g., REPLICA_SOURCE_PATH).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			v.AddConfigPath(filepath.Join(xdgConfigHome, "replica"))
		}

		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(homeDir, ".config", "replica"))
	}

	v.SetEnvPrefix("REPLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is acceptable; we use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.path", "")
	v.SetDefault("source.recursive", true)
	v.SetDefault("source.include", DefaultIncludePatterns)
	v.SetDefault("source.type_groups", []string{})
	v.SetDefault("source.exclude_extensions", DefaultExcludeExtensions)
	v.SetDefault("source.scan_existing", true)
	v.SetDefault("destinations", []string{})

	v.SetDefault("stability.check_interval", DefaultCheckInterval)
	v.SetDefault("stability.required_checks", 2)
	v.SetDefault("stability.min_file_age", DefaultMinFileAge)
	v.SetDefault("stability.stale_after", DefaultStaleAfter)
	v.SetDefault("stability.rename_window", DefaultRenameWindow)
	v.SetDefault("stability.max_restarts", 5)

	v.SetDefault("copy.chunk_size", DefaultChunkSize)
	v.SetDefault("copy.preserve_timestamps", true)
	v.SetDefault("copy.min_free_space", DefaultMinFreeSpace)

	v.SetDefault("verification.enabled", true)
	v.SetDefault("verification.method", "auto")
	v.SetDefault("verification.small_file_threshold", DefaultSmallFileThreshold)
	v.SetDefault("verification.large_file_threshold", DefaultLargeFileThreshold)
	v.SetDefault("verification.hash_large_files", true)
	v.SetDefault("verification.timestamp_tolerance", DefaultTimestampTolerance)
	v.SetDefault("verification.hash_retries", 3)
	v.SetDefault("verification.hash_retry_delay", 500*time.Millisecond)

	v.SetDefault("processing.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("processing.dispatch_interval", DefaultDispatchInterval)
	v.SetDefault("processing.stall_timeout", DefaultStallTimeout)
	v.SetDefault("processing.stall_check_interval", DefaultStallCheckInterval)
	v.SetDefault("processing.retry_sweep_interval", DefaultRetrySweepInterval)
	v.SetDefault("processing.max_retries", DefaultMaxRetries)
	v.SetDefault("processing.retry_delay", DefaultRetryDelay)
	v.SetDefault("processing.completed_retention", DefaultCompletedRetention)
	v.SetDefault("processing.completed_max", DefaultCompletedMax)
	v.SetDefault("processing.shutdown_timeout", DefaultShutdownTimeout)

	for t, s := range retry.DefaultStrategies() {
		prefix := "retry.strategies." + t.String() + "."
		v.SetDefault(prefix+"max_attempts", s.MaxAttempts)
		v.SetDefault(prefix+"base_delay", s.BaseDelay)
		v.SetDefault(prefix+"max_delay", s.MaxDelay)
		v.SetDefault(prefix+"multiplier", s.Multiplier)
		v.SetDefault(prefix+"jitter", s.Jitter)
		v.SetDefault(prefix+"jitter_factor", s.JitterFactor)
		v.SetDefault(prefix+"retriable_patterns", s.RetriablePatterns)
		v.SetDefault(prefix+"non_retriable_patterns", s.NonRetriablePatterns)
	}
	v.SetDefault("retry.breaker_threshold", retry.DefaultBreakerThreshold)
	v.SetDefault("retry.breaker_timeout", DefaultBreakerTimeout)

	v.SetDefault("errors.quarantine_path", "") // Empty means <data dir>/quarantine
	v.SetDefault("errors.max_attempts_before_quarantine", 3)
	v.SetDefault("errors.large_file_threshold", DefaultErrorLargeFileThreshold)
	v.SetDefault("errors.large_file_retry_delay", 5*time.Minute)
	v.SetDefault("errors.network_retry_delay", 30*time.Second)
	v.SetDefault("errors.base_retry_delay", 5*time.Second)
	v.SetDefault("errors.max_retry_delay", 5*time.Minute)
	v.SetDefault("errors.network_prefixes", []string{})
	v.SetDefault("errors.max_recent_errors", 100)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", "") // Empty means <state dir>/audit
	v.SetDefault("audit.retention_days", DefaultRetentionDays)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "") // Empty means <data dir>/history
	v.SetDefault("history.retention_days", DefaultHistoryRetentionDays)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // Empty means use DefaultLogPath
	v.SetDefault("logging.console", "")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.rotation.max_size", "50MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":    "info",
		"watcher":   "info",
		"scheduler": "info",
		"copier":    "warn",
		"verify":    "info",
		"retry":     "info",
		"classify":  "info",
	})

	v.SetDefault("daemon.binary_path", "")
	v.SetDefault("daemon.socket_path", "") // Empty means use default XDG path
	v.SetDefault("daemon.pid_path", "")    // Empty means use default XDG path
	v.SetDefault("daemon.metrics_addr", "")
}

// expandPaths resolves ~ and fills XDG defaults for empty paths.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.Source.Path, &c.Errors.QuarantinePath, &c.Audit.Path, &c.History.Path,
		&c.Logging.Path, &c.Daemon.SocketPath, &c.Daemon.PIDPath, &c.Daemon.BinaryPath,
	}
	for _, p := range paths {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	for i, d := range c.Destinations {
		expanded, err := ExpandPath(d)
		if err != nil {
			return err
		}
		c.Destinations[i] = expanded
	}

	if c.Errors.QuarantinePath == "" {
		c.Errors.QuarantinePath = filepath.Join(DataDir(), "quarantine")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(StateDir(), "audit")
	}
	if c.History.Path == "" {
		c.History.Path = DefaultDBPath()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = DefaultSocketPath()
	}
	if c.Daemon.PIDPath == "" {
		c.Daemon.PIDPath = DefaultPIDPath()
	}
	return nil
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "replica"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "replica"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/replica/ for the history database,
// socket, pid file and quarantine.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "replica")
}

// StateDir returns $XDG_STATE_HOME/replica/ for logs and audit files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "replica")
}

// DefaultSocketPath returns the default Unix socket path.
func DefaultSocketPath() string {
	return filepath.Join(DataDir(), "replica.sock")
}

// DefaultPIDPath returns the default PID file path.
func DefaultPIDPath() string {
	return filepath.Join(DataDir(), "replica.pid")
}

// DefaultDBPath returns the default history database path.
func DefaultDBPath() string {
	return filepath.Join(DataDir(), "history")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}

// EnsureStateDir creates the state directory if it doesn't exist.
func EnsureStateDir() error {
	if err := os.MkdirAll(StateDir(), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}

// DaemonBinary is the file name of the daemon executable.
const DaemonBinary = "replicad"

// DefaultBinaryPath returns the replicad binary from the standard Go install
// locations (GOBIN, GOPATH/bin, ~/go/bin), or "" when none has it.
func DefaultBinaryPath() string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		for _, p := range filepath.SplitList(gopath) {
			dirs = append(dirs, filepath.Join(p, "bin"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, DaemonBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
