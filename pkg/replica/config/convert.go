package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/replica/pkg/replica/classify"
	"github.com/jamesainslie/replica/pkg/replica/copier"
	"github.com/jamesainslie/replica/pkg/replica/filter"
	"github.com/jamesainslie/replica/pkg/replica/logging"
	"github.com/jamesainslie/replica/pkg/replica/retry"
	"github.com/jamesainslie/replica/pkg/replica/scheduler"
	"github.com/jamesainslie/replica/pkg/replica/tuner"
	"github.com/jamesainslie/replica/pkg/replica/verify"
	"github.com/jamesainslie/replica/pkg/replica/watcher"
)

// Components holds the options of every pipeline component derived from
// one Config.
type Components struct {
	Logging    logging.Config
	Detector   watcher.Options
	Copier     copier.Options
	Verifier   verify.Options
	Retry      retry.Options
	Classifier classify.Options
	Scheduler  scheduler.Options
	Tuning     tuner.Proposal
}

// ParseSize parses a human size such as "100MiB" or "1GB". Empty and "auto"
// return 0.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// Components converts the configuration into component options. Values left
// on auto are filled from resources by the tuner.
func (c *Config) Components(resources tuner.SystemResources) (*Components, error) {
	out := &Components{}
	var err error

	if out.Logging, err = c.LoggingConfig(); err != nil {
		return nil, err
	}

	chunk, err := ParseSize(c.Copy.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("copy.chunk_size: %w", err)
	}
	out.Tuning = tuner.CalculateWithOverrides(resources, c.Processing.MaxConcurrent, int(chunk))

	if out.Detector, err = c.DetectorOptions(); err != nil {
		return nil, err
	}
	if out.Copier, err = c.CopierOptions(out.Tuning.ChunkSize); err != nil {
		return nil, err
	}
	if out.Verifier, err = c.VerifierOptions(out.Tuning.ChunkSize); err != nil {
		return nil, err
	}
	if out.Retry, err = c.RetryOptions(); err != nil {
		return nil, err
	}
	if out.Classifier, err = c.ClassifierOptions(); err != nil {
		return nil, err
	}
	if out.Scheduler, err = c.SchedulerOptions(out.Tuning.MaxConcurrent); err != nil {
		return nil, err
	}
	return out, nil
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() (logging.Config, error) {
	maxSize, err := ParseSize(c.Logging.Rotation.MaxSize)
	if err != nil {
		return logging.Config{}, fmt.Errorf("logging.rotation.max_size: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return logging.Config{}, fmt.Errorf("logging.level: %w", err)
	}

	path := c.Logging.Path
	if path == "" {
		path = logging.DefaultLogPath()
	}

	return logging.Config{
		Level: c.Logging.Level,
		Path:  path,
		Rotation: logging.RotationConfig{
			MaxSize:    int64(maxSize),
			MaxAge:     c.Logging.Rotation.MaxAge,
			MaxBackups: c.Logging.Rotation.MaxBackups,
			Daily:      c.Logging.Rotation.Daily,
		},
		Components:   c.Logging.Components,
		ConsoleLevel: c.Logging.Console,
		JSON:         c.Logging.JSON,
	}, nil
}

// Filter builds the source file filter.
func (c *Config) Filter() (*filter.Filter, error) {
	f, err := filter.New(
		filter.WithInclude(c.Source.Include...),
		filter.WithTypeGroups(c.Source.TypeGroups...),
		filter.WithExcludeExtensions(c.Source.ExcludeExtensions...),
	)
	if err != nil {
		return nil, fmt.Errorf("source filter: %w", err)
	}
	return f, nil
}

// DetectorOptions converts the source and stability sections.
func (c *Config) DetectorOptions() (watcher.Options, error) {
	f, err := c.Filter()
	if err != nil {
		return watcher.Options{}, err
	}
	return watcher.Options{
		Root:                 c.Source.Path,
		Recursive:            c.Source.Recursive,
		Filter:               f,
		CheckInterval:        c.Stability.CheckInterval,
		RequiredStableChecks: c.Stability.RequiredChecks,
		MinFileAge:           c.Stability.MinFileAge,
		StaleAfter:           c.Stability.StaleAfter,
		RenameWindow:         c.Stability.RenameWindow,
		MaxRestarts:          c.Stability.MaxRestarts,
	}, nil
}

// CopierOptions converts the copy section with the tuned chunk size.
func (c *Config) CopierOptions(chunkSize int) (copier.Options, error) {
	minFree, err := ParseSize(c.Copy.MinFreeSpace)
	if err != nil {
		return copier.Options{}, fmt.Errorf("copy.min_free_space: %w", err)
	}
	return copier.Options{
		ChunkSize:          chunkSize,
		PreserveTimestamps: c.Copy.PreserveTimestamps,
		ComputeDigest:      c.Verification.Enabled,
		MinFreeSpace:       minFree,
	}, nil
}

// VerifierOptions converts the verification section.
func (c *Config) VerifierOptions(chunkSize int) (verify.Options, error) {
	small, err := ParseSize(c.Verification.SmallFileThreshold)
	if err != nil {
		return verify.Options{}, fmt.Errorf("verification.small_file_threshold: %w", err)
	}
	large, err := ParseSize(c.Verification.LargeFileThreshold)
	if err != nil {
		return verify.Options{}, fmt.Errorf("verification.large_file_threshold: %w", err)
	}
	hashRetries := c.Verification.HashRetries
	if hashRetries == 0 {
		hashRetries = -1
	}
	return verify.Options{
		SmallFileThreshold: int64(small),
		LargeFileThreshold: int64(large),
		HashLargeFiles:     c.Verification.HashLargeFiles,
		TimestampTolerance: c.Verification.TimestampTolerance,
		ChunkSize:          chunkSize,
		HashRetries:        hashRetries,
		HashRetryDelay:     c.Verification.HashRetryDelay,
	}, nil
}

// RetryOptions converts the retry section. Strategies not named in the
// configuration keep their built-in values.
func (c *Config) RetryOptions() (retry.Options, error) {
	strategies := retry.DefaultStrategies()
	for name, s := range c.Retry.Strategies {
		t, err := retry.ParseOperationType(name)
		if err != nil {
			return retry.Options{}, fmt.Errorf("retry.strategies: %w", err)
		}
		strategies[t] = s
	}
	return retry.Options{
		Strategies: strategies,
		Breaker: retry.BreakerConfig{
			Threshold: c.Retry.BreakerThreshold,
			Timeout:   c.Retry.BreakerTimeout,
		},
	}, nil
}

// ClassifierOptions converts the errors section.
func (c *Config) ClassifierOptions() (classify.Options, error) {
	large, err := ParseSize(c.Errors.LargeFileThreshold)
	if err != nil {
		return classify.Options{}, fmt.Errorf("errors.large_file_threshold: %w", err)
	}
	return classify.Options{
		QuarantineRoot:              c.Errors.QuarantinePath,
		MaxAttemptsBeforeQuarantine: c.Errors.MaxAttemptsBeforeQuarantine,
		LargeFileThreshold:          int64(large),
		LargeFileRetryDelay:         c.Errors.LargeFileRetryDelay,
		NetworkRetryDelay:           c.Errors.NetworkRetryDelay,
		BaseRetryDelay:              c.Errors.BaseRetryDelay,
		MaxRetryDelay:               c.Errors.MaxRetryDelay,
		NetworkPrefixes:             c.Errors.NetworkPrefixes,
		MaxRecentErrors:             c.Errors.MaxRecentErrors,
	}, nil
}

// SchedulerOptions converts the processing section with the tuned
// concurrency.
func (c *Config) SchedulerOptions(maxConcurrent int) (scheduler.Options, error) {
	method, err := verify.ParseMethod(c.Verification.Method)
	if err != nil {
		return scheduler.Options{}, fmt.Errorf("verification.method: %w", err)
	}
	// Zero retries in the file means none; the scheduler reads zero as default.
	maxRetries := c.Processing.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	return scheduler.Options{
		SourceRoot:         c.Source.Path,
		Destinations:       append([]string(nil), c.Destinations...),
		MaxConcurrent:      maxConcurrent,
		DispatchInterval:   c.Processing.DispatchInterval,
		StallTimeout:       c.Processing.StallTimeout,
		StallCheckInterval: c.Processing.StallCheckInterval,
		RetrySweepInterval: c.Processing.RetrySweepInterval,
		MaxRetries:         maxRetries,
		RetryDelay:         c.Processing.RetryDelay,
		CompletedRetention: c.Processing.CompletedRetention,
		CompletedMax:       c.Processing.CompletedMax,
		ShutdownTimeout:    c.Processing.ShutdownTimeout,
		Verify:             c.Verification.Enabled,
		VerifyMethod:       method,
	}, nil
}
