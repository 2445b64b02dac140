package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jamesainslie/replica/pkg/replica/tuner"
	"github.com/jamesainslie/replica/pkg/replica/verify"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// MinDestinations is the minimum number of replication targets.
const MinDestinations = 2

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	source := ""
	if c.Source.Path == "" {
		add("source.path is required")
	} else if !filepath.IsAbs(c.Source.Path) {
		add("source.path %q must be absolute", c.Source.Path)
	} else {
		source = filepath.Clean(c.Source.Path)
	}

	if len(c.Destinations) < MinDestinations {
		add("at least %d destinations are required, got %d", MinDestinations, len(c.Destinations))
	}
	seen := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if !filepath.IsAbs(d) {
			add("destination %q must be absolute", d)
			continue
		}
		clean := filepath.Clean(d)
		if seen[clean] {
			add("destination %q is listed twice", d)
		}
		seen[clean] = true
		if source != "" && (clean == source || isWithin(clean, source)) {
			add("destination %q is inside the source directory", d)
		}
		if source != "" && isWithin(source, clean) {
			add("source directory is inside destination %q", d)
		}
	}

	if c.Stability.RequiredChecks < 1 {
		add("stability.required_checks must be at least 1")
	}
	if c.Processing.MaxConcurrent < 0 {
		add("processing.max_concurrent must not be negative")
	}
	if c.Processing.MaxRetries < 0 {
		add("processing.max_retries must not be negative")
	}
	if c.Errors.MaxAttemptsBeforeQuarantine < 1 {
		add("errors.max_attempts_before_quarantine must be at least 1")
	}

	// Size and timestamp comparison (chosen for very large files and as the
	// hash fallback) only holds when timestamps are copied onto targets.
	if c.Verification.Enabled && !c.Copy.PreserveTimestamps {
		if m, err := verify.ParseMethod(c.Verification.Method); err == nil && (m == verify.Auto || m == verify.SizeAndTimestamp) {
			add("copy.preserve_timestamps must be enabled for %s verification", m)
		}
	}

	if _, err := c.Components(tuner.SystemResources{CPUCores: 1}); err != nil {
		add("%v", err)
	}

	return errors.Join(errs...)
}

func isWithin(path, parent string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
