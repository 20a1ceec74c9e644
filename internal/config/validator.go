package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "retry.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidRetryCategories returns the error categories that may be retried
func ValidRetryCategories() []string {
	return []string{"network", "rate-limit", "timeout"}
}

// ValidFailurePolicies returns the list of valid scheduler failure policies
func ValidFailurePolicies() []string {
	return []string{"skip-dependents", "fail-phase", "continue"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLoop()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateLocks()...)
	errors = append(errors, c.validateBreakpoints()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateLoop validates the LoopConfig
func (c *Config) validateLoop() []ValidationError {
	var errors []ValidationError

	if c.Loop.MaxIterations < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_iterations",
			Value:   c.Loop.MaxIterations,
			Message: "must be non-negative (0 = unlimited)",
		})
	}
	if c.Loop.MaxDurationMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "loop.max_duration_minutes",
			Value:   c.Loop.MaxDurationMinutes,
			Message: "must be non-negative (0 = disabled)",
		})
	}

	const minPollInterval = 10      // 10ms minimum
	const maxPollInterval = 600_000 // 10 minutes maximum
	if c.Loop.PollIntervalMs < minPollInterval {
		errors = append(errors, ValidationError{
			Field:   "loop.poll_interval_ms",
			Value:   c.Loop.PollIntervalMs,
			Message: fmt.Sprintf("must be at least %dms", minPollInterval),
		})
	}
	if c.Loop.PollIntervalMs > maxPollInterval {
		errors = append(errors, ValidationError{
			Field:   "loop.poll_interval_ms",
			Value:   c.Loop.PollIntervalMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxPollInterval),
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "cannot be empty",
		})
	}
	if c.Worker.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.timeout_minutes",
			Value:   c.Worker.TimeoutMinutes,
			Message: "must be non-negative (0 = disabled)",
		})
	}
	for i, tool := range c.Worker.AllowedTools {
		if strings.TrimSpace(tool) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.allowed_tools[%d]", i),
				Value:   tool,
				Message: "tool name cannot be empty",
			})
		}
	}

	return errors
}

// validateRetry validates the RetryConfig
func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	const maxAttemptsLimit = 20
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxAttempts > maxAttemptsLimit {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: fmt.Sprintf("must be between 0 and %d", maxAttemptsLimit),
		})
	}

	for i, cat := range c.Retry.RetryOn {
		if !slices.Contains(ValidRetryCategories(), cat) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("retry.retry_on[%d]", i),
				Value:   cat,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRetryCategories(), ", ")),
			})
		}
	}

	for i, s := range c.Retry.BackoffSeconds {
		if s < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("retry.backoff_seconds[%d]", i),
				Value:   s,
				Message: "must be non-negative",
			})
			continue
		}
		if i > 0 && s < c.Retry.BackoffSeconds[i-1] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("retry.backoff_seconds[%d]", i),
				Value:   s,
				Message: "must not be shorter than the previous delay",
			})
		}
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const maxConcurrencyLimit = 64
	if c.Scheduler.MaxConcurrency < 0 || c.Scheduler.MaxConcurrency > maxConcurrencyLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrency",
			Value:   c.Scheduler.MaxConcurrency,
			Message: fmt.Sprintf("must be between 0 and %d (0 = unlimited)", maxConcurrencyLimit),
		})
	}

	if c.Scheduler.FailurePolicy != "" && !slices.Contains(ValidFailurePolicies(), c.Scheduler.FailurePolicy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.failure_policy",
			Value:   c.Scheduler.FailurePolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidFailurePolicies(), ", ")),
		})
	}

	return errors
}

// validateLocks validates the LocksConfig
func (c *Config) validateLocks() []ValidationError {
	var errors []ValidationError

	dir := c.Locks.DirName
	if dir != "" && (strings.ContainsAny(dir, `/\`) || dir == "." || dir == "..") {
		errors = append(errors, ValidationError{
			Field:   "locks.dir_name",
			Value:   dir,
			Message: "must be a single directory name",
		})
	}
	if c.Locks.StaleAfterMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "locks.stale_after_minutes",
			Value:   c.Locks.StaleAfterMinutes,
			Message: "must be at least 1 minute",
		})
	}

	return errors
}

// validateBreakpoints checks that every pattern compiles
func (c *Config) validateBreakpoints() []ValidationError {
	var errors []ValidationError

	for i, p := range c.Breakpoints {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("breakpoints[%d]", i),
				Value:   p,
				Message: "pattern cannot be empty",
			})
			continue
		}
		if _, err := glob.Compile(p, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("breakpoints[%d]", i),
				Value:   p,
				Message: fmt.Sprintf("invalid pattern: %v", err),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	dir := c.Paths.SprintsDir
	if strings.ContainsRune(dir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "paths.sprints_dir",
			Value:   dir,
			Message: "path contains invalid null character",
		})
	}

	const maxPathLength = 1024
	if len(dir) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   "paths.sprints_dir",
			Value:   dir,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}
