package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete sprintloop configuration
type Config struct {
	Loop        LoopConfig      `mapstructure:"loop"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Locks       LocksConfig     `mapstructure:"locks"`
	Breakpoints []string        `mapstructure:"breakpoints"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Paths       PathsConfig     `mapstructure:"paths"`
}

// LoopConfig bounds a single run of the main loop
type LoopConfig struct {
	// MaxIterations is the number of transitions before the sprint pauses (default: 100, 0 = unlimited)
	MaxIterations int `mapstructure:"max_iterations"`
	// MaxDurationMinutes is the wall-clock budget of one run (0 = disabled)
	MaxDurationMinutes int `mapstructure:"max_duration_minutes"`
	// PollIntervalMs is how long the loop sleeps while waiting on a retry backoff (default: 1000)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// WorkerConfig controls how the external worker is invoked
type WorkerConfig struct {
	// Command is the worker executable (default: "claude")
	Command string `mapstructure:"command"`
	// Model is passed through as --model when set
	Model string `mapstructure:"model"`
	// TimeoutMinutes kills an invocation that runs longer (default: 30, 0 = disabled)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// AllowedTools is passed through as --allowedTools when non-empty
	AllowedTools []string `mapstructure:"allowed_tools"`
	// ExtraArgs are appended to every invocation
	ExtraArgs []string `mapstructure:"extra_args"`
}

// RetryConfig controls automatic retries of failed nodes
type RetryConfig struct {
	// MaxAttempts is the number of retries per node, not counting the first
	// run: a node runs at most MaxAttempts+1 times (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryOn lists the error categories that are retried
	// Options: "network", "rate-limit", "timeout"
	RetryOn []string `mapstructure:"retry_on"`
	// BackoffSeconds is the delay sequence; the last value repeats (default: [30, 60, 120, 300])
	BackoffSeconds []int `mapstructure:"backoff_seconds"`
}

// SchedulerConfig controls parallel phases
type SchedulerConfig struct {
	// MaxConcurrency caps concurrently running steps (default: 3, 0 = unlimited)
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// FailurePolicy is one of "skip-dependents", "fail-phase", "continue" (default: "skip-dependents")
	FailurePolicy string `mapstructure:"failure_policy"`
}

// LocksConfig controls the cross-worktree lock directory
type LocksConfig struct {
	// DirName is the lock directory under the main repository root (default: ".sprint-locks")
	DirName string `mapstructure:"dir_name"`
	// StaleAfterMinutes is the age after which a lock may be reclaimed (default: 60)
	StaleAfterMinutes int `mapstructure:"stale_after_minutes"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates debug.log once it would exceed this size (default: 10, 0 = never)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files are kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where sprints are found
type PathsConfig struct {
	// SprintsDir holds one directory per sprint, relative to a working tree root
	// unless absolute. Supports ~ for home directory expansion. (default: ".sprints")
	SprintsDir string `mapstructure:"sprints_dir"`
}

// ResolveSprintsDir returns the sprints directory for a working tree.
func (p *PathsConfig) ResolveSprintsDir(baseDir string) string {
	path := p.SprintsDir
	if path == "" {
		path = ".sprints"
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxIterations:      100,
			MaxDurationMinutes: 0, // No wall-clock budget by default
			PollIntervalMs:     1000,
		},
		Worker: WorkerConfig{
			Command:        "claude",
			Model:          "",
			TimeoutMinutes: 30,
			AllowedTools:   []string{},
			ExtraArgs:      []string{},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			RetryOn:        []string{"network", "rate-limit", "timeout"},
			BackoffSeconds: []int{30, 60, 120, 300},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 3,
			FailurePolicy:  "skip-dependents",
		},
		Locks: LocksConfig{
			DirName:           ".sprint-locks",
			StaleAfterMinutes: 60,
		},
		Breakpoints: []string{},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			SprintsDir: ".sprints",
		},
	}
}

// MaxDuration returns the loop's wall-clock budget (0 means disabled)
func (c *LoopConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// PollInterval returns the poll interval as a time.Duration
func (c *LoopConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the per-invocation timeout (0 means disabled)
func (c *WorkerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Backoff returns the backoff sequence as durations
func (c *RetryConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.BackoffSeconds))
	for i, s := range c.BackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// StaleAfter returns the lock staleness threshold as a time.Duration
func (c *LocksConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Loop defaults
	viper.SetDefault("loop.max_iterations", defaults.Loop.MaxIterations)
	viper.SetDefault("loop.max_duration_minutes", defaults.Loop.MaxDurationMinutes)
	viper.SetDefault("loop.poll_interval_ms", defaults.Loop.PollIntervalMs)

	// Worker defaults
	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.model", defaults.Worker.Model)
	viper.SetDefault("worker.timeout_minutes", defaults.Worker.TimeoutMinutes)
	viper.SetDefault("worker.allowed_tools", defaults.Worker.AllowedTools)
	viper.SetDefault("worker.extra_args", defaults.Worker.ExtraArgs)

	// Retry defaults
	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.retry_on", defaults.Retry.RetryOn)
	viper.SetDefault("retry.backoff_seconds", defaults.Retry.BackoffSeconds)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_concurrency", defaults.Scheduler.MaxConcurrency)
	viper.SetDefault("scheduler.failure_policy", defaults.Scheduler.FailurePolicy)

	// Lock defaults
	viper.SetDefault("locks.dir_name", defaults.Locks.DirName)
	viper.SetDefault("locks.stale_after_minutes", defaults.Locks.StaleAfterMinutes)

	viper.SetDefault("breakpoints", defaults.Breakpoints)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.sprints_dir", defaults.Paths.SprintsDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sprintloop")
	}
	// Fall back to ~/.config/sprintloop
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sprintloop"
	}
	return filepath.Join(home, ".config", "sprintloop")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
