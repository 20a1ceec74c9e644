package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sprintloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify sprintloop configuration",
	Long: `View or modify sprintloop configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  sprintloop config set loop.max_iterations 200
  sprintloop config set scheduler.failure_policy fail-phase

Valid keys:
  loop.max_iterations          - TICKs per run before the sprint pauses (0 = unlimited)
  loop.max_duration_minutes    - Wall-clock budget per run (0 = disabled)
  loop.poll_interval_ms        - Sleep between checks while waiting on a retry
  worker.command               - Worker executable
  worker.model                 - Model passed to the worker
  worker.timeout_minutes       - Per-invocation timeout (0 = disabled)
  retry.max_attempts           - Retries per node for retryable failures
  scheduler.max_concurrency    - Parallel steps at once (0 = unlimited)
  scheduler.failure_policy     - Options: skip-dependents, fail-phase, continue
  locks.stale_after_minutes    - Age after which a lock is reclaimed
  logging.enabled              - Write debug.log in the sprint directory (true/false)
  logging.level                - Options: debug, info, warn, error
  logging.max_size_mb          - Rotate debug.log past this size (0 = never)
  logging.max_backups          - Rotated debug logs to keep
  paths.sprints_dir            - Where sprints live inside a worktree`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/sprintloop/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

// configKeys maps settable keys to their value kind.
var configKeys = map[string]string{
	"loop.max_iterations":       "int",
	"loop.max_duration_minutes": "int",
	"loop.poll_interval_ms":     "int",
	"worker.command":            "string",
	"worker.model":              "string",
	"worker.timeout_minutes":    "int",
	"retry.max_attempts":        "int",
	"scheduler.max_concurrency": "int",
	"scheduler.failure_policy":  "string",
	"locks.stale_after_minutes": "int",
	"logging.enabled":           "bool",
	"logging.level":             "string",
	"logging.max_size_mb":       "int",
	"logging.max_backups":       "int",
	"paths.sprints_dir":         "string",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Current configuration:")
	fmt.Fprintln(out)

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "loop:")
	fmt.Fprintf(out, "  max_iterations: %d\n", cfg.Loop.MaxIterations)
	fmt.Fprintf(out, "  max_duration_minutes: %d\n", cfg.Loop.MaxDurationMinutes)
	fmt.Fprintf(out, "  poll_interval_ms: %d\n", cfg.Loop.PollIntervalMs)

	fmt.Fprintln(out, "worker:")
	fmt.Fprintf(out, "  command: %s\n", cfg.Worker.Command)
	fmt.Fprintf(out, "  model: %s\n", cfg.Worker.Model)
	fmt.Fprintf(out, "  timeout_minutes: %d\n", cfg.Worker.TimeoutMinutes)
	fmt.Fprintf(out, "  allowed_tools: %v\n", cfg.Worker.AllowedTools)

	fmt.Fprintln(out, "retry:")
	fmt.Fprintf(out, "  max_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Fprintf(out, "  retry_on: %v\n", cfg.Retry.RetryOn)
	fmt.Fprintf(out, "  backoff_seconds: %v\n", cfg.Retry.BackoffSeconds)

	fmt.Fprintln(out, "scheduler:")
	fmt.Fprintf(out, "  max_concurrency: %d\n", cfg.Scheduler.MaxConcurrency)
	fmt.Fprintf(out, "  failure_policy: %s\n", cfg.Scheduler.FailurePolicy)

	fmt.Fprintln(out, "locks:")
	fmt.Fprintf(out, "  dir_name: %s\n", cfg.Locks.DirName)
	fmt.Fprintf(out, "  stale_after_minutes: %d\n", cfg.Locks.StaleAfterMinutes)

	fmt.Fprintf(out, "breakpoints: %v\n", cfg.Breakpoints)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(out, "  max_backups: %d\n", cfg.Logging.MaxBackups)

	fmt.Fprintln(out, "paths:")
	fmt.Fprintf(out, "  sprints_dir: %s\n", cfg.Paths.SprintsDir)

	return nil
}

// parseConfigValue checks value against the kind of key.
func parseConfigValue(key, value string) (any, error) {
	kind, ok := configKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'sprintloop config set --help' to see valid keys", key)
	}

	switch kind {
	case "bool":
		if value != "true" && value != "false" {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return value == "true", nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	}

	var valid []string
	switch key {
	case "scheduler.failure_policy":
		valid = config.ValidFailurePolicies()
	case "logging.level":
		valid = config.ValidLogLevels()
	}
	if valid != nil && !slices.Contains(valid, value) {
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s", key, value, strings.Join(valid, ", "))
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	typedValue, err := parseConfigValue(key, args[1])
	if err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigContent = `# sprintloop configuration

# Bounds for one run of the main loop
loop:
  # TICKs per run before the sprint pauses (0 = unlimited)
  max_iterations: 100
  # Wall-clock budget per run in minutes (0 = disabled)
  max_duration_minutes: 0
  # How often to check for a pause request while waiting on a retry
  poll_interval_ms: 1000

# How workers are invoked
worker:
  command: claude
  # Empty uses the worker default
  model: ""
  timeout_minutes: 30
  allowed_tools: []
  extra_args: []

# Retries for transient failures
retry:
  max_attempts: 3
  retry_on: [network, rate-limit, timeout]
  backoff_seconds: [30, 60, 120, 300]

# Parallel phases
scheduler:
  # Steps running at once (0 = unlimited)
  max_concurrency: 3
  # skip-dependents, fail-phase or continue
  failure_policy: skip-dependents

locks:
  dir_name: .sprint-locks
  stale_after_minutes: 60

# Glob patterns over node paths (phase/step/sub-phase) to stop at
breakpoints: []

logging:
  enabled: true
  level: info
  # Rotate debug.log past this size (0 = never)
  max_size_mb: 10
  max_backups: 3

paths:
  sprints_dir: .sprints
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'sprintloop config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. $HOME/.config/sprintloop/config.yaml\n")
	fmt.Fprintf(out, "  3. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: SPRINTLOOP_* (e.g., SPRINTLOOP_LOOP_MAX_ITERATIONS)")
	return nil
}
