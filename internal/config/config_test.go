package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Loop.MaxIterations != 100 {
		t.Errorf("Loop.MaxIterations = %d, want 100", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.PollIntervalMs != 1000 {
		t.Errorf("Loop.PollIntervalMs = %d, want 1000", cfg.Loop.PollIntervalMs)
	}
	if cfg.Worker.Command != "claude" {
		t.Errorf("Worker.Command = %q, want %q", cfg.Worker.Command, "claude")
	}
	if cfg.Worker.TimeoutMinutes != 30 {
		t.Errorf("Worker.TimeoutMinutes = %d, want 30", cfg.Worker.TimeoutMinutes)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if diff := cmp.Diff([]int{30, 60, 120, 300}, cfg.Retry.BackoffSeconds); diff != "" {
		t.Errorf("Retry.BackoffSeconds mismatch (-want +got):\n%s", diff)
	}
	if cfg.Scheduler.FailurePolicy != "skip-dependents" {
		t.Errorf("Scheduler.FailurePolicy = %q, want skip-dependents", cfg.Scheduler.FailurePolicy)
	}
	if cfg.Locks.DirName != ".sprint-locks" {
		t.Errorf("Locks.DirName = %q, want .sprint-locks", cfg.Locks.DirName)
	}
	if !cfg.Logging.Enabled {
		t.Error("Logging.Enabled should be true by default")
	}
}

func TestDurations(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"poll interval", (&LoopConfig{PollIntervalMs: 250}).PollInterval(), 250 * time.Millisecond},
		{"max duration", (&LoopConfig{MaxDurationMinutes: 2}).MaxDuration(), 2 * time.Minute},
		{"disabled duration", (&LoopConfig{}).MaxDuration(), 0},
		{"worker timeout", (&WorkerConfig{TimeoutMinutes: 5}).Timeout(), 5 * time.Minute},
		{"stale after", (&LocksConfig{StaleAfterMinutes: 90}).StaleAfter(), 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestResolveSprintsDir(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"default", "", "/repo/.sprints"},
		{"relative", "work/sprints", "/repo/work/sprints"},
		{"absolute", "/var/sprints", "/var/sprints"},
		{"home", "~/sprints", filepath.Join(home, "sprints")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{SprintsDir: tt.dir}
			if got := p.ResolveSprintsDir("/repo"); got != tt.want {
				t.Errorf("ResolveSprintsDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/sprintloop" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/sprintloop")
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "sprintloop")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigFile(); got != "/custom/config/sprintloop/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
loop:
  max_iterations: 7
worker:
  model: opus
  allowed_tools: [Read, Edit]
retry:
  retry_on: [network]
scheduler:
  failure_policy: continue
breakpoints:
  - "build/**"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Loop.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want 7", cfg.Loop.MaxIterations)
	}
	if cfg.Loop.PollIntervalMs != 1000 {
		t.Errorf("PollIntervalMs = %d, want default 1000", cfg.Loop.PollIntervalMs)
	}
	if diff := cmp.Diff([]string{"Read", "Edit"}, cfg.Worker.AllowedTools); diff != "" {
		t.Errorf("AllowedTools mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"build/**"}, cfg.Breakpoints); diff != "" {
		t.Errorf("Breakpoints mismatch (-want +got):\n%s", diff)
	}
	if cfg.Scheduler.FailurePolicy != "continue" {
		t.Errorf("FailurePolicy = %q", cfg.Scheduler.FailurePolicy)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("scheduler.failure_policy", "explode")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject an unknown failure policy")
	}
}

func TestGet_FallsBackToDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Worker.Command != "claude" {
		t.Errorf("Get().Worker.Command = %q, want claude", cfg.Worker.Command)
	}
}

func TestMergeDocument(t *testing.T) {
	cfg := Default()

	t.Run("no overrides", func(t *testing.T) {
		policy, sched, err := MergeDocument(cfg, &progress.Progress{})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(retry.DefaultPolicy(), policy); diff != "" {
			t.Errorf("policy mismatch (-want +got):\n%s", diff)
		}
		if sched.MaxConcurrency != 3 || sched.FailurePolicy != scheduler.SkipDependents {
			t.Errorf("scheduler config = %+v", sched)
		}
	})

	t.Run("document wins", func(t *testing.T) {
		doc := &progress.Progress{
			Retry: &progress.RetryConfig{MaxAttempts: 1, RetryOn: []string{"timeout"}, BackoffMs: []int64{10}},
			Parallel: &progress.ParallelExecution{
				MaxConcurrency: 8,
				FailurePolicy:  "fail-phase",
			},
		}
		policy, sched, err := MergeDocument(cfg, doc)
		if err != nil {
			t.Fatal(err)
		}
		want := retry.Policy{
			MaxAttempts: 1,
			RetryOn:     []retry.Category{retry.CategoryTimeout},
			Backoff:     []time.Duration{10 * time.Millisecond},
		}
		if diff := cmp.Diff(want, policy); diff != "" {
			t.Errorf("policy mismatch (-want +got):\n%s", diff)
		}
		if sched.MaxConcurrency != 8 || sched.FailurePolicy != scheduler.FailPhase {
			t.Errorf("scheduler config = %+v", sched)
		}
	})

	t.Run("bad document policy", func(t *testing.T) {
		doc := &progress.Progress{Parallel: &progress.ParallelExecution{FailurePolicy: "nope"}}
		if _, _, err := MergeDocument(cfg, doc); err == nil {
			t.Error("expected an error for an unknown failure policy")
		}
	})

	t.Run("bad document category", func(t *testing.T) {
		doc := &progress.Progress{Retry: &progress.RetryConfig{RetryOn: []string{"gremlins"}}}
		if _, _, err := MergeDocument(cfg, doc); err == nil {
			t.Error("expected an error for an unknown category")
		}
	})
}
