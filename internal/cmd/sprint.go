package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/sprintloop/internal/config"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/lock"
	"github.com/Iron-Ham/sprintloop/internal/logging"
	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// loadConfig reads the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveProgressPath accepts a progress document, a sprint directory, or a
// sprint id looked up under the configured sprints directory.
func resolveProgressPath(arg string, cfg *config.Config) (string, error) {
	if info, err := os.Stat(arg); err == nil {
		if info.IsDir() {
			return checkProgress(filepath.Join(arg, persist.ProgressFileName))
		}
		return filepath.Abs(arg)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	base := cwd
	if repo, err := lock.FindRepo(cwd); err == nil {
		base = repo.Root
	}
	return checkProgress(filepath.Join(cfg.Paths.ResolveSprintsDir(base), arg, persist.ProgressFileName))
}

func checkProgress(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(errors.ErrProgressNotFound, "%s", path)
	}
	return filepath.Abs(path)
}

// sprintTarget is a progress document opened for a command.
type sprintTarget struct {
	cfg  *config.Config
	path string
	dir  string
	doc  *progress.Progress
}

func openSprint(arg string) (*sprintTarget, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := resolveProgressPath(arg, cfg)
	if err != nil {
		return nil, err
	}
	doc, err := persist.ReadProgress(path)
	if err != nil {
		return nil, err
	}
	return &sprintTarget{cfg: cfg, path: path, dir: filepath.Dir(path), doc: doc}, nil
}

// logger opens the sprint's debug log, or a discarding logger when logging
// is disabled.
func (s *sprintTarget) logger() (*logging.Logger, error) {
	if !s.cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	l, err := logging.NewRotatingLogger(s.dir, s.cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  s.cfg.Logging.MaxSizeMB,
		MaxBackups: s.cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, err
	}
	return l.WithSprint(s.doc.SprintID), nil
}

func (s *sprintTarget) lockManager(logger *logging.Logger) (*lock.Manager, error) {
	return lock.NewManager(s.dir, lock.Options{DirName: s.cfg.Locks.DirName, Logger: logger})
}

// runningLock returns the live sprint-run lock on this sprint, if any.
func (s *sprintTarget) runningLock(m *lock.Manager) *lock.Record {
	records, err := m.List()
	if err != nil {
		return nil
	}
	for _, rec := range records {
		if rec.Operation == lock.OpSprintRun && rec.SprintID == s.doc.SprintID &&
			!m.IsStale(rec, s.cfg.Locks.StaleAfter()) {
			return rec
		}
	}
	return nil
}

// warnBranchConflict prints other users of the sprint's branch. The check
// is advisory and never stops a run.
func (s *sprintTarget) warnBranchConflict(w io.Writer, m *lock.Manager) {
	if s.doc.Branch == "" {
		return
	}
	res, err := m.CheckBranchConflict(lock.ConflictOptions{
		Branch:     s.doc.Branch,
		SprintID:   s.doc.SprintID,
		SprintsDir: s.cfg.Paths.SprintsDir,
		MaxAge:     s.cfg.Locks.StaleAfter(),
	})
	if err != nil || !res.HasConflict {
		return
	}
	printConflict(w, s.doc.Branch, res)
}

func printConflict(w io.Writer, branch string, res *lock.ConflictResult) {
	fmt.Fprintf(w, "Branch %s is in use:\n", branch)
	for _, rec := range res.Locks {
		fmt.Fprintf(w, "  lock: %s\n", rec)
	}
	for _, sp := range res.Sprints {
		fmt.Fprintf(w, "  sprint %s (%s) in %s\n", sp.SprintID, sp.Status, sp.WorktreePath)
	}
	if len(res.Suggestions) > 0 {
		fmt.Fprintf(w, "Unused alternatives: %s\n", strings.Join(res.Suggestions, ", "))
	}
}
