package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/lock"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean up worktree locks",
	Long: `Locks coordinate sprint runs and branch use across the worktrees of one
repository. They live in a directory under the main worktree.`,
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	Args:  cobra.NoArgs,
	RunE:  runLocksList,
}

var (
	locksMaxAge time.Duration
	locksSprint string
)

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale locks",
	Long: `Remove locks whose owner process is gone, or that are older than
--max-age (default: locks.stale_after_minutes).`,
	Args: cobra.NoArgs,
	RunE: runLocksCleanup,
}

var locksCheckBranchCmd = &cobra.Command{
	Use:   "check-branch <branch>",
	Short: "Check whether a branch is in use by another worktree or sprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runLocksCheckBranch,
}

func init() {
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksCleanupCmd)
	locksCmd.AddCommand(locksCheckBranchCmd)

	locksCleanupCmd.Flags().DurationVar(&locksMaxAge, "max-age", 0, "Age after which a lock is stale")
	locksCheckBranchCmd.Flags().StringVar(&locksSprint, "sprint", "", "Sprint id to exclude from the check")
}

func locksManager() (*lock.Manager, time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get current directory: %w", err)
	}
	m, err := lock.NewManager(cwd, lock.Options{DirName: cfg.Locks.DirName})
	if err != nil {
		return nil, 0, err
	}
	return m, cfg.Locks.StaleAfter(), nil
}

func runLocksList(cmd *cobra.Command, args []string) error {
	m, maxAge, err := locksManager()
	if err != nil {
		return err
	}
	records, err := m.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No locks held")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tRESOURCE\tOWNER\tAGE\tSTATE")
	for _, rec := range records {
		state := "held"
		if m.IsStale(rec, maxAge) {
			state = "stale"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.Operation, rec.Resource(), rec.OwnerID(), rec.Age(now).Truncate(time.Second), state)
	}
	return tw.Flush()
}

func runLocksCleanup(cmd *cobra.Command, args []string) error {
	m, maxAge, err := locksManager()
	if err != nil {
		return err
	}
	if locksMaxAge > 0 {
		maxAge = locksMaxAge
	}
	out := cmd.OutOrStdout()
	removed, err := m.CleanupStale(maxAge)
	if errors.Is(err, errors.ErrLockDirBusy) {
		fmt.Fprintln(out, "Lock directory busy; no locks removed. Try again shortly.")
		return nil
	}
	if err != nil {
		return err
	}
	for _, path := range removed {
		fmt.Fprintf(out, "Removed %s\n", path)
	}
	fmt.Fprintf(out, "%d stale lock(s) removed\n", len(removed))
	return nil
}

func runLocksCheckBranch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, maxAge, err := locksManager()
	if err != nil {
		return err
	}
	branch := args[0]
	res, err := m.CheckBranchConflict(lock.ConflictOptions{
		Branch:      branch,
		SprintID:    locksSprint,
		SprintsDir:  cfg.Paths.SprintsDir,
		MaxAge:      maxAge,
		Suggestions: 3,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.HasConflict {
		fmt.Fprintf(out, "Branch %s is free\n", branch)
		return nil
	}
	printConflict(out, branch, res)
	return fmt.Errorf("branch %s is in use", branch)
}
