package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sprintloop/internal/activity"
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/status"
	"github.com/Iron-Ham/sprintloop/internal/watch"
)

var (
	statusWatch    bool
	statusActivity int
)

var statusCmd = &cobra.Command{
	Use:   "status <sprint>",
	Short: "Show the progress of a sprint",
	Long: `Display a sprint's phase tree, counts and any pause, breakpoint or
escalation details.

With --watch the view is redrawn whenever the progress document changes,
until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Redraw on every change")
	statusCmd.Flags().IntVarP(&statusActivity, "activity", "a", 0, "Also show the last N activity events")
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	target, err := openSprint(args[0])
	if err != nil {
		return err
	}

	if !statusWatch {
		renderStatus(out, target.dir, target.doc)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshots, err := watch.Watch(ctx, target.path, watch.Options{})
	if err != nil {
		return err
	}
	for snap := range snapshots {
		// Unreadable snapshots happen mid-write; keep the last good view.
		if snap.Err != nil {
			continue
		}
		fmt.Fprint(out, "\033[H\033[2J")
		renderStatus(out, target.dir, snap.Doc)
	}
	return nil
}

func renderStatus(w io.Writer, dir string, doc *progress.Progress) {
	fmt.Fprintln(w, status.Render(doc, status.Options{Width: status.TerminalWidth()}))
	if statusActivity <= 0 {
		return
	}
	events, err := activity.ReadLog(afero.NewOsFs(), filepath.Join(dir, activity.FileName))
	if err != nil || len(events) == 0 {
		return
	}
	if len(events) > statusActivity {
		events = events[len(events)-statusActivity:]
	}
	fmt.Fprintln(w)
	width := status.TerminalWidth()
	for _, ev := range events {
		fmt.Fprintln(w, status.ActivityLine(ev, width))
	}
}
