package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sprintloop/internal/activity"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/lock"
	"github.com/Iron-Ham/sprintloop/internal/loop"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/status"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <sprint>",
	Short: "Run a sprint until it completes or needs attention",
	Long: `Run drives a sprint until it completes, or stops at a point that needs
an operator: a pause, a breakpoint, a blocking failure, or a worker asking
for a human.

<sprint> is a progress document, a sprint directory, or a sprint id under
the configured sprints directory. Only one run per sprint may be active; the
run holds a sprint-run lock in the repository's lock directory.

SIGINT or SIGTERM marks the sprint interrupted; running workers are left to
the signal they receive from the terminal. The
next run resumes from the last saved position.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSprint(cmd, args[0], false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <sprint>",
	Short: "Resume a paused or escalated sprint and run it",
	Long: `Resume sends RESUME to a sprint that is paused, stopped at a breakpoint,
blocked, or waiting for a human, then runs it like 'sprintloop run'.

After a blocking failure the failed nodes and the steps skipped because of
them are reset with fresh retry budgets.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSprint(cmd, args[0], true)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <sprint> [reason...]",
	Short: "Pause a sprint",
	Long: `Pause stops a sprint at its current position.

If the sprint is being run by another process, a pause request is left for
that run; it pauses once its in-flight workers finish.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPause,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
}

func runSprint(cmd *cobra.Command, arg string, resume bool) error {
	out := cmd.OutOrStdout()
	target, err := openSprint(arg)
	if err != nil {
		return err
	}

	logger, err := target.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	mgr, err := target.lockManager(logger)
	if err != nil {
		return fmt.Errorf("sprints run inside a git repository: %w", err)
	}
	target.warnBranchConflict(out, mgr)

	res, err := mgr.Acquire(lock.OpSprintRun, lock.AcquireOptions{
		SprintID:    target.doc.SprintID,
		Branch:      target.doc.Branch,
		Description: cmd.CommandPath(),
		MaxAge:      target.cfg.Locks.StaleAfter(),
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.Wrapf(errors.ErrLockHeld, "sprint %s is already running: %s", target.doc.SprintID, res.ExistingLock)
	}
	defer func() {
		if relErr := mgr.Release(res.LockPath, res.Lock.OwnerID()); relErr != nil {
			logger.Warn("failed to release sprint lock", "error", relErr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := activity.NewStream(activity.DefaultBuffer)
	printed := printActivity(ctx, out, stream)
	sink := activity.Multi{
		activity.NewFileSink(afero.NewOsFs(), filepath.Join(target.dir, activity.FileName)),
		stream,
	}

	l, err := loop.New(loop.Options{
		Path:    target.path,
		Config:  target.cfg,
		Runner:  worker.NewFromConfig(target.cfg),
		WorkDir: mgr.Repo().Root,
		Sink:    sink,
		Logger:  logger,
	})
	if err != nil {
		stream.Close()
		<-printed
		return err
	}

	if resume {
		state, err := l.Step(ctx, machine.Event{Type: machine.EventResume})
		if err != nil {
			stream.Close()
			<-printed
			return err
		}
		if _, ok := state.(machine.InProgress); !ok {
			stream.Close()
			<-printed
			fmt.Fprintf(out, "Sprint %s is %s; nothing to resume\n", target.doc.SprintID, state.Kind())
			return nil
		}
	}

	rep, runErr := l.Run(ctx)
	stream.Close()
	<-printed

	fmt.Fprintln(out)
	fmt.Fprintln(out, status.Render(l.Doc(), status.Options{Width: status.TerminalWidth()}))
	fmt.Fprintf(out, "\n%d iterations, %d workers, %s\n", rep.Iterations, rep.Spawned, rep.Elapsed.Truncate(time.Second))
	if errors.Is(runErr, errors.ErrInterrupted) {
		fmt.Fprintf(out, "Interrupted. Run 'sprintloop run %s' to continue.\n", arg)
	}
	return runErr
}

// printActivity writes stream events to w until the stream closes. The
// returned channel is closed once printing stops.
func printActivity(ctx context.Context, w io.Writer, stream *activity.Stream) <-chan struct{} {
	done := make(chan struct{})
	events := stream.Subscribe(context.WithoutCancel(ctx))
	width := status.TerminalWidth()
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintln(w, status.ActivityLine(ev, width))
		}
	}()
	return done
}

func runPause(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	target, err := openSprint(args[0])
	if err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")

	if mgr, err := target.lockManager(nil); err == nil {
		if rec := target.runningLock(mgr); rec != nil {
			if err := loop.RequestPause(nil, target.path, reason); err != nil {
				return err
			}
			fmt.Fprintf(out, "Pause requested; the run in %s (pid %d) pauses once its workers finish\n",
				rec.WorktreeID, rec.PID)
			return nil
		}
	}

	logger, err := target.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	l, err := loop.New(loop.Options{Path: target.path, Config: target.cfg, Logger: logger})
	if err != nil {
		return err
	}
	state, err := l.Step(cmd.Context(), machine.Event{Type: machine.EventPause, Reason: reason})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sprint %s is %s\n", target.doc.SprintID, state.Kind())
	return nil
}
