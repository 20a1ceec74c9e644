// Package loop drives a sprint to a resting state.
//
// Each iteration reads the current state, derives the next event, runs it
// through the state machine, and hands the resulting actions to the
// executor. Worker results come back as events and go through the same
// cycle. The loop stops when the sprint completes or parks in a state that
// needs an operator (paused, paused at a breakpoint, blocked, needs human).
package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/sprintloop/internal/activity"
	"github.com/Iron-Ham/sprintloop/internal/config"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/executor"
	"github.com/Iron-Ham/sprintloop/internal/logging"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

// PauseRequestFile is the marker another process drops next to a running
// sprint's document to ask it to pause. Its content is the reason.
const PauseRequestFile = "pause-request"

const defaultPoll = time.Second

// Options configures a Loop.
type Options struct {
	// Path is the progress document.
	Path  string
	Store *persist.Store

	Config  *config.Config
	Runner  worker.Runner
	WorkDir string

	Sink   activity.Sink
	Logger *logging.Logger

	// Now is the clock stamped on events. Nil means time.Now.
	Now func() time.Time
}

// Report summarizes one Run.
type Report struct {
	SprintID string
	Final    progress.SprintStatus
	// Iterations counts the TICK events sent during this run.
	Iterations int
	Spawned    int
	// Results counts worker results fed back into the machine.
	Results int
	Elapsed time.Duration
	Retries map[string]retry.NodeState
}

// Loop runs one sprint document. A Loop is not safe for concurrent use.
type Loop struct {
	path        string
	store       *persist.Store
	cfg         *config.Config
	runner      worker.Runner
	workDir     string
	sink        activity.Sink
	logger      *logging.Logger
	now         func() time.Time
	breakpoints *machine.Breakpoints

	doc    *progress.Progress
	state  machine.State
	policy retry.Policy
	sched  scheduler.Config
	exec   *executor.Executor
	report Report
}

// New creates a loop for the document at opts.Path.
func New(opts Options) (*Loop, error) {
	if opts.Path == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "progress path is required")
	}
	if opts.Store == nil {
		opts.Store = persist.NewStore(nil)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	bp, err := machine.CompileBreakpoints(opts.Config.Breakpoints)
	if err != nil {
		return nil, err
	}
	return &Loop{
		path:        opts.Path,
		store:       opts.Store,
		cfg:         opts.Config,
		runner:      opts.Runner,
		workDir:     opts.WorkDir,
		sink:        opts.Sink,
		logger:      opts.Logger,
		now:         opts.Now,
		breakpoints: bp,
	}, nil
}

// Doc returns the document as of the last executed transition.
func (l *Loop) Doc() *progress.Progress { return l.doc }

// State returns the machine state as of the last executed transition.
func (l *Loop) State() machine.State { return l.state }

// prepare loads the document, repairs what an earlier run left in flight,
// and builds a fresh executor for it.
func (l *Loop) prepare(ctx context.Context) error {
	if repaired, err := l.store.RepairPendingChecksum(l.path); err != nil {
		return err
	} else if repaired {
		l.logger.Warn("completed an interrupted progress write")
	}
	doc, err := l.store.ReadProgress(l.path)
	if err != nil {
		return err
	}
	l.logger = l.logger.WithSprint(doc.SprintID)

	if n := RecoverFromInterrupt(doc); n > 0 {
		l.logger.Info("recovered interrupted sprint", "repairs", n)
		if err := l.store.WriteProgressAtomic(l.path, doc); err != nil {
			return err
		}
	}

	policy, sched, err := config.MergeDocument(l.cfg, doc)
	if err != nil {
		return errors.Wrap(err, "invalid sprint settings")
	}
	l.doc = doc
	l.policy = policy
	l.sched = sched
	l.state = machine.StateFromProgress(doc)
	l.exec = executor.New(executor.Options{
		Path:      l.path,
		Store:     l.store,
		Runner:    l.runner,
		WorkDir:   l.workDir,
		Sink:      l.sink,
		Logger:    l.logger,
		Policy:    policy,
		Scheduler: sched,
		Now:       l.now,
	})
	l.report = Report{SprintID: doc.SprintID}
	return ctx.Err()
}

// Run drives the sprint until it completes or parks. When ctx is cancelled
// the document is marked interrupted and Run returns errors.ErrInterrupted
// without waiting for running workers; the next Run resumes from there.
func (l *Loop) Run(ctx context.Context) (Report, error) {
	if err := l.prepare(context.WithoutCancel(ctx)); err != nil {
		return l.report, err
	}
	started := l.now()
	defer func() { l.report.Elapsed = l.now().Sub(started) }()

	l.logger.Info("sprint loop started", "status", string(l.doc.Status), "iteration", l.doc.Iteration)

	if _, ok := l.state.(machine.NotStarted); ok {
		if _, err := l.step(ctx, l.event(machine.EventStart)); err != nil {
			return l.finish(), err
		}
	}

	needTick := true
	for {
		if ctx.Err() != nil {
			return l.interrupt()
		}
		if machine.IsTerminal(l.state) {
			if l.exec.Pending() > 0 {
				l.logger.Info("waiting for workers of a parked sprint", "running", l.exec.InFlight())
				if err := l.collect(ctx); err != nil {
					return l.finish(), err
				}
				continue
			}
			return l.finish(), nil
		}

		reason, paused := l.pauseRequested()
		budget, exhausted := l.budgetExhausted(started)
		if l.exec.Pending() == 0 {
			switch {
			case paused:
				l.clearPauseRequest()
				ev := l.event(machine.EventPause)
				ev.Reason = reason
				if _, err := l.step(ctx, ev); err != nil {
					return l.finish(), err
				}
				continue
			case exhausted:
				ev := l.event(machine.EventMaxIterationsReached)
				ev.Reason = budget
				if _, err := l.step(ctx, ev); err != nil {
					return l.finish(), err
				}
				continue
			}
		}

		if needTick && !paused && !exhausted {
			l.report.Iterations++
			res, err := l.step(ctx, l.event(machine.EventTick))
			if err != nil {
				return l.finish(), err
			}
			needTick = false
			if l.exec.Pending() == 0 && progressed(res) {
				needTick = true
				continue
			}
		}

		// A worker may already have finished while its spawn was executed,
		// so finished results count as well as running workers.
		if l.exec.Pending() > 0 {
			if err := l.collect(ctx); err != nil {
				return l.finish(), err
			}
			needTick = true
			continue
		}

		l.wait(ctx)
		needTick = true
	}
}

// collect waits for at least one worker result and runs every result
// through the machine. A cancelled ctx returns nil with nothing applied.
func (l *Loop) collect(ctx context.Context) error {
	events, err := l.exec.Await(ctx)
	if err != nil {
		return nil
	}
	for _, ev := range events {
		l.report.Results++
		if _, err := l.step(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Step runs a single external event, such as PAUSE or RESUME from the
// command line, against the persisted document. Workers started by the
// event are awaited and their results applied before Step returns.
func (l *Loop) Step(ctx context.Context, ev machine.Event) (machine.State, error) {
	if err := l.prepare(ctx); err != nil {
		return nil, err
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	if _, err := l.step(ctx, ev); err != nil {
		return l.state, err
	}
	for l.exec.Pending() > 0 {
		if ctx.Err() != nil {
			return l.state, ctx.Err()
		}
		if err := l.collect(ctx); err != nil {
			return l.state, err
		}
	}
	return l.state, nil
}

// step runs ev through the machine and executes the result, then feeds
// back any events the execution produced synchronously.
func (l *Loop) step(ctx context.Context, ev machine.Event) (machine.Result, error) {
	view, err := l.exec.ParallelView(l.doc)
	if err != nil {
		return machine.Result{}, errors.Wrap(err, "build scheduler")
	}
	res := machine.Transition(l.state, ev, machine.Context{
		Doc:           l.doc,
		Policy:        l.policy,
		FailurePolicy: l.sched.FailurePolicy,
		Breakpoints:   l.breakpoints,
		Parallel:      view,
	})

	out, err := l.exec.Execute(ctx, res.Actions, l.doc)
	if err != nil {
		return res, err
	}
	if prev := l.state.Kind(); prev != res.Next.Kind() {
		l.logger.Info("sprint state changed", "event", string(ev.Type), "from", string(prev), "to", string(res.Next.Kind()))
	}
	l.doc = out.Doc
	l.state = res.Next
	l.report.Spawned += out.Spawned

	for _, follow := range out.Events {
		if _, err := l.step(ctx, follow); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (l *Loop) event(t machine.EventType) machine.Event {
	return machine.Event{Type: t, At: l.now()}
}

// interrupt marks the document interrupted. No further transition runs:
// results of workers still running are dropped, and recovery resets their
// nodes on the next load. The workers themselves are left to the caller's
// process group.
func (l *Loop) interrupt() (Report, error) {
	l.logger.Warn("interrupt received", "running", l.exec.InFlight())
	if machine.IsTerminal(l.state) {
		return l.finish(), nil
	}

	doc := l.doc.Clone()
	at := l.now()
	doc.Status = progress.SprintInterrupted
	doc.InterruptedAt = &at
	if err := l.store.WriteProgressAtomic(l.path, doc); err != nil {
		return l.finish(), err
	}
	l.doc = doc
	return l.finish(), errors.ErrInterrupted
}

func (l *Loop) finish() Report {
	l.report.Final = l.doc.Status
	l.report.Retries = l.exec.Tracker().Snapshot()
	l.logger.Info("sprint loop stopped",
		"status", string(l.report.Final),
		"iterations", l.report.Iterations,
		"spawned", l.report.Spawned)
	return l.report
}

// budgetExhausted reports whether this run used up its iteration or time
// budget, with the reason to pause under.
func (l *Loop) budgetExhausted(started time.Time) (string, bool) {
	if n := l.cfg.Loop.MaxIterations; n > 0 && l.report.Iterations >= n {
		return fmt.Sprintf("iteration budget of %d exhausted", n), true
	}
	if d := l.cfg.Loop.MaxDuration(); d > 0 && l.now().Sub(started) >= d {
		return fmt.Sprintf("time budget of %s exhausted", d), true
	}
	return "", false
}

// wait sleeps until the earliest scheduled retry, or one poll interval when
// none is scheduled. A pause request or cancellation cuts it short.
func (l *Loop) wait(ctx context.Context) {
	poll := l.cfg.Loop.PollInterval()
	if poll <= 0 {
		poll = defaultPoll
	}
	d := poll
	if next, ok := NextRetry(l.doc); ok {
		d = next.Sub(l.now())
	}
	if d <= 0 {
		return
	}
	l.logger.Debug("waiting", "duration", d.String())

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-ticker.C:
			if _, ok := l.pauseRequested(); ok {
				return
			}
		}
	}
}

// progressed reports whether a transition changed anything beyond the
// iteration counter.
func progressed(r machine.Result) bool {
	p := r.Patch
	return p != nil && (len(p.Nodes) > 0 || p.Current != nil || p.Status != "")
}

// NextRetry returns the earliest next-retry-at among pending leaves.
func NextRetry(doc *progress.Progress) (time.Time, bool) {
	var next time.Time
	doc.Leaves(func(_ progress.Pointer, n *progress.NodeState) bool {
		if n.Status == progress.StatusPending && n.NextRetryAt != nil &&
			(next.IsZero() || n.NextRetryAt.Before(next)) {
			next = *n.NextRetryAt
		}
		return true
	})
	return next, !next.IsZero()
}

// PauseRequestPath returns the pause marker path for a progress document.
func PauseRequestPath(progressPath string) string {
	return filepath.Join(filepath.Dir(progressPath), PauseRequestFile)
}

// RequestPause asks the loop running the document at progressPath to pause
// once its in-flight workers finish.
func RequestPause(fs afero.Fs, progressPath, reason string) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if reason == "" {
		reason = "pause requested"
	}
	path := PauseRequestPath(progressPath)
	if err := afero.WriteFile(fs, path, []byte(reason+"\n"), 0o644); err != nil {
		return errors.NewPersistenceError("write", path, err)
	}
	return nil
}

func (l *Loop) pauseRequested() (string, bool) {
	data, err := afero.ReadFile(l.store.Fs(), PauseRequestPath(l.path))
	if err != nil {
		return "", false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "pause requested"
	}
	return reason, true
}

func (l *Loop) clearPauseRequest() {
	if err := l.store.Fs().Remove(PauseRequestPath(l.path)); err != nil {
		l.logger.Warn("failed to remove pause request", "error", err)
	}
}
