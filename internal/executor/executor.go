// Package executor carries out the actions a state transition produces.
//
// The state machine is pure: it describes worker invocations, document
// patches and telemetry as actions. The executor is the only component that
// mutates the progress document, persists it, starts workers, and keeps the
// dependency scheduler of the active parallel phase in sync with the
// document.
//
// Workers run in goroutines. Their results are collected in the background
// and turned into machine events by Await, so the loop never blocks on a
// worker while it still has transitions to run.
package executor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/sprintloop/internal/activity"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/logging"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

// Options configures an Executor.
type Options struct {
	// Path is the progress document the executor persists to.
	Path  string
	Store *persist.Store

	Runner worker.Runner
	// WorkDir is where workers run. Empty means the current directory.
	WorkDir string

	Sink   activity.Sink
	Logger *logging.Logger

	Policy    retry.Policy
	Scheduler scheduler.Config

	// Now is the clock for timestamps the executor adds itself.
	Now func() time.Time
}

// Outcome is the result of executing one transition's actions.
type Outcome struct {
	// Doc is the document after every patch was applied.
	Doc *progress.Progress
	// Events are follow-up events produced synchronously, such as the
	// failure of a spawn the scheduler refused.
	Events []machine.Event
	// Spawned counts worker invocations started.
	Spawned int
}

// completion is one finished worker invocation.
type completion struct {
	id     string
	spawn  machine.Spawn
	result worker.Result
	err    error
	at     time.Time
}

// Executor executes actions. Execute, Await and ParallelView are called
// from the loop goroutine; worker goroutines only touch the completion
// queue.
type Executor struct {
	path    string
	store   *persist.Store
	runner  worker.Runner
	workDir string
	sink    activity.Sink
	logger  *logging.Logger
	policy  retry.Policy
	cfg     scheduler.Config
	now     func() time.Time
	tracker *retry.Tracker

	sched *scheduler.Scheduler

	wg       conc.WaitGroup
	mu       sync.Mutex
	inflight map[string]machine.Spawn
	done     []completion
	notify   chan struct{}
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Store == nil {
		opts.Store = persist.NewStore(nil)
	}
	if opts.Sink == nil {
		opts.Sink = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scheduler.Now == nil {
		opts.Scheduler.Now = opts.Now
	}
	return &Executor{
		path:     opts.Path,
		store:    opts.Store,
		runner:   opts.Runner,
		workDir:  opts.WorkDir,
		sink:     opts.Sink,
		logger:   opts.Logger,
		policy:   opts.Policy,
		cfg:      opts.Scheduler,
		now:      opts.Now,
		tracker:  retry.NewTracker(),
		inflight: make(map[string]machine.Spawn),
		notify:   make(chan struct{}, 1),
	}
}

// Tracker returns the retry history of this run.
func (e *Executor) Tracker() *retry.Tracker { return e.tracker }

// Scheduler returns the scheduler of the active parallel phase, or nil.
func (e *Executor) Scheduler() *scheduler.Scheduler { return e.sched }

// Execute runs actions in order against doc and returns the updated
// document. doc itself is not modified. Workers started by SPAWN_CLAUDE
// keep running when ctx is cancelled.
//
// Persistence failures are fatal and returned immediately. Everything else
// (a refused injection, a failing activity sink) is logged and execution
// continues.
func (e *Executor) Execute(ctx context.Context, actions []machine.Action, doc *progress.Progress) (Outcome, error) {
	out := Outcome{Doc: doc.Clone()}
	for _, a := range actions {
		switch a.Type {
		case machine.ActionLog:
			e.logger.Log(a.Level, a.Message, a.Fields...)

		case machine.ActionWriteProgress:
			if err := e.writeProgress(a.Patch, out.Doc); err != nil {
				return out, err
			}

		case machine.ActionUpdateStats:
			out.Doc.RecomputeStats(e.now())
			if err := e.persist(out.Doc); err != nil {
				return out, err
			}

		case machine.ActionSpawnClaude:
			if a.Spawn == nil {
				continue
			}
			if ev, ok := e.spawn(ctx, *a.Spawn); ok {
				out.Spawned++
			} else {
				out.Events = append(out.Events, ev)
			}

		case machine.ActionScheduleRetry:
			if a.Retry != nil {
				e.scheduleRetry(*a.Retry)
			}

		case machine.ActionInsertStep:
			if a.Insert == nil {
				continue
			}
			if err := e.insertStep(*a.Insert, out.Doc); err != nil {
				return out, err
			}

		case machine.ActionEmitActivity:
			if a.Activity != nil {
				e.emit(out.Doc.SprintID, *a.Activity)
			}

		default:
			e.logger.Warn("unknown action", "type", string(a.Type))
		}
	}
	return out, nil
}

// writeProgress applies the patch, brings the scheduler in line with the
// patched document, and persists.
func (e *Executor) writeProgress(p *machine.Patch, doc *progress.Progress) error {
	for _, ptr := range p.Apply(doc) {
		e.logger.Warn("patch addresses a missing node", "node", ptr.String())
	}
	e.syncScheduler(doc)
	return e.persist(doc)
}

func (e *Executor) persist(doc *progress.Progress) error {
	if err := e.store.WriteProgressAtomic(e.path, doc); err != nil {
		e.logger.Error("failed to persist progress", "error", err)
		return err
	}
	return nil
}

// syncScheduler mirrors step statuses of the active parallel phase into
// its scheduler and exports the live graph back into the document.
func (e *Executor) syncScheduler(doc *progress.Progress) {
	if e.sched == nil {
		return
	}
	i := doc.PhaseIndex(e.sched.PhaseID())
	if i < 0 {
		e.sched = nil
		return
	}

	at := e.now()
	ph := &doc.Phases[i]
	for j := range ph.Steps {
		st := &ph.Steps[j]
		n, ok := e.sched.Node(st.ID)
		if !ok {
			continue
		}
		// A step settled without a worker, such as a refused spawn, still
		// has to pass through running for the scheduler to accept it.
		if n.Status == scheduler.StatusReady && st.Status.IsTerminal() {
			if err := e.sched.StartStep(st.ID, ""); err == nil {
				n.Status = scheduler.StatusRunning
			}
		}
		switch {
		case n.Status == scheduler.StatusRunning && st.Status == progress.StatusCompleted:
			if _, err := e.sched.CompleteStep(st.ID); err != nil {
				e.logger.Warn("scheduler rejected completion", "step", st.ID, "error", err)
			}

		case n.Status == scheduler.StatusRunning && (st.Status == progress.StatusFailed || st.Status == progress.StatusSkipped):
			res, err := e.sched.FailStep(st.ID, errors.New(st.LastError))
			if err != nil {
				e.logger.Warn("scheduler rejected failure", "step", st.ID, "error", err)
				continue
			}
			for _, id := range res.Skipped {
				skipStep(ph, id, machine.DependencySkipPrefix+st.ID, at)
			}
			if res.AbortPhase {
				e.logger.Warn("phase aborted by failure policy", "phase", ph.ID, "step", st.ID)
			}

		case n.Status == scheduler.StatusRunning && st.Status == progress.StatusPending:
			if err := e.sched.RequeueStep(st.ID); err != nil {
				e.logger.Warn("scheduler rejected requeue", "step", st.ID, "error", err)
			}

		case (n.Status == scheduler.StatusFailed || n.Status == scheduler.StatusSkipped) && st.Status == progress.StatusPending:
			if err := e.sched.ResetStep(st.ID); err != nil {
				e.logger.Warn("scheduler rejected reset", "step", st.ID, "error", err)
			}
		}
	}

	if doc.Parallel == nil {
		doc.Parallel = &progress.ParallelExecution{}
	}
	doc.Parallel.DependencyGraphs = e.sched.ExportDependencyGraphs(doc.Parallel.DependencyGraphs)
	doc.Parallel.StepQueue = e.sched.StepQueue()
}

// skipStep marks a step and its open sub-phases skipped.
func skipStep(ph *progress.Phase, id, reason string, at time.Time) {
	for j := range ph.Steps {
		st := &ph.Steps[j]
		if st.ID != id {
			continue
		}
		skip := func(n *progress.NodeState) {
			if n.Status.Done() {
				return
			}
			t := at
			n.Status = progress.StatusSkipped
			n.CompletedAt = &t
			n.LastError = reason
			n.NextRetryAt = nil
		}
		skip(&st.NodeState)
		for k := range st.SubPhases {
			skip(&st.SubPhases[k].NodeState)
		}
		return
	}
}

// ParallelView returns the scheduler view for the phase the next transition
// will work on, building a scheduler from the document when that phase is
// parallel and differs from the current one. It returns nil when the
// active phase is sequential.
func (e *Executor) ParallelView(doc *progress.Progress) (*machine.ParallelView, error) {
	i, ok := activeParallelPhase(doc)
	if !ok {
		return nil, nil
	}
	ph := doc.Phases[i]
	if e.sched == nil || e.sched.PhaseID() != ph.ID {
		s, err := scheduler.FromPhase(ph, doc.Parallel.Graph(ph.ID), e.cfg)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("scheduler built", "phase", ph.ID, "steps", len(ph.Steps))
		e.sched = s
	}
	return &machine.ParallelView{
		PhaseID:  ph.ID,
		Ready:    e.sched.GetReadySteps(),
		Running:  e.sched.Running(),
		Complete: e.sched.IsComplete(),
		Aborted:  e.sched.PhaseAborted(),
	}, nil
}

// activeParallelPhase returns the index of the phase the next tick works
// on when that phase fans out through the scheduler.
func activeParallelPhase(doc *progress.Progress) (int, bool) {
	ptr, ok := machine.ActiveStop(doc)
	if !ok || !machine.IsParallelPhase(doc.Phases[ptr.Phase]) {
		return 0, false
	}
	return ptr.Phase, true
}

func (e *Executor) emit(sprintID string, a machine.Activity) {
	ev := activity.Event{Time: e.now(), SprintID: sprintID, Kind: a.Kind, Node: a.Node, Message: a.Message}
	if err := e.sink.Emit(ev); err != nil {
		e.logger.Debug("activity sink failed", "kind", a.Kind, "error", err)
	}
}

func (e *Executor) scheduleRetry(r machine.Retry) {
	e.tracker.RecordFailure(r.Path, e.policy.MaxAttempts, r.Category, r.Error, e.now())
	if e.sched == nil || e.sched.PhaseID() != r.PhaseID || r.StepID == "" {
		return
	}
	// Usually already requeued while syncing the patch.
	if n, ok := e.sched.Node(r.StepID); ok && n.Status == scheduler.StatusRunning {
		if err := e.sched.RequeueStep(r.StepID); err != nil {
			e.logger.Warn("scheduler rejected requeue", "step", r.StepID, "error", err)
		}
	}
}

// insertStep appends a proposed step to its phase. The insertion is built
// on a copy of doc and has to pass the document rules and, for a parallel
// phase, the scheduler; a refusal is logged and changes nothing. Only
// persistence errors are returned.
func (e *Executor) insertStep(ins machine.Insert, doc *progress.Progress) error {
	logger := e.logger.WithPhase(ins.PhaseID).WithStep(ins.Step.ID)
	i := doc.PhaseIndex(ins.PhaseID)
	if i < 0 {
		logger.Warn("step insertion refused", "reason", "unknown phase")
		return nil
	}

	step := ins.Step.Clone()
	for _, d := range ins.DependsOn {
		if !slices.Contains(step.DependsOn, d) {
			step.DependsOn = append(step.DependsOn, d)
		}
	}
	if reason := e.checkInsert(&doc.Phases[i], step); reason != "" {
		logger.Warn("step insertion refused", "reason", reason)
		return nil
	}

	next := doc.Clone()
	ph := &next.Phases[i]
	ph.Steps = append(ph.Steps, step)
	// A finished phase reopens so the pointer comes back for the new step.
	if ph.Status == progress.StatusCompleted {
		ph.Status = progress.StatusInProgress
		ph.CompletedAt = nil
	}
	if err := next.Validate(); err != nil {
		logger.Warn("step insertion refused", "reason", err.Error())
		return nil
	}

	if e.sched != nil && e.sched.PhaseID() == ph.ID {
		if res := e.sched.InjectStep(step, ph.ID, nil); !res.Success {
			logger.Warn("step insertion refused", "reason", res.Reason)
			return nil
		}
		if next.Parallel == nil {
			next.Parallel = &progress.ParallelExecution{}
		}
		next.Parallel.DependencyGraphs = e.sched.ExportDependencyGraphs(next.Parallel.DependencyGraphs)
		next.Parallel.StepQueue = e.sched.StepQueue()
	}

	err := e.store.WithBackup(e.path, func() error {
		return e.store.WriteProgressAtomic(e.path, next)
	})
	if err != nil {
		logger.Error("failed to insert step", "error", err)
		return err
	}
	*doc = *next
	logger.Info("step inserted", "depends_on", step.DependsOn)
	return nil
}

// checkInsert returns why step cannot join ph, or "".
func (e *Executor) checkInsert(ph *progress.Phase, step progress.Step) string {
	if step.ID == "" {
		return "step id is required"
	}
	// A step would turn a running leaf phase into a container.
	if len(ph.Steps) == 0 {
		return "phase has no steps"
	}
	for _, st := range ph.Steps {
		if st.ID == step.ID {
			return fmt.Sprintf("duplicate step id %q", step.ID)
		}
	}
	if !ph.Parallel {
		return ""
	}

	// Dry-run against a scratch scheduler built from the document.
	var graph *progress.DependencyGraph
	if e.sched != nil && e.sched.PhaseID() == ph.ID {
		g := e.sched.ExportDependencyGraph()
		graph = &g
	}
	scratch, err := scheduler.FromPhase(*ph, graph, e.cfg)
	if err != nil {
		return err.Error()
	}
	if res := scratch.InjectStep(step, ph.ID, nil); !res.Success {
		return res.Reason
	}
	return ""
}
