package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

// maxErrorLen bounds the failure text carried into the document.
const maxErrorLen = 2000

// spawn starts a worker for sp. It returns false and a failure event when
// the worker could not be started.
func (e *Executor) spawn(ctx context.Context, sp machine.Spawn) (machine.Event, bool) {
	id := uuid.NewString()
	logger := e.logger.WithPhase(sp.PhaseID).With("node", sp.Path, "invocation", id)

	if e.runner == nil {
		logger.Error("no worker runner configured")
		return e.refused(sp, "no worker runner configured"), false
	}

	if sp.Parallel && sp.StepID != "" && e.sched != nil && e.sched.PhaseID() == sp.PhaseID {
		// The next sub-phase of a running step reuses the step's slot.
		if n, ok := e.sched.Node(sp.StepID); !ok || n.Status != scheduler.StatusRunning {
			if err := e.sched.StartStep(sp.StepID, id); err != nil {
				logger.Error("scheduler refused to start step", "error", err)
				return e.refused(sp, err.Error()), false
			}
		}
	}

	inv := worker.Invocation{ID: id, Prompt: sp.Prompt, WorkDir: e.workDir}

	e.mu.Lock()
	e.inflight[id] = sp
	e.mu.Unlock()

	// Workers are not stopped with the caller's context; they finish or
	// hit their own timeout.
	runCtx := context.WithoutCancel(ctx)
	logger.Info("worker started", "parallel", sp.Parallel)
	e.wg.Go(func() {
		res, err := e.runner.Run(runCtx, inv)
		e.finish(completion{id: id, spawn: sp, result: res, err: err, at: e.now()})
	})
	return machine.Event{}, true
}

func (e *Executor) refused(sp machine.Spawn, reason string) machine.Event {
	node := sp.Node.Clone()
	return machine.Event{
		Type:     failedEvent(sp),
		At:       e.now(),
		Node:     &node,
		PhaseID:  sp.PhaseID,
		StepID:   sp.StepID,
		Category: retry.CategoryLogic,
		Error:    "worker not started: " + reason,
		ExitCode: -1,
	}
}

func (e *Executor) finish(c completion) {
	e.mu.Lock()
	delete(e.inflight, c.id)
	e.done = append(e.done, c)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// InFlight returns the number of workers that have not finished.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Pending returns the number of workers whose results have not been
// collected by Await, whether or not they are still running.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight) + len(e.done)
}

// Await blocks until at least one worker finishes and returns the events
// for every finished worker. It returns nil at once when no worker is in
// flight and none has finished since the last call.
func (e *Executor) Await(ctx context.Context) ([]machine.Event, error) {
	for {
		e.mu.Lock()
		batch := e.done
		e.done = nil
		running := len(e.inflight)
		e.mu.Unlock()

		if len(batch) > 0 {
			return e.events(batch), nil
		}
		if running == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.notify:
		}
	}
}

func (e *Executor) events(batch []completion) []machine.Event {
	var out []machine.Event
	for _, c := range batch {
		out = append(out, e.toEvents(c)...)
	}
	return out
}

// toEvents maps a finished invocation to machine events. A successful
// result that proposes steps yields PROPOSE_STEPS before the completion so
// the new steps are in the phase when it rolls up.
func (e *Executor) toEvents(c completion) []machine.Event {
	sp := c.spawn
	logger := e.logger.WithPhase(sp.PhaseID).With("node", sp.Path, "invocation", c.id)
	node := sp.Node.Clone()
	base := machine.Event{At: c.at, Node: &node, PhaseID: sp.PhaseID, StepID: sp.StepID}

	if c.err != nil {
		if errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded) {
			logger.Info("worker cancelled")
			return nil
		}
		logger.Error("worker could not run", "error", c.err)
		ev := base
		ev.Type = failedEvent(sp)
		ev.ExitCode = -1
		ev.Error = c.err.Error()
		ev.Category = retry.Classify(-1, ev.Error).Category
		return []machine.Event{ev}
	}

	res := c.result
	sr := res.Structured
	if res.Failed() {
		ev := base
		ev.Type = failedEvent(sp)
		ev.ExitCode = res.ExitCode
		ev.Error = failureMessage(res)
		switch {
		case sr != nil && sr.ParseError != "":
			ev.Category = retry.CategoryValidation
		case sr != nil && sr.Error != "":
			ev.Category = retry.Classify(res.ExitCode, sr.Error+"\n"+res.Output).Category
		default:
			ev.Category = retry.Classify(res.ExitCode, res.Output).Category
		}
		logger.Warn("worker failed", "exit_code", res.ExitCode, "category", string(ev.Category),
			"duration", res.Duration.String())
		return []machine.Event{ev}
	}

	e.tracker.RecordSuccess(sp.Path)
	logger.Info("worker finished", "duration", res.Duration.String())

	if sr != nil {
		switch sr.Status {
		case worker.StatusHumanNeeded:
			ev := base
			ev.Type = machine.EventHumanNeeded
			ev.Reason = firstNonEmpty(sr.Reason, sr.Summary, "worker requested human input")
			ev.Details = sr.Details
			return []machine.Event{ev}
		case worker.StatusGoalComplete:
			ev := base
			ev.Type = machine.EventGoalComplete
			ev.Summary = sr.Summary
			return []machine.Event{ev}
		}
	}

	var out []machine.Event
	if steps := sr.Steps(); len(steps) > 0 {
		ev := base
		ev.Type = machine.EventProposeSteps
		ev.Steps = steps
		out = append(out, ev)
	}
	ev := base
	ev.Type = completedEvent(sp)
	if sr != nil {
		ev.Summary = sr.Summary
	}
	if ev.Summary == "" {
		ev.Summary = firstLine(res.Text)
	}
	return append(out, ev)
}

func failedEvent(sp machine.Spawn) machine.EventType {
	if sp.StepID == "" {
		return machine.EventPhaseFailed
	}
	return machine.EventStepFailed
}

func completedEvent(sp machine.Spawn) machine.EventType {
	if sp.StepID == "" {
		return machine.EventPhaseComplete
	}
	return machine.EventStepComplete
}

// failureMessage picks the most specific description of a failed result.
func failureMessage(res worker.Result) string {
	var msg string
	switch sr := res.Structured; {
	case sr != nil && sr.ParseError != "":
		msg = sr.ParseError
	case sr != nil && sr.Error != "":
		msg = sr.Error
	case res.TimedOut:
		msg = fmt.Sprintf("worker timed out after %s", res.Duration.Round(time.Second))
	case res.IsError && strings.TrimSpace(res.Text) != "":
		msg = res.Text
	case strings.TrimSpace(res.Output) != "":
		msg = tail(res.Output, maxErrorLen)
	default:
		msg = fmt.Sprintf("worker exited with code %d", res.ExitCode)
	}
	return tail(strings.TrimSpace(msg), maxErrorLen)
}

// tail keeps the last n bytes of s, where workers print their final error.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
