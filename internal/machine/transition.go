package machine

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
)

// Transition maps (state, event, context) to the next state, the actions
// that realize it, and the document patch. It is pure and total.
func Transition(state State, ev Event, c Context) Result {
	if state == nil {
		state = NotStarted{}
	}
	if c.Doc == nil {
		return noop(state, ev, "no progress document")
	}

	b := &builder{c: c, doc: c.Doc, ev: ev, next: state}

	switch s := state.(type) {
	case NotStarted:
		switch ev.Type {
		case EventStart:
			b.start()
		case EventPause:
			b.pause(nil, reasonOr(ev.Reason, "paused before start"))
		default:
			return noop(state, ev, "sprint has not started")
		}

	case InProgress:
		switch ev.Type {
		case EventStart:
			b.log(LevelInfo, "sprint already in progress", "node", b.doc.Path(s.At))
		case EventTick:
			b.tick(s)
		case EventPhaseComplete, EventStepComplete:
			b.complete()
		case EventPhaseFailed, EventStepFailed:
			b.fail()
		case EventProposeSteps:
			b.propose(s)
		case EventPause:
			at := s.At.Clone()
			b.pause(&at, reasonOr(ev.Reason, "paused by operator"))
		case EventBreakpointReached:
			b.pauseAtBreakpoint(s.At, reasonOr(ev.Breakpoint, b.doc.Path(s.At)))
		case EventHumanNeeded:
			b.humanNeeded()
		case EventGoalComplete:
			b.goalComplete()
		case EventMaxIterationsReached:
			at := s.At.Clone()
			b.pause(&at, reasonOr(ev.Reason, "iteration budget exhausted"))
		default:
			return noop(state, ev, "unknown event")
		}

	case Paused:
		switch ev.Type {
		case EventResume:
			b.resumePaused(s)
		case EventPause:
			b.log(LevelInfo, "sprint already paused", "reason", s.Reason)
		default:
			return noop(state, ev, "sprint is paused")
		}

	case PausedAtBreakpoint:
		switch ev.Type {
		case EventResume:
			b.resumeBreakpoint(s)
		default:
			return noop(state, ev, "sprint is paused at a breakpoint")
		}

	case Blocked, NeedsHuman:
		switch ev.Type {
		case EventResume:
			b.resumeEscalated()
		default:
			return noop(state, ev, "sprint is waiting for an operator")
		}

	default:
		return noop(state, ev, "no transitions out of "+string(state.Kind()))
	}

	return b.result()
}

func noop(state State, ev Event, reason string) Result {
	return Result{
		Next: state,
		Actions: []Action{{
			Type:    ActionLog,
			Level:   LevelWarn,
			Message: "event ignored",
			Fields:  []any{"event", string(ev.Type), "state", string(state.Kind()), "reason", reason},
		}},
	}
}

func reasonOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// builder accumulates a transition's output. Actions are assembled as
// LOG..., WRITE_PROGRESS, UPDATE_STATS, effects..., EMIT_ACTIVITY...
type builder struct {
	c    Context
	doc  *progress.Progress
	ev   Event
	next State

	patch   Patch
	ensured map[string]bool
	logs    []Action
	write   bool
	stats   bool
	effects []Action
	emits   []Action
}

func (b *builder) result() Result {
	r := Result{Next: b.next}
	r.Actions = append(r.Actions, b.logs...)
	if len(b.logs) == 0 {
		r.Actions = append(r.Actions, Action{Type: ActionLog, Level: LevelDebug, Message: "transition", Fields: []any{"event", string(b.ev.Type)}})
	}
	if b.write {
		p := b.patch
		r.Patch = &p
		r.Actions = append(r.Actions, Action{Type: ActionWriteProgress, Patch: r.Patch})
	}
	if b.stats {
		r.Actions = append(r.Actions, Action{Type: ActionUpdateStats})
	}
	r.Actions = append(r.Actions, b.effects...)
	r.Actions = append(r.Actions, b.emits...)
	return r
}

func (b *builder) log(level, msg string, fields ...any) {
	b.logs = append(b.logs, Action{Type: ActionLog, Level: level, Message: msg, Fields: fields})
}

func (b *builder) emit(kind, node, msg string) {
	b.emits = append(b.emits, Action{Type: ActionEmitActivity, Activity: &Activity{Kind: kind, Node: node, Message: msg}})
}

func (b *builder) ignore(reason string) {
	b.log(LevelWarn, "event ignored", "event", string(b.ev.Type), "state", string(b.next.Kind()), "reason", reason)
}

func (b *builder) update(u NodeUpdate) {
	b.patch.Nodes = append(b.patch.Nodes, u)
}

func (b *builder) at() time.Time { return b.ev.At }

func (b *builder) startedAt() time.Time {
	if b.doc.StartedAt != nil {
		return *b.doc.StartedAt
	}
	return b.ev.At
}

func (b *builder) inProgress(at progress.Pointer) InProgress {
	iter := b.doc.Iteration
	if s, ok := b.next.(InProgress); ok {
		iter = s.Iteration
	}
	return InProgress{At: at, Iteration: iter, StartedAt: b.startedAt()}
}

func (b *builder) hitBreakpoint(path string) bool {
	if _, ok := b.c.Breakpoints.Match(path); !ok {
		return false
	}
	return !slices.Contains(b.doc.PassedBreakpoints, path)
}

func (b *builder) isParallel(ptr progress.Pointer) bool {
	return IsParallelPhase(b.doc.Phases[ptr.Phase])
}

func ids(doc *progress.Progress, ptr progress.Pointer) (phaseID, stepID string) {
	ph := doc.Phases[ptr.Phase]
	if ptr.Step != nil {
		return ph.ID, ph.Steps[*ptr.Step].ID
	}
	return ph.ID, ""
}

func strPtr(s string) *string { return &s }

// --- lifecycle ---------------------------------------------------------------

func (b *builder) start() {
	first, ok := First(b.doc)
	if !ok {
		b.completeSprint("no executable nodes")
		return
	}
	at := b.at()
	b.next = InProgress{At: first, Iteration: b.doc.Iteration, StartedAt: b.startedAt()}
	b.patch.Status = progress.SprintInProgress
	b.patch.Current = &first
	b.patch.StartedAt = &at
	b.patch.PauseReason = strPtr("")
	b.patch.ClearInterrupted = true
	b.log(LevelInfo, "sprint started", "sprint_id", b.doc.SprintID, "node", b.doc.Path(first))
	b.write, b.stats = true, true
	b.emit(ActivitySprintStarted, b.doc.Path(first), "sprint started")
}

func (b *builder) completeSprint(summary string) {
	at := b.at()
	b.next = Completed{Summary: summary, Elapsed: at.Sub(b.startedAt())}
	b.patch.Status = progress.SprintCompleted
	b.patch.ClearCurrent = true
	b.patch.Current = nil
	b.patch.CompletedAt = &at
	b.patch.Summary = strPtr(summary)
	b.log(LevelInfo, "sprint completed", "summary", summary)
	b.write, b.stats = true, true
	b.emit(ActivitySprintCompleted, "", summary)
}

func (b *builder) pause(at *progress.Pointer, reason string) {
	b.next = Paused{At: at, Reason: reason}
	b.patch.Status = progress.SprintPaused
	b.patch.PauseReason = strPtr(reason)
	b.log(LevelInfo, "sprint paused", "reason", reason)
	b.write = true
	b.emit(ActivitySprintPaused, "", reason)
}

func (b *builder) pauseAtBreakpoint(at progress.Pointer, name string) {
	b.next = PausedAtBreakpoint{At: at, Breakpoint: name}
	b.patch.Status = progress.SprintPausedAtBreakpoint
	b.patch.Breakpoint = strPtr(name)
	cur := at.Clone()
	b.patch.Current = &cur
	b.log(LevelInfo, "breakpoint reached", "breakpoint", name)
	b.write = true
	b.emit(ActivitySprintPaused, name, "breakpoint reached")
}

func (b *builder) block(phaseID, msg, category string) {
	b.next = Blocked{Err: msg, FailedPhaseID: phaseID, Category: category}
	b.patch.Status = progress.SprintBlocked
	b.patch.Blocked = &progress.BlockedInfo{Message: msg, PhaseID: phaseID, Category: category}
	b.log(LevelError, "sprint blocked", "phase", phaseID, "category", category, "error", msg)
	b.write, b.stats = true, true
	b.emit(ActivitySprintBlocked, phaseID, msg)
}

func (b *builder) needsHuman(reason, details string) {
	b.next = NeedsHuman{Reason: reason, Details: details}
	b.patch.Status = progress.SprintNeedsHuman
	b.patch.HumanNeeded = &progress.HumanNeeded{Reason: reason, Details: details}
	b.log(LevelWarn, "sprint needs human intervention", "reason", reason)
	b.write, b.stats = true, true
	b.emit(ActivityHumanNeeded, "", reason)
}

// --- running -----------------------------------------------------------------

func (b *builder) tick(s InProgress) {
	iter := s.Iteration + 1
	b.patch.Iteration = &iter
	s.Iteration = iter
	b.next = s
	b.write = true

	ptr, ok := resolveStop(b.doc, s.At)
	// A parallel phase whose steps are all done still needs closing.
	open := ok && b.isParallel(ptr) && !b.doc.Phases[ptr.Phase].Status.IsTerminal()
	if !open && (!ok || done(b.doc, ptr)) {
		if ptr, ok = First(b.doc); !ok {
			b.completeSprint(fmt.Sprintf("all %d phases done", len(b.doc.Phases)))
			return
		}
	}
	if !ptr.Equal(s.At) {
		cur := ptr.Clone()
		b.patch.Current = &cur
		s.At = ptr
		b.next = s
	}

	if b.isParallel(ptr) {
		b.tickParallel(ptr)
		return
	}

	path := b.doc.Path(ptr)
	node, _ := b.doc.Node(ptr)
	switch node.Status {
	case progress.StatusInProgress:
		b.log(LevelDebug, "worker in flight", "node", path)
		return
	case progress.StatusFailed:
		b.needsHuman(fmt.Sprintf("%s is marked failed", path), node.LastError)
		return
	}

	if node.NextRetryAt != nil && b.at().Before(*node.NextRetryAt) {
		b.log(LevelDebug, "waiting for retry backoff", "node", path, "not_before", node.NextRetryAt.Format(time.RFC3339))
		return
	}
	if b.hitBreakpoint(path) {
		b.pauseAtBreakpoint(ptr, path)
		return
	}

	sp := b.startLeaf(ptr)
	b.log(LevelInfo, "spawning worker", "node", path, "attempt", node.RetryCount+1)
	b.spawn(sp)
}

func (b *builder) tickParallel(ptr progress.Pointer) {
	ph := b.doc.Phases[ptr.Phase]
	view := b.c.Parallel
	if view == nil || view.PhaseID != ph.ID {
		b.log(LevelError, "no scheduler view for parallel phase", "phase", ph.ID)
		return
	}

	if !ph.Status.Done() && ph.Status != progress.StatusInProgress && len(view.Running) == 0 && b.hitBreakpoint(ph.ID) {
		b.pauseAtBreakpoint(ptr, ph.ID)
		return
	}
	if view.Complete {
		b.finishParallel(ptr)
		return
	}

	var spawns []Spawn
	for _, id := range view.Ready {
		stepPtr, ok := b.doc.FindStep(ph.ID, id)
		if !ok {
			b.log(LevelWarn, "scheduler step missing from document", "phase", ph.ID, "step", id)
			continue
		}
		leaf, ok := firstOpenLeaf(b.doc, stepPtr)
		if !ok {
			continue
		}
		node, _ := b.doc.Node(leaf)
		if node.NextRetryAt != nil && b.at().Before(*node.NextRetryAt) {
			continue
		}
		path := b.doc.Path(leaf)
		if b.hitBreakpoint(path) {
			if len(view.Running) == 0 && len(spawns) == 0 {
				b.pauseAtBreakpoint(ptr, path)
				return
			}
			continue
		}
		spawns = append(spawns, b.startLeaf(leaf))
	}

	if len(spawns) == 0 {
		b.log(LevelDebug, "no steps to start", "phase", ph.ID, "running", len(view.Running))
		return
	}
	b.log(LevelInfo, "fanning out steps", "phase", ph.ID, "count", len(spawns), "running", len(view.Running))
	for _, sp := range spawns {
		b.spawn(sp)
	}
}

// finishParallel closes a parallel phase once the scheduler has nothing
// left to run.
func (b *builder) finishParallel(ptr progress.Pointer) {
	ph := b.doc.Phases[ptr.Phase]
	view := b.c.Parallel
	at := b.at()

	var failed *progress.Step
	for i := range ph.Steps {
		st := &ph.Steps[i]
		if st.Status == progress.StatusFailed ||
			(view.Aborted && st.Status == progress.StatusSkipped && st.ErrorCategory == string(retry.CategoryValidation)) {
			failed = st
			break
		}
	}

	if view.Aborted || (failed != nil && b.c.FailurePolicy != scheduler.Continue) {
		b.update(NodeUpdate{Node: ptr, Status: progress.StatusFailed, CompletedAt: &at})
		msg, cat := "phase aborted", ""
		if failed != nil {
			msg = fmt.Sprintf("step %s failed: %s", failed.ID, failed.LastError)
			cat = failed.ErrorCategory
		}
		if !view.Aborted && cat == string(retry.CategoryLogic) {
			b.needsHuman(fmt.Sprintf("%s/%s failed with an unclassified error", ph.ID, failed.ID), failed.LastError)
			return
		}
		b.block(ph.ID, msg, cat)
		return
	}

	b.update(NodeUpdate{Node: ptr, Status: progress.StatusCompleted, CompletedAt: &at})
	b.log(LevelInfo, "parallel phase completed", "phase", ph.ID)
	b.emit(ActivityNodeCompleted, ph.ID, "phase completed")
	b.advanceFrom(ptr)
}

// startLeaf marks a leaf and its ancestors in progress and describes the
// worker invocation for it.
func (b *builder) startLeaf(ptr progress.Pointer) Spawn {
	at := b.at()
	node, _ := b.doc.Node(ptr)
	u := NodeUpdate{Node: ptr, Status: progress.StatusInProgress, ClearNextRetry: true}
	if node.StartedAt == nil {
		u.StartedAt = &at
	}
	b.update(u)

	if ptr.SubPhase != nil {
		b.ensureInProgress(progress.StepAt(ptr.Phase, *ptr.Step))
	}
	if ptr.Step != nil {
		b.ensureInProgress(progress.PhaseAt(ptr.Phase))
	}

	phaseID, stepID := ids(b.doc, ptr)
	return Spawn{
		Node:     ptr,
		Path:     b.doc.Path(ptr),
		PhaseID:  phaseID,
		StepID:   stepID,
		Prompt:   b.doc.Prompt(ptr),
		Parallel: b.isParallel(ptr),
	}
}

func (b *builder) ensureInProgress(ptr progress.Pointer) {
	key := ptr.String()
	if b.ensured[key] {
		return
	}
	if b.ensured == nil {
		b.ensured = make(map[string]bool)
	}
	b.ensured[key] = true

	node, _ := b.doc.Node(ptr)
	if node.Status == progress.StatusInProgress {
		return
	}
	at := b.at()
	u := NodeUpdate{Node: ptr, Status: progress.StatusInProgress}
	if node.StartedAt == nil {
		u.StartedAt = &at
	}
	b.update(u)
}

func (b *builder) spawn(sp Spawn) {
	b.effects = append(b.effects, Action{Type: ActionSpawnClaude, Spawn: &sp})
	b.emit(ActivityNodeStarted, sp.Path, "worker started")
}

// resultNode validates the node a worker result refers to.
func (b *builder) resultNode() (progress.Pointer, *progress.NodeState, bool) {
	if b.ev.Node == nil {
		b.ignore("result does not name a node")
		return progress.Pointer{}, nil, false
	}
	ptr := *b.ev.Node
	node, ok := b.doc.Node(ptr)
	if !ok || !b.doc.IsLeaf(ptr) {
		b.ignore("result names no executable node")
		return progress.Pointer{}, nil, false
	}
	if node.Status != progress.StatusInProgress {
		b.ignore(fmt.Sprintf("stale result for %s node", node.Status))
		return progress.Pointer{}, nil, false
	}
	return ptr, node, true
}

func (b *builder) complete() {
	leaf, _, ok := b.resultNode()
	if !ok {
		return
	}
	at := b.at()
	u := NodeUpdate{Node: leaf, Status: progress.StatusCompleted, CompletedAt: &at, ClearNextRetry: true}
	if b.ev.Summary != "" {
		u.Summary = strPtr(b.ev.Summary)
	}
	b.update(u)
	path := b.doc.Path(leaf)
	b.log(LevelInfo, "node completed", "node", path)
	b.emit(ActivityNodeCompleted, path, reasonOr(b.ev.Summary, "completed"))
	b.finishLeaf(leaf)
}

// finishLeaf rolls a finished leaf up into its ancestors and moves on. In a
// parallel phase the step stays with the scheduler; its next sub-phase, if
// any, is spawned in the same slot.
func (b *builder) finishLeaf(leaf progress.Pointer) {
	at := b.at()
	parallel := b.isParallel(leaf)
	b.write, b.stats = true, true

	if leaf.SubPhase != nil {
		stepPtr := progress.StepAt(leaf.Phase, *leaf.Step)
		if next, ok := nextSubPhase(b.doc, leaf); ok {
			if parallel {
				b.spawn(b.startLeaf(next))
				return
			}
		} else {
			b.update(NodeUpdate{Node: stepPtr, Status: progress.StatusCompleted, CompletedAt: &at})
			if !parallel {
				b.rollUpPhase(stepPtr)
			}
		}
	} else if leaf.Step != nil && !parallel {
		b.rollUpPhase(leaf)
	}

	if parallel {
		return
	}
	b.advanceFrom(leaf)
}

func nextSubPhase(doc *progress.Progress, leaf progress.Pointer) (progress.Pointer, bool) {
	st := doc.Phases[leaf.Phase].Steps[*leaf.Step]
	for k := *leaf.SubPhase + 1; k < len(st.SubPhases); k++ {
		if !st.SubPhases[k].Status.Done() {
			return progress.SubPhaseAt(leaf.Phase, *leaf.Step, k), true
		}
	}
	return progress.Pointer{}, false
}

// rollUpPhase completes the phase when every step other than step is done.
func (b *builder) rollUpPhase(step progress.Pointer) {
	ph := b.doc.Phases[step.Phase]
	for j, st := range ph.Steps {
		if j != *step.Step && !st.Status.Done() {
			return
		}
	}
	at := b.at()
	b.update(NodeUpdate{Node: progress.PhaseAt(step.Phase), Status: progress.StatusCompleted, CompletedAt: &at})
}

func (b *builder) advanceFrom(from progress.Pointer) {
	b.write, b.stats = true, true
	next, ok := Advance(b.doc, from)
	if !ok {
		b.completeSprint(fmt.Sprintf("all %d phases done", len(b.doc.Phases)))
		return
	}
	cur := next.Clone()
	b.patch.Current = &cur
	b.next = b.inProgress(next)
	b.log(LevelDebug, "pointer advanced", "from", b.doc.Path(from), "to", b.doc.Path(next))
}

func (b *builder) fail() {
	leaf, node, ok := b.resultNode()
	if !ok {
		return
	}
	at := b.at()
	cat := b.ev.Category
	if !cat.Valid() {
		cat = retry.CategoryLogic
	}
	catStr := string(cat)
	errMsg := b.ev.Error
	path := b.doc.Path(leaf)
	phaseID, stepID := ids(b.doc, leaf)
	parallel := b.isParallel(leaf)

	if b.c.Policy.ShouldRetry(cat, node.RetryCount) {
		delay := b.c.Policy.Delay(node.RetryCount)
		notBefore := at.Add(delay)
		count := node.RetryCount + 1
		b.update(NodeUpdate{
			Node:          leaf,
			Status:        progress.StatusPending,
			RetryCount:    &count,
			NextRetryAt:   &notBefore,
			ErrorCategory: &catStr,
			LastError:     &errMsg,
		})
		if parallel && leaf.SubPhase != nil {
			b.update(NodeUpdate{Node: progress.StepAt(leaf.Phase, *leaf.Step), Status: progress.StatusPending})
		}
		b.patch.AddRetries = 1
		b.write = true
		b.log(LevelWarn, "scheduling retry", "node", path, "category", catStr, "attempt", count, "delay", delay.String())
		b.effects = append(b.effects, Action{Type: ActionScheduleRetry, Retry: &Retry{
			Node:      leaf,
			Path:      path,
			PhaseID:   phaseID,
			StepID:    stepID,
			Attempt:   count,
			Delay:     delay,
			NotBefore: notBefore,
			Category:  cat,
			Error:     errMsg,
		}})
		b.emit(ActivityRetryScheduled, path, fmt.Sprintf("%s failure, retry %d in %s", catStr, count, delay))
		return
	}

	if cat == retry.CategoryValidation {
		skip := NodeUpdate{
			Node:           leaf,
			Status:         progress.StatusSkipped,
			CompletedAt:    &at,
			ErrorCategory:  &catStr,
			LastError:      &errMsg,
			ClearNextRetry: true,
		}
		b.update(skip)
		b.log(LevelWarn, "validation failure, skipping node", "node", path, "error", errMsg)
		b.emit(ActivityNodeSkipped, path, errMsg)
		if parallel {
			if leaf.SubPhase != nil {
				skip.Node = progress.StepAt(leaf.Phase, *leaf.Step)
				b.update(skip)
			}
			b.write, b.stats = true, true
			return
		}
		b.finishLeaf(leaf)
		return
	}

	failed := NodeUpdate{
		Node:           leaf,
		Status:         progress.StatusFailed,
		CompletedAt:    &at,
		ErrorCategory:  &catStr,
		LastError:      &errMsg,
		ClearNextRetry: true,
	}
	b.update(failed)
	b.emit(ActivityNodeFailed, path, errMsg)

	if parallel {
		if leaf.SubPhase != nil {
			failed.Node = progress.StepAt(leaf.Phase, *leaf.Step)
			b.update(failed)
		}
		b.log(LevelError, "step failed", "node", path, "category", catStr, "error", errMsg)
		b.write, b.stats = true, true
		return
	}

	if retry.IsRetryableCategory(cat) {
		b.block(phaseID, fmt.Sprintf("%s failed after %d retries: %s", path, node.RetryCount, errMsg), catStr)
		return
	}
	b.needsHuman(fmt.Sprintf("%s failed with an unclassified error", path), errMsg)
}

func (b *builder) propose(s InProgress) {
	if len(b.ev.Steps) == 0 {
		b.log(LevelInfo, "no steps proposed")
		return
	}
	phaseID := b.ev.PhaseID
	if phaseID == "" {
		at := s.At
		if b.ev.Node != nil {
			at = *b.ev.Node
		}
		if _, ok := b.doc.Node(at); ok {
			phaseID = b.doc.Phases[at.Phase].ID
		}
	}

	for _, st := range b.ev.Steps {
		step := st.Clone()
		step.NodeState = progress.NodeState{Status: progress.StatusPending}
		b.effects = append(b.effects, Action{Type: ActionInsertStep, Insert: &Insert{
			PhaseID:   phaseID,
			Step:      step,
			DependsOn: slices.Clone(b.ev.DependsOn),
		}})
	}
	b.log(LevelInfo, "steps proposed", "phase", phaseID, "count", len(b.ev.Steps))
	b.emit(ActivityStepsProposed, phaseID, fmt.Sprintf("%d steps proposed", len(b.ev.Steps)))
}

func (b *builder) humanNeeded() {
	reason := reasonOr(b.ev.Reason, "worker requested human input")
	if b.ev.Node != nil {
		if node, ok := b.doc.Node(*b.ev.Node); ok && node.Status == progress.StatusInProgress && b.doc.IsLeaf(*b.ev.Node) {
			leaf := *b.ev.Node
			at := b.at()
			cat := string(retry.CategoryLogic)
			u := NodeUpdate{Node: leaf, Status: progress.StatusFailed, CompletedAt: &at, ErrorCategory: &cat, LastError: strPtr(reason)}
			b.update(u)
			if b.isParallel(leaf) {
				if leaf.SubPhase != nil {
					u.Node = progress.StepAt(leaf.Phase, *leaf.Step)
					b.update(u)
				}
				b.log(LevelWarn, "step needs human input", "node", b.doc.Path(leaf), "reason", reason)
				b.write, b.stats = true, true
				return
			}
		}
	}
	b.needsHuman(reason, b.ev.Details)
}

func (b *builder) goalComplete() {
	if b.ev.Node != nil {
		if node, ok := b.doc.Node(*b.ev.Node); ok && node.Status == progress.StatusInProgress {
			at := b.at()
			b.update(NodeUpdate{Node: *b.ev.Node, Status: progress.StatusCompleted, CompletedAt: &at})
		}
	}
	b.completeSprint(reasonOr(b.ev.Summary, "goal reached"))
}

// --- resuming ----------------------------------------------------------------

func (b *builder) resumePaused(s Paused) {
	if s.At == nil {
		b.start()
		return
	}
	b.resumeAt(*s.At)
}

func (b *builder) resumeBreakpoint(s PausedAtBreakpoint) {
	b.patch.PassBreakpoint = s.Breakpoint
	b.patch.Breakpoint = strPtr("")
	b.resumeAt(s.At)
}

func (b *builder) resumeAt(at progress.Pointer) {
	b.next = b.inProgress(at)
	b.patch.Status = progress.SprintInProgress
	b.patch.PauseReason = strPtr("")
	cur := at.Clone()
	b.patch.Current = &cur
	b.log(LevelInfo, "sprint resumed", "node", b.doc.Path(at))
	b.write = true
	b.emit(ActivitySprintResumed, b.doc.Path(at), "resumed")
}

// resumeEscalated restores the failed nodes of the current phase to pending
// with fresh retry budgets, along with steps skipped because of them.
func (b *builder) resumeEscalated() {
	ptr := progress.Pointer{}
	ok := false
	if b.doc.Current != nil {
		ptr, ok = resolveStop(b.doc, *b.doc.Current)
	}
	if !ok {
		if ptr, ok = First(b.doc); !ok {
			b.completeSprint("nothing left to run")
			return
		}
	}

	reset := 0
	ph := b.doc.Phases[ptr.Phase]
	if len(ph.Steps) > 0 && ph.Status == progress.StatusFailed {
		b.update(NodeUpdate{Node: progress.PhaseAt(ptr.Phase), Status: progress.StatusInProgress, ResetRetry: true})
	}
	for j, st := range ph.Steps {
		if restorable(st.NodeState) {
			b.update(NodeUpdate{Node: progress.StepAt(ptr.Phase, j), Status: progress.StatusPending, ResetRetry: true})
			reset++
		}
		for k, sp := range st.SubPhases {
			if sp.Status == progress.StatusFailed {
				b.update(NodeUpdate{Node: progress.SubPhaseAt(ptr.Phase, j, k), Status: progress.StatusPending, ResetRetry: true})
				reset++
			}
		}
	}
	if len(ph.Steps) == 0 && ph.Status == progress.StatusFailed {
		b.update(NodeUpdate{Node: progress.PhaseAt(ptr.Phase), Status: progress.StatusPending, ResetRetry: true})
		reset++
	}

	b.next = b.inProgress(ptr)
	b.patch.Status = progress.SprintInProgress
	b.patch.ClearEscalation = true
	cur := ptr.Clone()
	b.patch.Current = &cur
	b.log(LevelInfo, "resuming after operator intervention", "node", b.doc.Path(ptr), "reset", reset)
	b.write, b.stats = true, true
	b.emit(ActivitySprintResumed, b.doc.Path(ptr), "resumed after intervention")
}

func restorable(n progress.NodeState) bool {
	if n.Status == progress.StatusFailed {
		return true
	}
	return n.Status == progress.StatusSkipped && strings.HasPrefix(n.LastError, DependencySkipPrefix)
}
