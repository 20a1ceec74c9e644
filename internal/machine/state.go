// Package machine implements the sprint state machine: a pure transition
// function from (state, event, context) to (next state, actions, patch).
//
// Transition performs no I/O and never mutates the progress document it is
// given. Every effect is described as an [Action]; status and pointer changes
// travel in a [Patch] carried by the WRITE_PROGRESS action, which only the
// executor applies. Every (state, event) pair yields a defined result:
// unknown combinations are no-ops with a diagnostic LOG action.
package machine

import (
	"time"

	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// State is one of the closed set of sprint states.
type State interface {
	// Kind returns the sprint status this state persists as.
	Kind() progress.SprintStatus
	isState()
}

// NotStarted is the state of a freshly compiled sprint.
type NotStarted struct{}

// InProgress carries the current pointer and iteration count.
type InProgress struct {
	At        progress.Pointer
	Iteration int
	StartedAt time.Time
}

// Paused carries the pointer the sprint paused at, nil when it paused
// before starting.
type Paused struct {
	At     *progress.Pointer
	Reason string
}

// PausedAtBreakpoint carries the node path that matched a breakpoint.
type PausedAtBreakpoint struct {
	At         progress.Pointer
	Breakpoint string
}

// Blocked carries the error that stopped the sprint.
type Blocked struct {
	Err           string
	FailedPhaseID string
	Category      string
}

// NeedsHuman carries why a person has to intervene.
type NeedsHuman struct {
	Reason  string
	Details string
}

// Completed carries the final summary.
type Completed struct {
	Summary string
	Elapsed time.Duration
}

func (NotStarted) Kind() progress.SprintStatus         { return progress.SprintNotStarted }
func (InProgress) Kind() progress.SprintStatus         { return progress.SprintInProgress }
func (Paused) Kind() progress.SprintStatus             { return progress.SprintPaused }
func (PausedAtBreakpoint) Kind() progress.SprintStatus { return progress.SprintPausedAtBreakpoint }
func (Blocked) Kind() progress.SprintStatus            { return progress.SprintBlocked }
func (NeedsHuman) Kind() progress.SprintStatus         { return progress.SprintNeedsHuman }
func (Completed) Kind() progress.SprintStatus          { return progress.SprintCompleted }

func (NotStarted) isState()         {}
func (InProgress) isState()         {}
func (Paused) isState()             {}
func (PausedAtBreakpoint) isState() {}
func (Blocked) isState()            {}
func (NeedsHuman) isState()         {}
func (Completed) isState()          {}

// IsTerminal reports whether the loop has nothing left to do in s without
// an external event: every state except InProgress.
func IsTerminal(s State) bool {
	_, running := s.(InProgress)
	return !running
}

// StateFromProgress derives the machine state from a persisted document.
// An interrupted sprint is in progress; recovery has already reset its
// in-flight nodes by the time the loop asks.
func StateFromProgress(doc *progress.Progress) State {
	if doc == nil {
		return NotStarted{}
	}
	at := func() progress.Pointer {
		if doc.Current != nil {
			return doc.Current.Clone()
		}
		if ptr, ok := First(doc); ok {
			return ptr
		}
		return progress.PhaseAt(0)
	}
	started := time.Time{}
	if doc.StartedAt != nil {
		started = *doc.StartedAt
	}

	switch doc.Status {
	case progress.SprintInProgress, progress.SprintInterrupted:
		return InProgress{At: at(), Iteration: doc.Iteration, StartedAt: started}
	case progress.SprintPaused:
		var ptr *progress.Pointer
		if doc.Current != nil {
			c := doc.Current.Clone()
			ptr = &c
		}
		return Paused{At: ptr, Reason: doc.PauseReason}
	case progress.SprintPausedAtBreakpoint:
		return PausedAtBreakpoint{At: at(), Breakpoint: doc.Breakpoint}
	case progress.SprintBlocked:
		b := Blocked{}
		if doc.Blocked != nil {
			b = Blocked{Err: doc.Blocked.Message, FailedPhaseID: doc.Blocked.PhaseID, Category: doc.Blocked.Category}
		}
		return b
	case progress.SprintNeedsHuman:
		h := NeedsHuman{}
		if doc.HumanNeeded != nil {
			h = NeedsHuman{Reason: doc.HumanNeeded.Reason, Details: doc.HumanNeeded.Details}
		}
		return h
	case progress.SprintCompleted:
		return Completed{Summary: doc.Summary, Elapsed: doc.Stats.Elapsed}
	default:
		return NotStarted{}
	}
}
