package machine

import (
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
)

// ParallelView is the scheduler's read-only view of the active parallel
// phase, taken by the loop before each transition.
type ParallelView struct {
	PhaseID string
	// Ready lists the steps the scheduler would hand out now, already
	// limited by the concurrency ceiling.
	Ready    []string
	Running  []string
	Complete bool
	Aborted  bool
}

// Context is the read-only input a transition consults.
type Context struct {
	Doc           *progress.Progress
	Policy        retry.Policy
	FailurePolicy scheduler.FailurePolicy
	Breakpoints   *Breakpoints
	Parallel      *ParallelView
}

// DependencySkipPrefix starts the last-error of a step skipped because a
// dependency failed. RESUME after an escalation restores such steps.
const DependencySkipPrefix = "dependency failed: "
