package machine

import (
	"time"

	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
)

// ActionType is one of the closed set of actions.
type ActionType string

const (
	ActionSpawnClaude   ActionType = "SPAWN_CLAUDE"
	ActionWriteProgress ActionType = "WRITE_PROGRESS"
	ActionUpdateStats   ActionType = "UPDATE_STATS"
	ActionEmitActivity  ActionType = "EMIT_ACTIVITY"
	ActionScheduleRetry ActionType = "SCHEDULE_RETRY"
	ActionInsertStep    ActionType = "INSERT_STEP"
	ActionLog           ActionType = "LOG"
)

// Log levels used by LOG actions.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Activity kinds emitted by EMIT_ACTIVITY actions.
const (
	ActivitySprintStarted   = "sprint-started"
	ActivityNodeStarted     = "node-started"
	ActivityNodeCompleted   = "node-completed"
	ActivityNodeFailed      = "node-failed"
	ActivityNodeSkipped     = "node-skipped"
	ActivityRetryScheduled  = "retry-scheduled"
	ActivityStepsProposed   = "steps-proposed"
	ActivitySprintPaused    = "sprint-paused"
	ActivitySprintResumed   = "sprint-resumed"
	ActivitySprintBlocked   = "sprint-blocked"
	ActivityHumanNeeded     = "human-needed"
	ActivitySprintCompleted = "sprint-completed"
)

// Spawn describes one worker invocation.
type Spawn struct {
	Node     progress.Pointer
	Path     string
	PhaseID  string
	StepID   string
	Prompt   string
	Parallel bool
}

// Retry describes a scheduled retry.
type Retry struct {
	Node      progress.Pointer
	Path      string
	PhaseID   string
	StepID    string
	Attempt   int
	Delay     time.Duration
	NotBefore time.Time
	Category  retry.Category
	Error     string
}

// Insert describes a step to add to a phase.
type Insert struct {
	PhaseID   string
	Step      progress.Step
	DependsOn []string
}

// Activity is a telemetry note.
type Activity struct {
	Kind    string
	Node    string
	Message string
}

// Action is an effect for the executor. The payload field matching Type is
// set; the others are nil.
type Action struct {
	Type ActionType

	Spawn    *Spawn
	Patch    *Patch
	Retry    *Retry
	Insert   *Insert
	Activity *Activity

	// LOG payload.
	Level   string
	Message string
	Fields  []any
}

// Result is the output of Transition.
type Result struct {
	Next    State
	Actions []Action
	// Patch is the same patch carried by the WRITE_PROGRESS action, or nil.
	Patch *Patch
}

// Has reports whether the result contains an action of type t.
func (r Result) Has(t ActionType) bool {
	for _, a := range r.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Of returns the actions of type t in order.
func (r Result) Of(t ActionType) []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}
