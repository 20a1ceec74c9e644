package machine

import (
	"time"

	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
)

// EventType is one of the closed set of events.
type EventType string

const (
	EventStart                EventType = "START"
	EventTick                 EventType = "TICK"
	EventPhaseComplete        EventType = "PHASE_COMPLETE"
	EventPhaseFailed          EventType = "PHASE_FAILED"
	EventStepComplete         EventType = "STEP_COMPLETE"
	EventStepFailed           EventType = "STEP_FAILED"
	EventProposeSteps         EventType = "PROPOSE_STEPS"
	EventPause                EventType = "PAUSE"
	EventResume               EventType = "RESUME"
	EventBreakpointReached    EventType = "BREAKPOINT_REACHED"
	EventHumanNeeded          EventType = "HUMAN_NEEDED"
	EventGoalComplete         EventType = "GOAL_COMPLETE"
	EventMaxIterationsReached EventType = "MAX_ITERATIONS_REACHED"
)

// Event is an input to Transition. Fields beyond Type and At are set only
// for the event types that use them.
type Event struct {
	Type EventType
	At   time.Time

	// Node is the leaf a worker result belongs to.
	Node    *progress.Pointer
	PhaseID string
	StepID  string

	// Failure details for *_FAILED events.
	Category retry.Category
	Error    string
	ExitCode int

	Summary    string
	Reason     string
	Details    string
	Breakpoint string

	// Proposed steps for PROPOSE_STEPS.
	Steps     []progress.Step
	DependsOn []string
}
