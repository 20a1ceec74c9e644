// Package activity records what a sprint did as a stream of small events.
//
// Activity is telemetry: emitting is best-effort and a failing sink never
// stops the sprint. Events are written to a JSON-lines log next to the
// progress document and fanned out to in-process subscribers over channels.
package activity

import (
	"errors"
	"time"
)

// FileName is the activity log's name inside a sprint directory.
const FileName = "activity.jsonl"

// Event is one activity record.
type Event struct {
	Time     time.Time `json:"time"`
	SprintID string    `json:"sprint-id,omitempty"`
	Kind     string    `json:"kind"`
	// Node is the node path ("phase/step/sub-phase") the event concerns.
	Node    string `json:"node,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sink receives activity events.
type Sink interface {
	Emit(ev Event) error
}

// Multi emits to every sink and joins their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) error { return nil }
