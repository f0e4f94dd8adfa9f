package session

import (
	"errors"
	"fmt"

	"github.com/cuemby/fieldsync/pkg/types"
)

// Event drives a lifecycle transition
type Event string

const (
	EventStart           Event = "start"
	EventPause           Event = "pause"
	EventResume          Event = "resume"
	EventSubmitForReview Event = "submitForReview"
	EventComplete        Event = "complete"
	EventCancel          Event = "cancel"
)

// Events lists every lifecycle event
func Events() []Event {
	return []Event{EventStart, EventPause, EventResume, EventSubmitForReview, EventComplete, EventCancel}
}

// ErrInvalidTransition is matched by every *InvalidTransitionError
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an event, or a target status, with no edge
// out of the current status
type InvalidTransitionError struct {
	InspectionID string
	From         types.InspectionStatus
	Event        Event                  // set when an event was fired
	To           types.InspectionStatus // set when a target status was requested
}

func (e *InvalidTransitionError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("invalid transition: inspection %s cannot %s from %s", e.InspectionID, e.Event, e.From)
	}
	return fmt.Sprintf("invalid transition: inspection %s cannot move from %s to %s", e.InspectionID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[types.InspectionStatus]map[Event]types.InspectionStatus{
	types.StatusScheduled: {
		EventStart:  types.StatusInProgress,
		EventCancel: types.StatusCancelled,
	},
	types.StatusInProgress: {
		EventPause:           types.StatusPaused,
		EventSubmitForReview: types.StatusReadyForReview,
		EventCancel:          types.StatusCancelled,
	},
	types.StatusPaused: {
		EventResume: types.StatusInProgress,
		EventCancel: types.StatusCancelled,
	},
	types.StatusReadyForReview: {
		EventComplete: types.StatusCompleted,
		EventCancel:   types.StatusCancelled,
	},
	// completed and cancelled are terminal
}

// Next returns the status reached by firing ev in from
func Next(from types.InspectionStatus, ev Event) (types.InspectionStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &InvalidTransitionError{From: from, Event: ev}
}

// EventFor returns the event whose edge leads from one status to another
func EventFor(from, to types.InspectionStatus) (Event, error) {
	for ev, target := range transitions[from] {
		if target == to {
			return ev, nil
		}
	}
	return "", &InvalidTransitionError{From: from, To: to}
}
