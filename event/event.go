package event

import (
	"fmt"

	"github.com/alphabill-org/gpbft/types"
)

// Result tells the event loop what the handler did with the event.
type Result int

const (
	// Handled - event was processed, state may or may not have changed.
	Handled Result = iota
	// Invalid - event was rejected (stale round, depth mismatch...).
	Invalid
	// Backlog - event arrived before the receiver reached the phase needed
	// to process it, caller must buffer it and redeliver later.
	Backlog
	// NewState - event caused a state transition, buffered events should be
	// replayed.
	NewState
	// Unhandled - event kind is not handled by the receiver in its current state.
	Unhandled
)

func (r Result) String() string {
	switch r {
	case Handled:
		return "handled"
	case Invalid:
		return "invalid"
	case Backlog:
		return "backlog"
	case NewState:
		return "new_state"
	case Unhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

type (
	Handler func(ev *Event) Result

	/*
		Event is a scheduled callback. Pointer to the Event returned by the
		scheduler doubles as cancellation token, see Queue.Remove.
	*/
	Event struct {
		Time     float64
		Creator  types.NodeID
		Receiver types.NodeID
		// Tag is the name of the component which scheduled the event, it
		// allows to purge all events of a component from the queue.
		Tag     string
		Payload any
		Handler Handler

		seq   uint64
		index int // position in the heap, -1 when not queued
	}
)

// Queued returns true while the event is waiting in the queue.
func (e *Event) Queued() bool {
	return e != nil && e.seq != 0 && e.index >= 0
}

func (e *Event) String() string {
	return fmt.Sprintf("%s@%.3f %d->%d %v", e.Tag, e.Time, e.Creator, e.Receiver, e.Payload)
}
