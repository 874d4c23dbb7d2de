package trade

import "fmt"

// Status values keep the numeric order of the deployed contract.
type Status uint8

const (
	StatusNone Status = iota
	StatusCancelled
	StatusStarted
	StatusSettling
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusStarted:
		return "STARTED"
	case StatusSettling:
		return "SETTLING"
	case StatusSettled:
		return "SETTLED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

type Event string

const (
	EventStart  Event = "START"
	EventSettle Event = "SETTLE"
)

// Transition returns the status reached by applying event to current, or
// ErrWrongTradeStatus when the lifecycle does not allow it.
func Transition(current Status, event Event) (Status, error) {
	next, ok := nextStatus(current, event)
	if !ok {
		return current, fmt.Errorf("%s from %s: %w", event, current, ErrWrongTradeStatus)
	}
	return next, nil
}

func nextStatus(current Status, event Event) (Status, bool) {
	switch current {
	case StatusNone:
		if event == EventStart {
			return StatusStarted, true
		}
	case StatusStarted:
		if event == EventSettle {
			return StatusSettled, true
		}
	}
	return current, false
}
