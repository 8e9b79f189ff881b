package state

import "encoding/json"

// State is the application-level state of the scan engine.
//
// Allowed transitions:
//
//	Idle       -> Scanning
//	Scanning   -> Persisting, Idle, Error
//	Persisting -> Delivering, Scanning, Error
//	Delivering -> Scanning, Error
//	Error      -> Idle
//
// Error is reachable from every non-terminal state so faults can always be
// reported; only Idle is reachable from Error, forcing an explicit reset.
type State int

const (
	StateIdle State = iota
	StateScanning
	StatePersisting
	StateDelivering
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StatePersisting:
		return "persisting"
	case StateDelivering:
		return "delivering"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state name rather than its numeric value.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

var allowed = map[State][]State{
	StateIdle:       {StateScanning},
	StateScanning:   {StatePersisting, StateIdle, StateError},
	StatePersisting: {StateDelivering, StateScanning, StateError},
	StateDelivering: {StateScanning, StateError},
	StateError:      {StateIdle},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range allowed[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AllowedFrom returns the legal targets from s in table order.
func AllowedFrom(s State) []State {
	return append([]State(nil), allowed[s]...)
}
