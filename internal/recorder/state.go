package recorder

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a recorder.
type State int

const (
	// StateStopped is the initial state and, after Stop, the terminal one.
	StateStopped State = iota
	// StateStarting covers the health check and subprocess launch.
	StateStarting
	// StateRecording means the subprocess is running and writing segments.
	StateRecording
	// StateError follows any failure. It is persistent for configuration
	// errors and exhausted retries.
	StateError
	// StateRestarting is the backoff wait before the next start.
	StateRestarting
)

// String returns the state name used in logs, metrics and /healthz.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition records a state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// validTransitions is the recorder state machine. Every state may also move
// to stopped.
var validTransitions = map[State][]State{
	StateStopped:    {StateStarting},
	StateStarting:   {StateRecording, StateError},
	StateRecording:  {StateError},
	StateError:      {StateRestarting},
	StateRestarting: {StateStarting},
}

func isValidTransition(from, to State) bool {
	if to == StateStopped {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// maxHistory bounds the retained transitions.
const maxHistory = 100
