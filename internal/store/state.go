package store

import (
	"fmt"
	"log"
)

// State is the lifecycle state of a session record.
type State string

const (
	// StatePendingTracer means a client is attached and waiting for its tracer.
	StatePendingTracer State = "pending_tracer"
	// StatePendingClient means a tracer is attached and waiting for its client.
	StatePendingClient State = "pending_client"
	// StatePaired means both halves are attached and events flow.
	StatePaired State = "paired"
	// StateDisabling means teardown has begun: disable events are being
	// flushed and both transports are closing.
	StateDisabling State = "disabling"
	// StateDead is the only terminal state. A dead session is removed from
	// the store in the same critical section that sets it.
	StateDead State = "dead"
)

// ValidTransitions defines the allowed state transitions for sessions.
// Key is the current state, value is a slice of valid next states.
var ValidTransitions = map[State][]State{
	StatePendingTracer: {StatePaired, StateDisabling},
	StatePendingClient: {StatePaired, StateDisabling},
	StatePaired:        {StateDisabling},
	StateDisabling:     {StateDead},
	// Terminal state with no valid transitions
	StateDead: {},
}

// IsTerminalState returns true if the given state is terminal.
func IsTerminalState(s State) bool {
	return s == StateDead
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, exists := ValidTransitions[from]
	if !exists {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition attempt.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition: %s -> %s (session: %s)", e.From, e.To, e.SessionID)
}

// LogTransition logs a state transition for audit purposes.
func LogTransition(sessionID string, from, to State, reason string) {
	if reason != "" {
		log.Printf("Session %s: state transition %s -> %s (reason: %s)", sessionID, from, to, reason)
	} else {
		log.Printf("Session %s: state transition %s -> %s", sessionID, from, to)
	}
}
