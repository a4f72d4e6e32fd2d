// File: internal/session/fsm.go
package session

import "fmt"

// State is the lifecycle phase of one task session. Exactly one value is
// active at a time; the adjacency table below is the single source of truth
// for which edges exist.
type State string

const (
	StateCreated   State = "CREATED"
	StatePlanning  State = "PLANNING"
	StateNeedsInfo State = "NEEDS_INFO"
	StateReady     State = "READY"
	StateExecuting State = "EXECUTING"
	StateBlocked   State = "BLOCKED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// adjacency lists the only legal outgoing transitions per state. Terminal
// states have no entry, so every edge out of them fails the lookup.
var adjacency = map[State][]State{
	StateCreated:   {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:  {StateNeedsInfo, StateReady, StateFailed, StateCancelled},
	StateNeedsInfo: {StatePlanning, StateFailed, StateCancelled},
	StateReady:     {StateExecuting, StateFailed, StateCancelled},
	StateExecuting: {StateCompleted, StateBlocked, StatePlanning, StateFailed, StateCancelled},
	StateBlocked:   {StatePlanning, StateFailed, StateCancelled},
}

// AllStates enumerates every declared state, terminal ones included.
func AllStates() []State {
	return []State{
		StateCreated, StatePlanning, StateNeedsInfo, StateReady,
		StateExecuting, StateBlocked, StateCompleted, StateFailed,
		StateCancelled,
	}
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePlanning, StateNeedsInfo, StateReady,
		StateExecuting, StateBlocked, StateCompleted, StateFailed,
		StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s has zero outgoing edges.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge s -> target is declared.
func (s State) CanTransition(target State) bool {
	for _, t := range adjacency[s] {
		if t == target {
			return true
		}
	}
	return false
}

// StateError is the structured failure returned for an illegal transition or
// an operation against an unknown session. The session involved, if any, is
// left untouched.
type StateError struct {
	SessionID string
	From      State
	To        State
	Reason    string
}

func (e *StateError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("session %s: illegal transition %s -> %s: %s",
			e.SessionID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Reason)
}
