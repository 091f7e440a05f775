// Package lifecycle defines the per-module lifecycle states and the legal
// transitions between them.
package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a module is asked to move to a state
// that is not reachable from its current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is the lifecycle state of a single module.
type State string

const (
	// StateUnloaded is the state of a registered module whose dependencies
	// have not been checked yet.
	StateUnloaded State = "UNLOADED"

	// StateResolved means the descriptor was parsed and every required
	// dependency is present with an acceptable version.
	StateResolved State = "RESOLVED"

	// StateStarted means the module's class loader exists and its activator
	// has been started.
	StateStarted State = "STARTED"

	// StateStopped means the module's resources were released and its class
	// loader discarded.
	StateStopped State = "STOPPED"
)

// transitions lists the states reachable from each state.
//
// STARTED -> RESOLVED is the rollback edge used when a later module in the
// same start sequence fails. STOPPED is terminal: a stopped module's
// resources are gone and it has to be loaded again.
var transitions = map[State][]State{
	StateUnloaded: {StateResolved},
	StateResolved: {StateStarted},
	StateStarted:  {StateStopped, StateResolved},
}

// CanTransition reports whether a module may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidTransition when from -> to is not allowed.
func Validate(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsActive reports whether the state holds live resources.
func (s State) IsActive() bool {
	return s == StateStarted
}

func (s State) String() string {
	return string(s)
}
