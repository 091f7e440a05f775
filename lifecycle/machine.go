package lifecycle

import (
	"sync"
	"time"
)

// Transition records a single state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine tracks the state of one module. It is safe for concurrent use; the
// registry mutates it under its own control lock while resolver goroutines
// may read it at any time.
type Machine struct {
	mu      sync.RWMutex
	state   State
	history []Transition
	now     func() time.Time
}

// NewMachine returns a machine in StateUnloaded.
func NewMachine() *Machine {
	return &Machine{state: StateUnloaded, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// To moves the machine to the given state, rejecting illegal transitions.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := Validate(m.state, next); err != nil {
		return err
	}
	m.history = append(m.history, Transition{From: m.state, To: next, At: m.now()})
	m.state = next
	return nil
}

// Reset forces the machine back to StateUnloaded and clears its history. It
// is the only way out of StateStopped.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateUnloaded
	m.history = nil
}

// History returns a copy of all recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
