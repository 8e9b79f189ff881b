package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/loykin/scanflow/internal/bus"
	"github.com/loykin/scanflow/internal/metrics"
)

// ErrInvalidTransition is wrapped by Machine.Transition when the requested
// target is not reachable from the current state. It signals a logic fault in
// the caller and is never silently ignored.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

// DefaultHistorySize bounds the transition history when no capacity is given.
const DefaultHistorySize = 64

// Transition is one recorded state change. Seq increases monotonically for
// the lifetime of the machine, including entries already evicted from the
// bounded history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	Seq  uint64    `json:"seq"`
	At   time.Time `json:"at"`
}

// Change is the payload published on the state_changed event.
type Change struct {
	From State  `json:"from"`
	To   State  `json:"to"`
	Seq  uint64 `json:"seq"`
}

// Machine validates and records state transitions. All methods are safe for
// concurrent use; there is exactly one current state at any time.
type Machine struct {
	mu       sync.RWMutex
	current  State
	seq      uint64
	history  []Transition
	capacity int
	bus      *bus.Registry
}

// New creates a machine starting in Idle. capacity bounds the retained
// transition history; values < 1 use DefaultHistorySize. b may be nil when no
// observers are wired.
func New(capacity int, b *bus.Registry) *Machine {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &Machine{current: StateIdle, capacity: capacity, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves the machine to the target state. An illegal target fails
// with an error wrapping ErrInvalidTransition and leaves the current state
// untouched. On success the change is appended to the bounded history and a
// state_changed event is published.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !from.CanTransition(to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.seq++
	tr := Transition{From: from, To: to, Seq: m.seq, At: time.Now().UTC()}
	m.current = to
	m.history = append(m.history, tr)
	if len(m.history) > m.capacity {
		m.history = m.history[len(m.history)-m.capacity:]
	}
	m.mu.Unlock()

	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(from.String(), false)
	metrics.SetCurrentState(to.String(), true)
	if m.bus != nil {
		m.bus.Publish(bus.EventStateChanged, Change{From: from, To: to, Seq: tr.Seq})
	}
	return nil
}

// History returns a copy of the retained transition history, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// Seq returns the sequence number of the latest transition, 0 when none.
func (m *Machine) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}
