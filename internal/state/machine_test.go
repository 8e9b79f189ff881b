package state

import (
	"errors"
	"testing"

	"github.com/loykin/scanflow/internal/bus"
)

var allStates = []State{StateIdle, StateScanning, StatePersisting, StateDelivering, StateError}

// TestTransitionMatrix walks every (from, target) pair and checks Transition
// succeeds exactly when the target is in the allowed set.
func TestTransitionMatrix(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			m := New(0, nil)
			forceState(t, m, from)
			err := m.Transition(to)
			if from.CanTransition(to) {
				if err != nil {
					t.Fatalf("%s -> %s should succeed: %v", from, to, err)
				}
				if m.Current() != to {
					t.Fatalf("%s -> %s left state %s", from, to, m.Current())
				}
			} else {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("%s -> %s should fail with ErrInvalidTransition, got %v", from, to, err)
				}
				if m.Current() != from {
					t.Fatalf("failed transition corrupted state: %s", m.Current())
				}
			}
		}
	}
}

// forceState drives the machine to the wanted state via legal transitions.
func forceState(t *testing.T, m *Machine, want State) {
	t.Helper()
	var path []State
	switch want {
	case StateIdle:
		return
	case StateScanning:
		path = []State{StateScanning}
	case StatePersisting:
		path = []State{StateScanning, StatePersisting}
	case StateDelivering:
		path = []State{StateScanning, StatePersisting, StateDelivering}
	case StateError:
		path = []State{StateScanning, StateError}
	}
	for _, s := range path {
		if err := m.Transition(s); err != nil {
			t.Fatalf("setup transition to %s: %v", s, err)
		}
	}
}

func TestRepeatedInvalidTransitionsDoNotCorrupt(t *testing.T) {
	m := New(0, nil)
	for i := 0; i < 10; i++ {
		if err := m.Transition(StateDelivering); err == nil {
			t.Fatal("idle -> delivering must fail")
		}
	}
	if m.Current() != StateIdle {
		t.Fatalf("state corrupted: %s", m.Current())
	}
	if m.Seq() != 0 {
		t.Fatalf("failed transitions must not consume sequence numbers, seq=%d", m.Seq())
	}
}

func TestHistoryBoundedAndSequenced(t *testing.T) {
	m := New(4, nil)
	// Scanning -> Persisting -> Scanning ... generates transitions indefinitely.
	if err := m.Transition(StateScanning); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := m.Transition(StatePersisting); err != nil {
			t.Fatal(err)
		}
		if err := m.Transition(StateScanning); err != nil {
			t.Fatal(err)
		}
	}
	h := m.History()
	if len(h) != 4 {
		t.Fatalf("history not bounded: len=%d", len(h))
	}
	for i := 1; i < len(h); i++ {
		if h[i].Seq != h[i-1].Seq+1 {
			t.Fatalf("sequence not monotonic: %v", h)
		}
	}
	if h[len(h)-1].Seq != m.Seq() {
		t.Fatalf("latest history entry seq %d != machine seq %d", h[len(h)-1].Seq, m.Seq())
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New(nil)
	var got []Change
	b.Subscribe(bus.EventStateChanged, func(e bus.Event) error {
		got = append(got, e.Payload.(Change))
		return nil
	})
	m := New(0, b)
	if err := m.Transition(StateScanning); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 state_changed event, got %d", len(got))
	}
	if got[0].From != StateIdle || got[0].To != StateScanning || got[0].Seq != 1 {
		t.Fatalf("unexpected payload %+v", got[0])
	}
}

func TestErrorRequiresResetBeforeResume(t *testing.T) {
	m := New(0, nil)
	forceState(t, m, StateError)
	if err := m.Transition(StateScanning); err == nil {
		t.Fatal("error -> scanning must fail")
	}
	if err := m.Transition(StateIdle); err != nil {
		t.Fatalf("error -> idle: %v", err)
	}
	if err := m.Transition(StateScanning); err != nil {
		t.Fatalf("idle -> scanning after reset: %v", err)
	}
}
