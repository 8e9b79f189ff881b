package bus

import (
	"errors"
	"testing"
)

func TestPublishOrder(t *testing.T) {
	r := New(nil)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		r.Subscribe(EventScanOutcome, func(Event) error {
			got = append(got, i)
			return nil
		})
	}
	r.Publish(EventScanOutcome, "x")
	if len(got) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("handlers ran out of order: %v", got)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	r := New(nil)
	calls := 0
	id := r.Subscribe(EventStateChanged, func(Event) error {
		calls++
		return nil
	})
	r.Publish(EventStateChanged, nil)
	r.Unsubscribe(id)
	r.Publish(EventStateChanged, nil)
	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
	// unknown id is a no-op
	r.Unsubscribe("missing")
}

func TestHandlerFailureDoesNotBlockOthers(t *testing.T) {
	r := New(nil)
	var reached bool
	r.Subscribe(EventScanOutcome, func(Event) error { return errors.New("boom") })
	r.Subscribe(EventScanOutcome, func(Event) error { panic("worse") })
	r.Subscribe(EventScanOutcome, func(Event) error {
		reached = true
		return nil
	})
	r.Publish(EventScanOutcome, nil)
	if !reached {
		t.Fatal("later handler not invoked after earlier failures")
	}
}

func TestReentrantPublishQueued(t *testing.T) {
	r := New(nil)
	var order []string
	r.Subscribe(EventScanOutcome, func(e Event) error {
		order = append(order, "outer:"+e.Payload.(string))
		if e.Payload.(string) == "first" {
			r.Publish(EventScanOutcome, "nested")
		}
		order = append(order, "done:"+e.Payload.(string))
		return nil
	})
	r.Publish(EventScanOutcome, "first")
	want := []string{"outer:first", "done:first", "outer:nested", "done:nested"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("nested publish not deferred: got %v want %v", order, want)
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	r := New(nil)
	r.Publish(EventHistoryRotated, 42)
}

func TestSubscribeNilHandler(t *testing.T) {
	r := New(nil)
	if id := r.Subscribe(EventScanOutcome, nil); id != "" {
		t.Fatalf("nil handler should not be registered, got id %q", id)
	}
	r.Publish(EventScanOutcome, nil)
}
