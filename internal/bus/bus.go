package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a class of engine events observers can subscribe to.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventScanOutcome    EventType = "scan_outcome"
	EventRetryAttempt   EventType = "retry_attempt"
	EventRetrySucceeded EventType = "retry_succeeded"
	EventRetryExhausted EventType = "retry_exhausted"
	EventHistoryRotated EventType = "history_rotated"
	EventHistoryFlushed EventType = "history_flushed"
)

// Event is delivered to every handler subscribed to its type.
// Payload shapes are defined by the publishing package: state.Change for
// state_changed, retry.Attempt/retry.Result for the retry_* events,
// history.Rotation for history_rotated and history.FlushInfo for
// history_flushed, coordinator.OutcomeEvent for scan_outcome.
type Event struct {
	Type    EventType
	Payload any
	At      time.Time
}

// Handler receives events. A returned error is logged and does not affect
// other handlers or the publisher.
type Handler func(Event) error

// SubscriptionID identifies a single subscription for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id   SubscriptionID
	kind EventType
	fn   Handler
	// inflight guarantees a handler is never invoked concurrently with itself,
	// even if the same subscription is reachable from multiple registries.
	inflight sync.Mutex
}

// Registry is an ordered, type-safe event fan-out. Handlers for one event
// type run in subscription order. Publish from within a handler is allowed;
// the nested event is queued and dispatched after the current one completes.
type Registry struct {
	mu          sync.Mutex
	subs        map[EventType][]*subscription
	byID        map[SubscriptionID]*subscription
	queue       []Event
	dispatching bool
	log         *slog.Logger
}

// New creates an empty registry. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		subs: make(map[EventType][]*subscription),
		byID: make(map[SubscriptionID]*subscription),
		log:  log,
	}
}

// Subscribe registers a handler for the given event type and returns an id
// usable with Unsubscribe. Handlers run in the order they were subscribed.
func (r *Registry) Subscribe(kind EventType, fn Handler) SubscriptionID {
	if fn == nil {
		return ""
	}
	s := &subscription{id: SubscriptionID(uuid.NewString()), kind: kind, fn: fn}
	r.mu.Lock()
	r.subs[kind] = append(r.subs[kind], s)
	r.byID[s.id] = s
	r.mu.Unlock()
	return s.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	list := r.subs[s.kind]
	for i, cur := range list {
		if cur == s {
			r.subs[s.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Publish dispatches the event to all handlers subscribed to kind. When
// called re-entrantly from inside a handler the event is queued and delivered
// after the active dispatch finishes, so recursion depth stays bounded.
func (r *Registry) Publish(kind EventType, payload any) {
	evt := Event{Type: kind, Payload: payload, At: time.Now().UTC()}
	r.mu.Lock()
	r.queue = append(r.queue, evt)
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		handlers := append([]*subscription(nil), r.subs[next.Type]...)
		r.mu.Unlock()
		for _, s := range handlers {
			r.invoke(s, next)
		}
		r.mu.Lock()
	}
	r.dispatching = false
	r.mu.Unlock()
}

func (r *Registry) invoke(s *subscription, evt Event) {
	s.inflight.Lock()
	defer s.inflight.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("observer panicked",
				"event", string(evt.Type), "subscription", string(s.id),
				"panic", fmt.Sprint(rec))
		}
	}()
	if err := s.fn(evt); err != nil {
		r.log.Warn("observer failed",
			"event", string(evt.Type), "subscription", string(s.id), "error", err)
	}
}
