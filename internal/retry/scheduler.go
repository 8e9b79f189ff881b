package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/scanflow/internal/bus"
)

// Operation is a unit of work executed under the scheduler's policy. It
// either succeeds, fails with a retryable error, or fails with an error
// wrapped by Permanent, which stops retrying immediately.
type Operation func(ctx context.Context) error

// Permanent marks err as non-retryable: the scheduler reports it without
// consuming the remaining backoff schedule.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Attempt is the payload published on retry_attempt events.
type Attempt struct {
	Name    string        `json:"name"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error,omitempty"`
}

// Result is the payload published on retry_succeeded and retry_exhausted.
// Permanent distinguishes a non-retryable short-circuit from a consumed
// attempt budget.
type Result struct {
	Name      string `json:"name"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Scheduler executes operations under a backoff Policy. Every Run gets a
// fresh backoff state, so concurrent operations cannot affect each other's
// schedule.
type Scheduler struct {
	policy Policy
	bus    *bus.Registry
	log    *slog.Logger
}

// New creates a scheduler. b may be nil when no observers are wired; a nil
// logger falls back to slog.Default.
func New(policy Policy, b *bus.Registry, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{policy: policy, bus: b, log: log}
}

// Policy returns the scheduler's policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Run executes op synchronously under the policy, blocking the caller until
// the operation succeeds, fails permanently, or exhausts its attempts. The
// returned error is the last classified error, nil on success.
func (s *Scheduler) Run(ctx context.Context, name string, op Operation) error {
	p := s.policy
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.RandomizationFactor = p.JitterFraction
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0 // the attempt budget is the only stop condition
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	permanent := false
	wrapped := func() error {
		attempt++
		err := op(ctx)
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		if err == nil {
			s.publish(bus.EventRetryAttempt, Attempt{Name: name, Attempt: attempt})
			return nil
		}
		s.publish(bus.EventRetryAttempt, Attempt{
			Name:    name,
			Attempt: attempt,
			Delay:   p.Delay(attempt),
			Error:   err.Error(),
		})
		return err
	}

	err := backoff.Retry(wrapped, b)
	if err == nil {
		s.publish(bus.EventRetrySucceeded, Result{Name: name, Attempts: attempt})
		return nil
	}
	s.publish(bus.EventRetryExhausted, Result{
		Name:      name,
		Attempts:  attempt,
		Error:     err.Error(),
		Permanent: permanent,
	})
	if permanent {
		s.log.Warn("operation failed permanently", "name", name, "attempts", attempt, "error", err)
	} else {
		s.log.Warn("operation failed after retries", "name", name, "attempts", attempt, "error", err)
	}
	return err
}

// Go executes op off the caller's critical path. done, if non-nil, receives
// the final outcome exactly once from the operation's goroutine.
func (s *Scheduler) Go(ctx context.Context, name string, op Operation, done func(error)) {
	go func() {
		err := s.Run(ctx, name, op)
		if done != nil {
			done(err)
		}
	}()
}

func (s *Scheduler) publish(kind bus.EventType, payload any) {
	if s.bus != nil {
		s.bus.Publish(kind, payload)
	}
}
