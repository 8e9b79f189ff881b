package sink

import (
	"context"
	"errors"

	"github.com/loykin/scanflow/internal/record"
)

// Sink delivers accepted records to a downstream destination. Implementations
// classify delivery failures so the retry scheduler knows whether another
// attempt can help.
type Sink interface {
	Deliver(ctx context.Context, rec record.Record) error
	Close() error
}

// Failure classes. Sinks wrap these (or their own errors) with Transient or
// Permanent so callers can branch on errors.Is / IsTransient.
var (
	ErrNetwork        = errors.New("network failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrAuthentication = errors.New("authentication failed")
	ErrRejected       = errors.New("record rejected")
)

// TransientError marks a failure where a later attempt may succeed.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure no retry can fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err carries a transient classification.
// Unclassified errors are treated as transient so an unknown failure mode
// still gets its retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
