package history

import (
	"errors"
	"fmt"
)

// ErrDuplicateRecord reports that a record's dedup key is already present in
// the current file or the unexpired recent window. It is an expected outcome,
// not a fault.
var ErrDuplicateRecord = errors.New("duplicate record")

// PersistenceError reports an unrecoverable local I/O failure. The in-memory
// file stays dirty so a later flush cycle retries the write.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
