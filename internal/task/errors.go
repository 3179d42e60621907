package task

import (
	"errors"
	"fmt"
)

// ErrNotFound covers both a missing record and a record owned by someone
// else. The two are deliberately indistinguishable so that non-owners
// cannot probe for existence.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError rejects a status change that is not an edge of
// the lifecycle graph. Current and Requested are part of the contract so
// callers can render a precise message.
type InvalidTransitionError struct {
	Current   Status
	Requested Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.Current, e.Requested)
}

// ValidationError reports malformed input with field-level detail.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PersistenceError wraps a store-level failure. Callers learn nothing
// beyond "retry later"; the cause stays available for logging via Unwrap.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
