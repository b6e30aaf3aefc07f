package cases

import (
	"context"
	"errors"
)

// Sentinel errors. Stores return these (optionally wrapped) so callers can
// branch on them with errors.Is.
var (
	// ErrNotFound means the case does not exist.
	ErrNotFound = errors.New("case not found")

	// ErrConflict is an optimistic write conflict: the stored version or
	// ledger status changed underneath the writer. Callers retry from a fresh read.
	ErrConflict = errors.New("concurrent modification")

	// ErrStorageUnavailable means the persistence layer could not be reached.
	// Intake is rejected as retriable; there is no in-memory fallback.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidState means the requested transition is not allowed from the
	// case's current state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrShuttingDown means intake has stopped accepting work; resubmit later.
	ErrShuttingDown = errors.New("shutting down")
)

// Retriable reports whether the caller should resubmit later. A conflict only
// escapes the pipeline once its own retries are exhausted.
func Retriable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrShuttingDown) ||
		errors.Is(err, ErrConflict)
}

// CollaboratorError classifies a failure returned by an external collaborator.
type CollaboratorError struct {
	Permanent bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	if e.Permanent {
		return "permanent: " + e.Err.Error()
	}
	return "transient: " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Transient marks err as retriable (timeouts, 5xx, rate limits).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Err: err}
}

// Permanent marks err as a rejection the collaborator will repeat on retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Permanent: true, Err: err}
}

// IsPermanent reports whether err was classified permanent. Deadline
// exceeded and unclassified errors are transient.
func IsPermanent(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}
