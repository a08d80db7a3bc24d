package operations

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is matched by every error produced when an operation's
	// token has been aborted. The abort cause is wrapped alongside it.
	ErrCancelled = errors.New("operation cancelled")

	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("operation already active")

	ErrUnknownKind = errors.New("unknown operation kind")

	// Abort causes.
	ErrCancelRequested = errors.New("cancel requested")
	ErrTimedOut        = errors.New("operation timed out")
	ErrShutdown        = errors.New("shutting down")

	errReleased = errors.New("operation finished")
)

// ConflictError is returned when registering a kind that already has an
// active operation. Active describes the operation that holds the kind.
type ConflictError struct {
	Kind   Kind
	Active Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s operation %s already active since %s", e.Kind, e.Active.ID, e.Active.StartedAt.Format("15:04:05"))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsCancelled reports whether err stems from an aborted token.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
