package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an improvement does not exist.
	ErrNotFound = errors.New("improvement not found")

	// ErrConflict is returned to the losing writer of a concurrent update.
	// Callers should reload and retry with fresh state.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the improvement's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move improvement from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
