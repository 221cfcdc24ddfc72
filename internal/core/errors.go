package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both a missing job and a job owned by someone
	// else; the two are indistinguishable to callers.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition rejects an illegal status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVersionConflict signals a lost compare-and-swap against a job row.
	ErrVersionConflict = errors.New("job was modified concurrently")

	// ErrJobNotEditable rejects metadata edits outside pending/paused.
	ErrJobNotEditable = errors.New("job can only be edited while pending or paused")

	// ErrCancelCompleted rejects cancelling a completed job.
	ErrCancelCompleted = errors.New("completed jobs cannot be cancelled")
)

// ValidationError marks a request that fails input validation; it maps to a
// 400 response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalid builds a ValidationError.
func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
