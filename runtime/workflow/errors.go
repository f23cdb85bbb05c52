package workflow

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is (or the predicates below); the
// worker's retry classifier maps kinds to retry strategies.
var (
	// ErrConfig indicates missing or invalid configuration at startup. Fatal.
	ErrConfig = errors.New("invalid configuration")
	// ErrNotFound indicates an unknown workflow, version, event or execution.
	// Surfaced to the caller, never silently recovered.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation. A duplicate event id on
	// enqueue is treated as idempotent success by the runtime; a duplicate
	// processing id is an invariant violation and fatal to the task.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates a missing required action parameter or a
	// malformed stream envelope. Permanent: the offending record is marked
	// failed and never retried.
	ErrValidation = errors.New("validation failed")
	// ErrTransient indicates a transient infrastructure failure (broker,
	// lock service or persistence). Retried with backoff at the appropriate
	// layer.
	ErrTransient = errors.New("transient infrastructure failure")
)

// IsNotFound reports whether err is of kind ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is of kind ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is of kind ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTransient reports whether err is of kind ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// NotFoundf builds an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf builds an ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Transientf builds an ErrTransient with a formatted message.
func Transientf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}
