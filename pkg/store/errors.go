package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyClaimed is returned when a feature claim loses the
	// compare-and-set race (the feature is no longer pending)
	ErrAlreadyClaimed = errors.New("feature already claimed")

	// ErrInvalidTransition is returned when a status transition is attempted
	// from the wrong source state
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDependencyCycle is returned when a dependency update would make the
	// feature graph cyclic. Always wrapped together with ErrInvalidInput.
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

// TransientError marks a failure worth retrying: connection drops, timeouts,
// serialization conflicts. Callers poll-loop style treat these as "try again
// next tick".
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for nil input.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
