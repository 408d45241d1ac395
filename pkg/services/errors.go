package services

import (
	"errors"
	"fmt"

	"github.com/sessionworks/maestro/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrMissingFeedback is returned when a rejection transition carries no feedback
	ErrMissingFeedback = errors.New("feedback is required when rejecting a ticket")

	// ErrHasLiveSession is returned when an operation requires that no
	// running or paused session exist for the target
	ErrHasLiveSession = errors.New("a running or paused session already exists")

	// ErrSessionNotRunning is returned when input is sent to a session
	// that is not in the running state
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrTicketNotInProgress is returned when a ticket session is requested
	// for a ticket that is not in_progress
	ErrTicketNotInProgress = errors.New("ticket is not in progress")
)

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

// InvalidTransitionError reports a ticket state transition that the
// lifecycle does not allow. The from/to pair is surfaced to API clients.
type InvalidTransitionError struct {
	TicketID string
	From     models.TicketState
	To       models.TicketState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for ticket %s: %s -> %s", e.TicketID, e.From, e.To)
}

// IsInvalidTransition checks if an error is an invalid transition error
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
