package lifecycle

import (
	"errors"
	"fmt"

	"fieldops/core/models"
)

var (
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")
	ErrValidation        = errors.New("lifecycle: validation failed")
	ErrForbidden         = errors.New("lifecycle: role may not perform this transition")
)

// ValidationError is a missing or malformed user input, rejected before any remote or queue interaction.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// TransitionError names a status change the state machine does not allow.
type TransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
