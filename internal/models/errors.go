package models

import (
	"errors"
	"fmt"
)

// Error kinds. Stage failures wrap one of these so callers can branch with
// errors.Is.
var (
	ErrStageTimeout          = errors.New("stage timeout")
	ErrStageExecution        = errors.New("stage execution error")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrValidation            = errors.New("validation error")
	ErrDuplicateGapConflict  = errors.New("duplicate gap conflict")
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid state transition")
)

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StageError is a stage failure of a specific kind.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

// NewStageError wraps err as a failure of kind in stage.
func NewStageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("stage %s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKind names the taxonomy bucket err belongs to.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStageTimeout):
		return "stage_timeout"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrDuplicateGapConflict):
		return "duplicate_gap_conflict"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "stage_execution_error"
	}
}
