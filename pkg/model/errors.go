package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the report API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// ErrNotValidated is returned when a run is attempted on a schedule table
// that has not passed Validate.
var ErrNotValidated = errors.New("schedule table has not been validated")

// ErrScheduleFrozen is returned by Define once a run has started.
var ErrScheduleFrozen = errors.New("schedule table is frozen")

// DuplicateJobError is returned when a job name is registered twice.
type DuplicateJobError struct {
	Job string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q is already registered", e.Job)
}

// UnknownJobError is returned when a name does not refer to a registered job.
type UnknownJobError struct {
	Job string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("job %q is not registered", e.Job)
}

// RegistryFrozenError is returned when registering after the engine started.
type RegistryFrozenError struct {
	Job string
}

func (e *RegistryFrozenError) Error() string {
	return fmt.Sprintf("cannot register job %q: registry is frozen", e.Job)
}

// DanglingReferenceError is returned when a dependencies or on_success entry
// names a job that was never registered.
type DanglingReferenceError struct {
	Job   string
	Field string
	Ref   string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("job %q: %s references unknown job %q", e.Job, e.Field, e.Ref)
}

// CyclicDependencyError is returned when the dependency relation has a cycle.
type CyclicDependencyError struct {
	Jobs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle involving jobs: %s", strings.Join(e.Jobs, ", "))
}

// InvalidEntryError is returned when a schedule entry field is out of range.
type InvalidEntryError struct {
	Job    string
	Field  string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("job %q: invalid %s: %s", e.Job, e.Field, e.Reason)
}

// TimeoutError is the failure recorded when an attempt exceeds its timeout.
type TimeoutError struct {
	Job     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %q timed out after %s", e.Job, e.Timeout)
}

// ExecutorError wraps a failure reported by a task executor.
type ExecutorError struct {
	Job     string
	Attempt int
	Err     error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("job %q attempt %d: %v", e.Job, e.Attempt, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// TeardownError wraps a failed best-effort teardown.
type TeardownError struct {
	Job string
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown for job %q: %v", e.Job, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// IsStructural reports whether err is a setup/validation error that must
// abort a run before any job executes.
func IsStructural(err error) bool {
	var (
		dup  *DuplicateJobError
		unk  *UnknownJobError
		frz  *RegistryFrozenError
		dang *DanglingReferenceError
		cyc  *CyclicDependencyError
		inv  *InvalidEntryError
	)
	return errors.As(err, &dup) || errors.As(err, &unk) || errors.As(err, &frz) ||
		errors.As(err, &dang) || errors.As(err, &cyc) || errors.As(err, &inv) ||
		errors.Is(err, ErrNotValidated) || errors.Is(err, ErrScheduleFrozen)
}

// KindOf classifies a job attempt error.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return FailureTimeout
	}
	return FailureExecutor
}
