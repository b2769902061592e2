package types

import "fmt"

// ValidationError reports malformed input or an illegal state transition
// requested by a caller. It is surfaced to the client, never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidationError builds a field-less validation error.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// MissingObjectError reports that a referenced entity does not exist or
// did not match a conditional update filter.
type MissingObjectError struct {
	Message string
}

func (e *MissingObjectError) Error() string {
	return e.Message
}

// NewMissingObjectError builds a MissingObjectError.
func NewMissingObjectError(format string, args ...any) *MissingObjectError {
	return &MissingObjectError{Message: fmt.Sprintf(format, args...)}
}

// LaunchTaskError reports a routing failure during task dispatch. The
// dispatcher catches it and translates the code into a task status
// transition; it is never propagated raw to callers.
type LaunchTaskError struct {
	Code    TaskFailureCode
	TaskID  string
	Message string
}

func (e *LaunchTaskError) Error() string {
	return fmt.Sprintf("launch task %s: %s (%s)", e.TaskID, e.Message, e.Code)
}

// NewLaunchTaskError builds a LaunchTaskError for the given task.
func NewLaunchTaskError(code TaskFailureCode, taskID, format string, args ...any) *LaunchTaskError {
	return &LaunchTaskError{Code: code, TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}

// FreeTierLimitExceededError reports a quota violation detected before
// any state mutation. Admission aborts cleanly when this is returned.
type FreeTierLimitExceededError struct {
	Message string
}

func (e *FreeTierLimitExceededError) Error() string {
	return e.Message
}
