package common

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. Handlers classify with errors.Is/As
// and translate to the response envelope.
var (
	// ErrNotFound indicates a referenced task, crawler, or history row is missing
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRunning indicates a concurrent execution or start was rejected
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates a stop was requested on an idle component
	ErrNotRunning = errors.New("not running")
)

// ValidationError indicates inputs violated schema or cross-field rules
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for a specific field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// DatabaseOperationError wraps a failed persistence operation
type DatabaseOperationError struct {
	Op  string
	Err error
}

func (e *DatabaseOperationError) Error() string {
	return fmt.Sprintf("database operation %s failed: %v", e.Op, e.Err)
}

func (e *DatabaseOperationError) Unwrap() error {
	return e.Err
}

// NewDatabaseError wraps err as a DatabaseOperationError
func NewDatabaseError(op string, err error) *DatabaseOperationError {
	return &DatabaseOperationError{Op: op, Err: err}
}

// SchedulerError indicates the persistent job store was unavailable or a
// trigger operation failed. Start-level scheduler errors are fatal; reconcile
// errors degrade per-task.
type SchedulerError struct {
	Op  string
	Err error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler %s failed: %v", e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// NewSchedulerError wraps err as a SchedulerError
func NewSchedulerError(op string, err error) *SchedulerError {
	return &SchedulerError{Op: op, Err: err}
}

// NotFoundError creates an ErrNotFound wrapper naming the missing entity
func NotFoundError(entity string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}
