// Package service provides application-level services for managing
// generation tasks and their results.
package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// Callers check these with errors.Is(); the API layer maps them to HTTP
// status codes.
var (
	// ErrNotOwned indicates a resource is owned by a different user than
	// the one making the request. The API layer maps this to 404 so task
	// ids are not probeable across users.
	ErrNotOwned = errors.New("resource is owned by another user")

	// ErrTaskNotReady indicates a download was requested before the task
	// reached the success state. API layer maps this to HTTP 409 Conflict.
	ErrTaskNotReady = errors.New("task result is not ready")
)

// TaskServiceError wraps unexpected errors from the task service with
// operation context.
type TaskServiceError struct {
	// Operation is the operation that failed (e.g., "create_task")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for TaskServiceError.
func (e *TaskServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskServiceError) Unwrap() error {
	return e.Err
}
