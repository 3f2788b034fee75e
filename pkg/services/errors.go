// Package services provides the flow editing and version publishing operations.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Request Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidActor   = errors.New("actor identity is incomplete")

	// Authorization Errors (403 Forbidden).
	ErrForbidden = errors.New("flow belongs to another organization")

	// Business Logic Conflicts (409 Conflict).
	ErrPublishConflict = errors.New("concurrent publishes kept winning the version number")
	ErrNotPublished    = errors.New("flow has no published version")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsInvalidRequest checks if an error is a request error that should return HTTP 400.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidActor)
}

// IsForbidden checks if an error is an organization mismatch that should return HTTP 403.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrPublishConflict) ||
		errors.Is(err, ErrNotPublished)
}

// NewServiceError creates a new service error with context.
func NewServiceError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
