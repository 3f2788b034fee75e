// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrVersionNotFound indicates the requested version number does not exist for the flow.
	ErrVersionNotFound = errors.New("version not found")

	// ErrVersionConflict indicates another writer appended the same version number first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrBindingNotFound indicates a phone number has no binding.
	ErrBindingNotFound = errors.New("binding not found")
)

// FlowError wraps flow and version errors with additional context.
type FlowError struct {
	Op      string // Operation being performed (e.g., "GetByID", "Append")
	FlowID  string // Flow ID if applicable
	Version int    // Version number if applicable
	Err     error  // Underlying error
}

func (e *FlowError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for flow %s version %d: %v", e.Op, e.FlowID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{
		Op:     op,
		FlowID: flowID,
		Err:    err,
	}
}

// NewVersionError creates a new flow error for a specific version.
func NewVersionError(op, flowID string, version int, err error) *FlowError {
	return &FlowError{
		Op:      op,
		FlowID:  flowID,
		Version: version,
		Err:     err,
	}
}

// BindingError wraps binding errors with the phone number involved.
type BindingError struct {
	Op          string
	PhoneNumber string
	Err         error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("%s operation failed for number %s: %v", e.Op, e.PhoneNumber, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}

func (e *BindingError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewBindingError creates a new binding error with context.
func NewBindingError(op, phoneNumber string, err error) *BindingError {
	return &BindingError{
		Op:          op,
		PhoneNumber: phoneNumber,
		Err:         err,
	}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsVersionNotFound checks if an error indicates a version was not found.
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}

// IsVersionConflict checks if an error indicates a lost compare-and-swap on the version counter.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsBindingNotFound checks if an error indicates a phone number has no binding.
func IsBindingNotFound(err error) bool {
	return errors.Is(err, ErrBindingNotFound)
}
