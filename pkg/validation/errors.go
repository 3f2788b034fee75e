// Package validation decides whether a flow graph is publishable.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation indicates a graph failed publish-time validation.
var ErrValidation = errors.New("validation failed")

// Code identifies the kind of defect a Reason reports.
type Code string

const (
	CodeMissingStart         Code = "MissingStart"
	CodeMultipleStart        Code = "MultipleStart"
	CodeUnreachable          Code = "Unreachable"
	CodeMissingEdge          Code = "MissingEdge"
	CodeDuplicateEdge        Code = "DuplicateEdge"
	CodeInvalidDiscriminator Code = "InvalidDiscriminator"
	CodeUnknownVariable      Code = "UnknownVariable"
	CodeInvalidVariable      Code = "InvalidVariable"
	CodeInvalidConfig        Code = "InvalidConfig"
)

// Reason is one publish blocker.
type Reason struct {
	Code          Code   `json:"code"`
	NodeID        string `json:"node_id,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// String renders a reason as Code(node=..., discriminator="...", detail).
func (r Reason) String() string {
	var parts []string

	if r.NodeID != "" {
		parts = append(parts, "node="+r.NodeID)
	}

	if r.Discriminator != "" {
		parts = append(parts, fmt.Sprintf("discriminator=%q", r.Discriminator))
	}

	if r.Detail != "" {
		parts = append(parts, r.Detail)
	}

	if len(parts) == 0 {
		return string(r.Code)
	}

	return fmt.Sprintf("%s(%s)", r.Code, strings.Join(parts, ", "))
}

func (r Reason) less(o Reason) bool {
	if r.Code != o.Code {
		return r.Code < o.Code
	}

	if r.NodeID != o.NodeID {
		return r.NodeID < o.NodeID
	}

	if r.Discriminator != o.Discriminator {
		return r.Discriminator < o.Discriminator
	}

	return r.Detail < o.Detail
}

// ValidationError carries every reason a graph cannot be published.
type ValidationError struct {
	Reasons []Reason `json:"reasons"`
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Reasons))
	for _, reason := range e.Reasons {
		messages = append(messages, reason.String())
	}

	return "cannot publish: " + strings.Join(messages, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Has reports whether the error contains a reason with the given code, node and discriminator.
// Empty node or discriminator match anything.
func (e *ValidationError) Has(code Code, nodeID, discriminator string) bool {
	for _, r := range e.Reasons {
		if r.Code != code {
			continue
		}

		if nodeID != "" && r.NodeID != nodeID {
			continue
		}

		if discriminator != "" && r.Discriminator != discriminator {
			continue
		}

		return true
	}

	return false
}

// IsValidationError checks if an error is a publish validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// Reasons extracts the reason list from err, or nil.
func Reasons(err error) []Reason {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Reasons
	}

	return nil
}
