package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/callflow/pkg/models"
)

var (
	// ErrStaleEvent indicates an event was a duplicate, out of order, or answered a
	// command the session no longer waits on. Stale events have no side effects.
	ErrStaleEvent = errors.New("stale event")

	// ErrUnexpectedEvent indicates an event the session's current state cannot consume.
	ErrUnexpectedEvent = errors.New("unexpected event")

	// ErrCallExists indicates a second start for a call id that already has a session.
	ErrCallExists = errors.New("call already started")

	// Runtime faults. They never escape a call: the session aborts and the error text
	// becomes its abort detail.
	ErrRuntimeEvaluation      = errors.New("runtime evaluation failed")
	ErrExecutionLimitExceeded = errors.New("execution limit exceeded")
	ErrNoMatchingEdge         = errors.New("no matching edge")
	ErrVersionUnavailable     = errors.New("pinned version unavailable")

	// ErrSessionExpired marks calls ended by the reaper or an operator.
	ErrSessionExpired = errors.New("session expired")
)

// ExecutionError describes a runtime fault at one node of a call.
type ExecutionError struct {
	CallID string
	NodeID string
	Reason models.AbortReason
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("call %s: %v", e.CallID, e.Err)
	}

	return fmt.Sprintf("call %s at node %s: %v", e.CallID, e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsStale checks if an error means the event was discarded without side effects.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrUnexpectedEvent)
}

func reasonError(reason models.AbortReason) error {
	switch reason {
	case models.AbortExecutionLimitExceeded:
		return ErrExecutionLimitExceeded
	case models.AbortNoMatchingEdge:
		return ErrNoMatchingEdge
	case models.AbortVersionUnavailable:
		return ErrVersionUnavailable
	case models.AbortSessionExpired:
		return ErrSessionExpired
	default:
		return ErrRuntimeEvaluation
	}
}
