package models

import (
	"time"
)

// SessionState is the state of a call session's execution.
type SessionState string

const (
	SessionRunning   SessionState = "running"
	SessionSuspended SessionState = "suspended"
	SessionCompleted SessionState = "completed"
	SessionAborted   SessionState = "aborted"
)

// Outcome classifies how a call ended for statistics.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeUnbound   Outcome = "unbound"
)

// AbortReason explains why a session was aborted.
type AbortReason string

const (
	AbortExecutionLimitExceeded AbortReason = "ExecutionLimitExceeded"
	AbortRuntimeEvaluationError AbortReason = "RuntimeEvaluationError"
	AbortNoMatchingEdge         AbortReason = "NoMatchingEdge"
	AbortCallerHangup           AbortReason = "CallerHangup"
	AbortSessionExpired         AbortReason = "SessionExpired"
	AbortVersionUnavailable     AbortReason = "VersionUnavailable"
)

// Visit records a node entry during a call.
type Visit struct {
	NodeID    string    `json:"node_id"`
	Kind      NodeKind  `json:"kind"`
	EnteredAt time.Time `json:"entered_at"`
}

// PendingInput describes what a suspended session waits for.
type PendingInput struct {
	CommandID string    `json:"command_id"`
	NodeID    string    `json:"node_id"`
	Kind      NodeKind  `json:"kind"`
	Deadline  time.Time `json:"deadline"`
	Attempts  int       `json:"attempts"`
}

// CallSession is the runtime state of one call executing against a pinned flow version.
type CallSession struct {
	CallID         string         `json:"call_id"`
	OrganizationID string         `json:"organization_id"`
	FlowID         string         `json:"flow_id"`
	VersionNumber  int            `json:"version_number"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	State          SessionState   `json:"state"`
	CurrentNodeID  string         `json:"current_node_id"`
	Variables      map[string]any `json:"variables"`
	Visits         []Visit        `json:"visits"`
	Steps          int            `json:"steps"`
	Pending        *PendingInput  `json:"pending,omitempty"`
	LastEventSeq   int64          `json:"last_event_seq"`
	EventSeq       int64          `json:"event_seq"`
	Revision       int64          `json:"revision"`
	Outcome        Outcome        `json:"outcome,omitempty"`
	AbortReason    AbortReason    `json:"abort_reason,omitempty"`
	AbortDetail    string         `json:"abort_detail,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Terminal reports whether the session has reached Completed or Aborted.
func (s *CallSession) Terminal() bool {
	return s.State == SessionCompleted || s.State == SessionAborted
}

// Duration is the start-to-terminal delta, or zero while the call is in progress.
func (s *CallSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}

	return s.EndedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy of the session.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}

	clone := *s
	clone.Variables = copyMap(s.Variables)
	clone.Visits = append([]Visit(nil), s.Visits...)

	if s.Pending != nil {
		pending := *s.Pending
		clone.Pending = &pending
	}

	if s.EndedAt != nil {
		ended := *s.EndedAt
		clone.EndedAt = &ended
	}

	return &clone
}
