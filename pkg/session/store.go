// Package session stores call sessions between events. A session is inert state: the
// engine loads it, applies one event, and writes it back with an optimistic revision check.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/callflow/pkg/models"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrRevisionConflict = errors.New("session was modified concurrently")
)

// Store persists call sessions.
type Store interface {
	// Create stores a new session at revision 1.
	Create(ctx context.Context, session *models.CallSession) error
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	// Update writes session if the stored revision still equals session.Revision, then
	// increments session.Revision. It fails with ErrRevisionConflict otherwise.
	Update(ctx context.Context, session *models.CallSession) error
	// List returns every stored session.
	List(ctx context.Context) ([]*models.CallSession, error)
	Delete(ctx context.Context, callID string) error
	Close() error
}

// Error wraps session store errors with the call they concern.
type Error struct {
	Op     string
	CallID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s operation failed for call %s: %v", e.Op, e.CallID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, callID string, err error) *Error {
	return &Error{Op: op, CallID: callID, Err: err}
}

// IsNotFound checks if an error indicates a missing session.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsRevisionConflict checks if an error indicates a lost optimistic update.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}
