package routing

import (
	"errors"
	"fmt"

	"github.com/dukex/callflow/pkg/models"
)

var (
	// ErrUnbound indicates a number has no flow with a published version behind it.
	ErrUnbound = errors.New("number is not bound to a published flow")

	// ErrInvalidNumber indicates a phone number is not a valid E.164 number.
	ErrInvalidNumber = errors.New("invalid phone number")

	// ErrForbidden indicates the number or flow belongs to another organization.
	ErrForbidden = errors.New("binding belongs to another organization")

	// ErrInvalidActor indicates the actor identity is incomplete.
	ErrInvalidActor = errors.New("actor identity is incomplete")
)

// UnboundError is returned by Resolve when a call cannot be routed. Binding is set when
// the number is bound to a flow that has no published version.
type UnboundError struct {
	PhoneNumber string
	Binding     *models.Binding
}

func (e *UnboundError) Error() string {
	if e.Binding != nil {
		return fmt.Sprintf("number %s is bound to flow %s which has no published version", e.PhoneNumber, e.Binding.FlowID)
	}

	return fmt.Sprintf("number %s is not bound", e.PhoneNumber)
}

func (e *UnboundError) Unwrap() error {
	return ErrUnbound
}

// IsUnbound checks if an error is a routing miss.
func IsUnbound(err error) bool {
	return errors.Is(err, ErrUnbound)
}
