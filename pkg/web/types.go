// Package web provides the REST API for editing, publishing and routing flows, the
// telephony event ingress and the statistics queries.
package web

import (
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/routing"
	"github.com/dukex/callflow/pkg/stats"
	"github.com/dukex/callflow/pkg/validation"
)

// UpdateDraftRequest replaces a flow's draft definition.
type UpdateDraftRequest struct {
	Draft *models.Definition `json:"draft" validate:"required"`
}

// BindNumberRequest points a phone number at a flow.
type BindNumberRequest struct {
	FlowID string `json:"flow_id" validate:"required"`
}

// ValidateResponse reports whether a draft could be published as is.
type ValidateResponse struct {
	Valid   bool                `json:"valid"`
	Reasons []validation.Reason `json:"reasons"`
}

// ResolveResponse is the flow version a call to PhoneNumber would execute.
type ResolveResponse struct {
	PhoneNumber    string `json:"phone_number"`
	FlowID         string `json:"flow_id"`
	OrganizationID string `json:"organization_id"`
	Version        int    `json:"version"`
}

func newResolveResponse(resolution *routing.Resolution) ResolveResponse {
	return ResolveResponse{
		PhoneNumber:    resolution.PhoneNumber,
		FlowID:         resolution.Version.FlowID,
		OrganizationID: resolution.Version.OrganizationID,
		Version:        resolution.Version.Number,
	}
}

const (
	CallEventAccepted  = "accepted"
	CallEventDiscarded = "discarded"
)

// CallEventResponse acknowledges a telephony provider event.
type CallEventResponse struct {
	Status  string              `json:"status"`
	Reason  string              `json:"reason,omitempty"`
	Session *models.CallSession `json:"session,omitempty"`
}

// StatsResponse carries a counters snapshot with the derived mean call duration.
type StatsResponse struct {
	*stats.Counters

	MeanDuration time.Duration `json:"mean_duration"`
}

func newStatsResponse(counters *stats.Counters) StatsResponse {
	return StatsResponse{
		Counters:     counters,
		MeanDuration: counters.Duration.Mean(),
	}
}
