// Package persistence provides the data storage abstraction for flows, versions and bindings.
package persistence

import (
	"context"

	"github.com/dukex/callflow/pkg/models"
)

type Persistence interface {
	FlowRepository() FlowRepository
	VersionRepository() VersionRepository
	BindingRepository() BindingRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores flows and their drafts.
type FlowRepository interface {
	// Save creates or updates a flow's name, description and draft. It never changes the
	// published version pointer, which only VersionRepository moves.
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*models.Flow, error)
}

// VersionRepository stores the append-only version history and the published pointer.
type VersionRepository interface {
	// Append stores version and swaps the flow's published pointer to it in one atomic
	// step. It fails with ErrVersionConflict unless version.Number is exactly one more
	// than the latest stored number for the flow.
	Append(ctx context.Context, version *models.Version) error
	Get(ctx context.Context, flowID string, number int) (*models.Version, error)
	// Latest returns the highest version number for the flow, or 0 when none exists.
	Latest(ctx context.Context, flowID string) (int, error)
	// List returns every version of the flow, newest first.
	List(ctx context.Context, flowID string) ([]*models.Version, error)
	// SetPublished points the flow at an existing version, or clears the pointer when nil.
	SetPublished(ctx context.Context, flowID string, number *int) error
}

// BindingRepository stores phone number bindings.
type BindingRepository interface {
	Save(ctx context.Context, binding *models.Binding) error
	Get(ctx context.Context, phoneNumber string) (*models.Binding, error)
	Delete(ctx context.Context, phoneNumber string) error
	ListByOrganization(ctx context.Context, organizationID string) ([]*models.Binding, error)
}
