package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Flow manages flows and their drafts. Drafts are only checked for structural shape here;
// publishability is decided by Publishing.
type Flow struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewFlow creates a new flow service.
func NewFlow(persistence persistence.Persistence, logger *slog.Logger) *Flow {
	return &Flow{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "flow_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (f *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if f.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := f.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateFlowRequest contains the fields of a new flow.
type CreateFlowRequest struct {
	Name        string             `json:"name"        validate:"required,min=3,max=255"`
	Description string             `json:"description" validate:"max=2000"`
	Draft       *models.Definition `json:"draft"`
}

// UpdateFlowRequest replaces only the fields that are set.
type UpdateFlowRequest struct {
	Name        *string            `json:"name,omitempty"        validate:"omitempty,min=3,max=255"`
	Description *string            `json:"description,omitempty" validate:"omitempty,max=2000"`
	Draft       *models.Definition `json:"draft,omitempty"`
}

// Create stores a new flow owned by the actor's organization.
func (f *Flow) Create(ctx context.Context, actor models.Actor, req CreateFlowRequest) (*models.Flow, error) {
	err := checkActor(f.validate, actor)
	if err != nil {
		return nil, err
	}

	err = f.validate.Struct(req)
	if err != nil {
		return nil, NewServiceError("Create", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	draft := req.Draft
	if draft == nil {
		draft = &models.Definition{}
	}

	_, err = graph.New(draft)
	if err != nil {
		return nil, err
	}

	flow := &models.Flow{
		OrganizationID: actor.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Draft:          draft.Clone(),
		CreatedBy:      actor.ID,
	}

	err = f.persistence.FlowRepository().Save(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	f.logger.InfoContext(ctx, "flow created", "flow_id", flow.ID, "organization_id", flow.OrganizationID)

	return flow, nil
}

// Get returns one flow of the actor's organization.
func (f *Flow) Get(ctx context.Context, actor models.Actor, id string) (*models.Flow, error) {
	return loadFlow(ctx, f.persistence, actor, id, "Get")
}

// List returns every flow of the actor's organization, newest first.
func (f *Flow) List(ctx context.Context, actor models.Actor) ([]*models.Flow, error) {
	err := checkActor(f.validate, actor)
	if err != nil {
		return nil, err
	}

	return f.persistence.FlowRepository().ListByOrganization(ctx, actor.OrganizationID)
}

// Update edits name, description or draft. The published version is never touched.
func (f *Flow) Update(ctx context.Context, actor models.Actor, id string, req UpdateFlowRequest) (*models.Flow, error) {
	err := checkActor(f.validate, actor)
	if err != nil {
		return nil, err
	}

	err = f.validate.Struct(req)
	if err != nil {
		return nil, NewServiceError("Update", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	flow, err := loadFlow(ctx, f.persistence, actor, id, "Update")
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		flow.Name = *req.Name
	}

	if req.Description != nil {
		flow.Description = *req.Description
	}

	if req.Draft != nil {
		_, err = graph.New(req.Draft)
		if err != nil {
			return nil, err
		}

		flow.Draft = req.Draft.Clone()
	}

	err = f.persistence.FlowRepository().Save(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}

func checkActor(validate *validator.Validate, actor models.Actor) error {
	err := validate.Struct(actor)
	if err != nil {
		return NewServiceError("Authorize", "invalid_actor", err.Error(), ErrInvalidActor)
	}

	return nil
}

// loadFlow fetches a flow and enforces that it belongs to the actor's organization.
func loadFlow(ctx context.Context, p persistence.Persistence, actor models.Actor, id, op string) (*models.Flow, error) {
	flow, err := p.FlowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if flow.OrganizationID != actor.OrganizationID {
		return nil, NewServiceError(op, "forbidden", "", ErrForbidden)
	}

	return flow, nil
}
