package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/google/uuid"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	p *Persistence
}

func (fr *FlowRepository) flowPath(id string) string {
	return fr.p.path("flows", id+".json")
}

// Save writes the flow file, carrying over the stored published pointer.
func (fr *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	fr.p.mu.Lock()
	defer fr.p.mu.Unlock()

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate flow ID: %w", err)
		}

		flow.ID = id.String()
	}

	if err := safeName(flow.ID); err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	existing, err := fr.load(flow.ID)

	switch {
	case err == nil:
		flow.PublishedVersion = existing.PublishedVersion
		flow.CreatedAt = existing.CreatedAt
	case errors.Is(err, persistence.ErrFlowNotFound):
		flow.PublishedVersion = nil
	default:
		return err
	}

	return writeJSON(fr.flowPath(flow.ID), flow)
}

func (fr *FlowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	return fr.load(id)
}

func (fr *FlowRepository) load(id string) (*models.Flow, error) {
	if err := safeName(id); err != nil {
		return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
	}

	var flow models.Flow

	err := readJSON(fr.flowPath(id), &flow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to fetch flow %s: %w", id, err)
	}

	return &flow, nil
}

func (fr *FlowRepository) ListByOrganization(_ context.Context, organizationID string) ([]*models.Flow, error) {
	root := os.DirFS(fr.p.path("flows"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.Flow, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		flow, err := fr.load(strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsFlowNotFound(err) {
				continue
			}

			return nil, err
		}

		if flow.OrganizationID == organizationID {
			flows = append(flows, flow)
		}
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	return flows, nil
}

// setPublished rewrites the flow's pointer. Callers hold p.mu.
func (fr *FlowRepository) setPublished(id string, number *int, at time.Time) error {
	flow, err := fr.load(id)
	if err != nil {
		return err
	}

	flow.PublishedVersion = number
	flow.UpdatedAt = at

	return writeJSON(fr.flowPath(id), flow)
}
