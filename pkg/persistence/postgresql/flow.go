package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
	"github.com/google/uuid"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

const flowColumns = `
			id
		  , organization_id
		  , name
		  , description
		  , draft
		  , published_version
		  , created_by
		  , created_at
		  , updated_at`

// Save upserts the flow. The published_version column is left untouched on update.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	if flow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate flow ID: %w", err)
		}

		flow.ID = id.String()
	}

	draftJSON, err := json.Marshal(flow.Draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	query := `
		INSERT INTO flows (id, organization_id, name, description, draft, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			draft = EXCLUDED.draft,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, published_version
	`

	var published sql.NullInt64

	err = r.db.QueryRowContext(ctx, query,
		flow.ID,
		flow.OrganizationID,
		flow.Name,
		flow.Description,
		draftJSON,
		flow.CreatedBy,
		flow.CreatedAt,
		flow.UpdatedAt,
	).Scan(&flow.CreatedAt, &published)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	flow.PublishedVersion = nullableInt(published)

	return nil
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`

	flow, err := r.scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

func (r *FlowRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE organization_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func(ctx context.Context, r *FlowRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *FlowRepository) scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow      models.Flow
		draftJSON []byte
		published sql.NullInt64
	)

	err := row.Scan(
		&flow.ID,
		&flow.OrganizationID,
		&flow.Name,
		&flow.Description,
		&draftJSON,
		&published,
		&flow.CreatedBy,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(draftJSON) > 0 {
		err = json.Unmarshal(draftJSON, &flow.Draft)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
		}
	}

	flow.PublishedVersion = nullableInt(published)

	return &flow, nil
}

func nullableInt(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}

	n := int(value.Int64)

	return &n
}
