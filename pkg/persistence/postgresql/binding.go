package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/dukex/callflow/pkg/persistence"
)

// BindingRepository handles phone number bindings.
type BindingRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewBindingRepository creates a new binding repository.
func NewBindingRepository(db *sql.DB, logger *slog.Logger) *BindingRepository {
	return &BindingRepository{db: db, logger: logger}
}

func (r *BindingRepository) Save(ctx context.Context, binding *models.Binding) error {
	now := time.Now().UTC()

	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}

	binding.UpdatedAt = now

	query := `
		INSERT INTO bindings (phone_number, flow_id, organization_id, bound_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone_number) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			organization_id = EXCLUDED.organization_id,
			bound_by = EXCLUDED.bound_by,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		binding.PhoneNumber,
		binding.FlowID,
		binding.OrganizationID,
		binding.BoundBy,
		binding.CreatedAt,
		binding.UpdatedAt,
	).Scan(&binding.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}

	return nil
}

const bindingColumns = `phone_number, flow_id, organization_id, bound_by, created_at, updated_at`

func (r *BindingRepository) Get(ctx context.Context, phoneNumber string) (*models.Binding, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM bindings WHERE phone_number = $1`, phoneNumber)

	binding, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewBindingError("Get", phoneNumber, persistence.ErrBindingNotFound)
		}

		return nil, fmt.Errorf("failed to scan binding: %w", err)
	}

	return binding, nil
}

func (r *BindingRepository) Delete(ctx context.Context, phoneNumber string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM bindings WHERE phone_number = $1", phoneNumber)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewBindingError("Delete", phoneNumber, persistence.ErrBindingNotFound)
	}

	return nil
}

func (r *BindingRepository) ListByOrganization(ctx context.Context, organizationID string) ([]*models.Binding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM bindings WHERE organization_id = $1 ORDER BY phone_number`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}

	defer func(ctx context.Context, r *BindingRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	bindings := make([]*models.Binding, 0)

	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}

		bindings = append(bindings, binding)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}

	return bindings, nil
}

func scanBinding(row scanner) (*models.Binding, error) {
	var binding models.Binding

	err := row.Scan(
		&binding.PhoneNumber,
		&binding.FlowID,
		&binding.OrganizationID,
		&binding.BoundBy,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &binding, nil
}
