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
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// VersionRepository handles the append-only version history.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

// Append inserts the version and moves the flow's pointer in one transaction. The flow row is
// locked first so concurrent appenders for the same flow serialize on it.
func (r *VersionRepository) Append(ctx context.Context, version *models.Version) (err error) {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	definitionJSON, err := json.Marshal(version.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked string

	err = tx.QueryRowContext(ctx, "SELECT id FROM flows WHERE id = $1 FOR UPDATE", version.FlowID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewFlowError("Append", version.FlowID, persistence.ErrFlowNotFound)
		}

		return fmt.Errorf("failed to lock flow: %w", err)
	}

	var latest int

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(number), 0) FROM flow_versions WHERE flow_id = $1", version.FlowID,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to query latest version: %w", err)
	}

	if version.Number != latest+1 {
		err = persistence.NewVersionError("Append", version.FlowID, version.Number, persistence.ErrVersionConflict)

		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_versions (flow_id, number, organization_id, definition, published_by, rolled_back_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		version.FlowID,
		version.Number,
		version.OrganizationID,
		definitionJSON,
		version.PublishedBy,
		nullInt(version.RolledBackFrom),
		version.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = persistence.NewVersionError("Append", version.FlowID, version.Number, persistence.ErrVersionConflict)

			return err
		}

		return fmt.Errorf("failed to insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE flows SET published_version = $2, updated_at = $3 WHERE id = $1",
		version.FlowID, version.Number, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to move published pointer: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}

	return nil
}

const versionColumns = `
			flow_id
		  , number
		  , organization_id
		  , definition
		  , published_by
		  , rolled_back_from
		  , created_at`

func (r *VersionRepository) Get(ctx context.Context, flowID string, number int) (*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM flow_versions WHERE flow_id = $1 AND number = $2`

	version, err := r.scanVersion(r.db.QueryRowContext(ctx, query, flowID, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewVersionError("Get", flowID, number, persistence.ErrVersionNotFound)
		}

		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	return version, nil
}

func (r *VersionRepository) Latest(ctx context.Context, flowID string) (int, error) {
	var latest sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT (SELECT COALESCE(MAX(number), 0) FROM flow_versions WHERE flow_id = f.id)
		FROM flows f WHERE f.id = $1
	`, flowID).Scan(&latest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, persistence.NewFlowError("Latest", flowID, persistence.ErrFlowNotFound)
		}

		return 0, fmt.Errorf("failed to query latest version: %w", err)
	}

	return int(latest.Int64), nil
}

func (r *VersionRepository) List(ctx context.Context, flowID string) ([]*models.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM flow_versions WHERE flow_id = $1 ORDER BY number DESC`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer func(ctx context.Context, r *VersionRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	versions := make([]*models.Version, 0)

	for rows.Next() {
		version, err := r.scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *VersionRepository) SetPublished(ctx context.Context, flowID string, number *int) error {
	now := time.Now().UTC()

	var (
		result sql.Result
		err    error
	)

	if number == nil {
		result, err = r.db.ExecContext(ctx,
			"UPDATE flows SET published_version = NULL, updated_at = $2 WHERE id = $1", flowID, now)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE flows SET published_version = $2, updated_at = $3
			WHERE id = $1 AND EXISTS (SELECT 1 FROM flow_versions WHERE flow_id = $1 AND number = $2)
		`, flowID, *number, now)
	}

	if err != nil {
		return fmt.Errorf("failed to update published pointer: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	if number == nil {
		return persistence.NewFlowError("SetPublished", flowID, persistence.ErrFlowNotFound)
	}

	return persistence.NewVersionError("SetPublished", flowID, *number, persistence.ErrVersionNotFound)
}

func (r *VersionRepository) scanVersion(row scanner) (*models.Version, error) {
	var (
		version        models.Version
		definitionJSON []byte
		rolledBack     sql.NullInt64
	)

	err := row.Scan(
		&version.FlowID,
		&version.Number,
		&version.OrganizationID,
		&definitionJSON,
		&version.PublishedBy,
		&rolledBack,
		&version.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(definitionJSON, &version.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	version.RolledBackFrom = nullableInt(rolledBack)

	return &version, nil
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*value), Valid: true}
}
