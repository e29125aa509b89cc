package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// EntityRepo handles persistence for project entities.
type EntityRepo struct{}

const entityColumns = `id, project_id, type, name, properties_json, version, created_by_suggestion_id, created_at, updated_at`

// CreateTx inserts an entity. Used both for new entities and for restoring a
// deleted one with its original id.
func (r *EntityRepo) CreateTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	props, err := encodeJSON(e.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if props == "" {
		props = "{}"
	}
	const q = `INSERT INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		e.ID,
		e.ProjectID,
		e.Type,
		e.Name,
		props,
		e.Version,
		e.CreatedBySuggestionID,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOptimisticLock
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// UpdateTx overwrites name, type and properties when the stored version equals
// expectedVersion. The stored version becomes expectedVersion+1.
func (r *EntityRepo) UpdateTx(ctx context.Context, tx *sql.Tx, e domain.Entity, expectedVersion int64) error {
	props, err := encodeJSON(e.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if props == "" {
		props = "{}"
	}
	const q = `UPDATE entities SET type = ?, name = ?, properties_json = ?, updated_at = ?, version = version + 1
	WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q, e.Type, e.Name, props, e.UpdatedAt, e.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return expectOneRow(res)
}

// DeleteTx removes an entity when the stored version equals expectedVersion.
func (r *EntityRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return expectOneRow(res)
}

// GetByID retrieves an entity by its ID.
func (r *EntityRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTargetNotFound
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// FindByName looks up an entity of a project by exact name.
func (r *EntityRepo) FindByName(ctx context.Context, q Querier, projectID, name string) (*domain.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND name = ? LIMIT 1`,
		projectID, name)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTargetNotFound
		}
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return e, nil
}

// ListByProject returns a project's entities ordered by name.
func (r *EntityRepo) ListByProject(ctx context.Context, q Querier, projectID string) ([]domain.Entity, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE project_id = ? ORDER BY name ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*domain.Entity, error) {
	var (
		e     domain.Entity
		props string
	)
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Type, &e.Name, &props, &e.Version,
		&e.CreatedBySuggestionID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(props, &e.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return &e, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}
