package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// RelationshipRepo handles persistence for relationships between entities.
type RelationshipRepo struct{}

const relationshipColumns = `id, project_id, source_id, target_id, type, properties_json, version, created_by_suggestion_id, created_at, updated_at`

// CreateTx inserts a relationship.
func (r *RelationshipRepo) CreateTx(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	props, err := encodeJSON(rel.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if props == "" {
		props = "{}"
	}
	const q = `INSERT INTO relationships (` + relationshipColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		rel.ID,
		rel.ProjectID,
		rel.SourceID,
		rel.TargetID,
		rel.Type,
		props,
		rel.Version,
		rel.CreatedBySuggestionID,
		rel.CreatedAt,
		rel.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOptimisticLock
		}
		return fmt.Errorf("create relationship: %w", err)
	}
	return nil
}

// UpdateTx overwrites type and properties when the stored version equals expectedVersion.
func (r *RelationshipRepo) UpdateTx(ctx context.Context, tx *sql.Tx, rel domain.Relationship, expectedVersion int64) error {
	props, err := encodeJSON(rel.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if props == "" {
		props = "{}"
	}
	const q = `UPDATE relationships SET type = ?, properties_json = ?, updated_at = ?, version = version + 1
	WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q, rel.Type, props, rel.UpdatedAt, rel.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}
	return expectOneRow(res)
}

// DeleteTx removes a relationship when the stored version equals expectedVersion.
func (r *RelationshipRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	return expectOneRow(res)
}

// GetByID retrieves a relationship by its ID.
func (r *RelationshipRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Relationship, error) {
	row := q.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	rel, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTargetNotFound
		}
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return rel, nil
}

// ListByEntity returns every relationship that has entityID as either endpoint.
func (r *RelationshipRepo) ListByEntity(ctx context.Context, q Querier, entityID string) ([]domain.Relationship, error) {
	return r.list(ctx, q, `SELECT `+relationshipColumns+` FROM relationships
WHERE source_id = ? OR target_id = ? ORDER BY created_at ASC, id ASC`, entityID, entityID)
}

// ListByCreatedBySuggestion returns the relationships a suggestion created.
func (r *RelationshipRepo) ListByCreatedBySuggestion(ctx context.Context, q Querier, suggestionID string) ([]domain.Relationship, error) {
	return r.list(ctx, q, `SELECT `+relationshipColumns+` FROM relationships
WHERE created_by_suggestion_id = ? ORDER BY created_at ASC, id ASC`, suggestionID)
}

// ListByProject returns all relationships of a project.
func (r *RelationshipRepo) ListByProject(ctx context.Context, q Querier, projectID string) ([]domain.Relationship, error) {
	return r.list(ctx, q, `SELECT `+relationshipColumns+` FROM relationships
WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
}

func (r *RelationshipRepo) list(ctx context.Context, q Querier, query string, args ...any) ([]domain.Relationship, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*domain.Relationship, error) {
	var (
		rel   domain.Relationship
		props string
	)
	if err := row.Scan(&rel.ID, &rel.ProjectID, &rel.SourceID, &rel.TargetID, &rel.Type, &props,
		&rel.Version, &rel.CreatedBySuggestionID, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(props, &rel.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return &rel, nil
}
