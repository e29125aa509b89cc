package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// DocumentRepo handles persistence for the server-side document mirror.
type DocumentRepo struct{}

// SaveTx creates the document when expectedVersion is 0, otherwise replaces
// its title and content if the stored version still equals expectedVersion.
// The returned document carries the new version.
func (r *DocumentRepo) SaveTx(ctx context.Context, tx *sql.Tx, doc domain.Document, expectedVersion int64) (domain.Document, error) {
	if expectedVersion == 0 {
		doc.Version = 1
		const q = `INSERT INTO documents (id, project_id, title, content, version, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, doc.ID, doc.ProjectID, doc.Title, doc.Content, doc.Version, doc.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return doc, domain.ErrOptimisticLock
			}
			return doc, fmt.Errorf("create document: %w", err)
		}
		return doc, nil
	}

	const q = `UPDATE documents SET title = ?, content = ?, updated_at = ?, version = version + 1
	WHERE id = ? AND project_id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q, doc.Title, doc.Content, doc.UpdatedAt, doc.ID, doc.ProjectID, expectedVersion)
	if err != nil {
		return doc, fmt.Errorf("update document: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return doc, err
	}
	doc.Version = expectedVersion + 1
	return doc, nil
}

// GetByID retrieves a document by its ID.
func (r *DocumentRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Document, error) {
	const query = `SELECT id, project_id, title, content, version, updated_at FROM documents WHERE id = ?`
	var d domain.Document
	err := q.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.ProjectID, &d.Title, &d.Content, &d.Version, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTargetNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}
