package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// CitationRepo handles persistence for Citation records.
type CitationRepo struct{}

// CreateTx inserts a citation within an existing transaction.
func (r *CitationRepo) CreateTx(ctx context.Context, tx *sql.Tx, c domain.Citation) error {
	region, err := encodeJSON(c.Region)
	if err != nil {
		return fmt.Errorf("encode region: %w", err)
	}
	const q = `INSERT INTO citations (id, suggestion_id, source_kind, memory_id, memory_category, asset_id, region_json, visibility, excerpt, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		c.ID,
		c.SuggestionID,
		string(c.SourceKind),
		c.MemoryID,
		c.MemoryCategory,
		c.AssetID,
		region,
		string(c.Visibility),
		c.Excerpt,
		c.Reason,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create citation: %w", err)
	}
	return nil
}

// ListBySuggestion returns the citations supporting a suggestion in creation
// order. Redacted citations are returned without their content.
func (r *CitationRepo) ListBySuggestion(ctx context.Context, q Querier, suggestionID string) ([]domain.Citation, error) {
	const query = `SELECT id, suggestion_id, source_kind, memory_id, memory_category, asset_id, region_json, visibility, excerpt, reason, created_at
FROM citations
WHERE suggestion_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()

	var out []domain.Citation
	for rows.Next() {
		var (
			c                      domain.Citation
			source, vis, regionStr string
		)
		if err := rows.Scan(&c.ID, &c.SuggestionID, &source, &c.MemoryID, &c.MemoryCategory, &c.AssetID,
			&regionStr, &vis, &c.Excerpt, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		c.SourceKind = domain.CitationSource(source)
		c.Visibility = domain.Visibility(vis)
		if regionStr != "" {
			c.Region = &domain.Region{}
			if err := decodeJSON(regionStr, c.Region); err != nil {
				return nil, fmt.Errorf("decode region: %w", err)
			}
		}
		out = append(out, c.Redacted())
	}
	return out, rows.Err()
}
