package store

import (
	"context"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record. Pass the open transaction when the record
// belongs to a decision being committed.
func (r *AuditRepo) Record(ctx context.Context, q Querier, rec domain.AuditRecord) error {
	const query = `INSERT INTO audit_records (id, project_id, suggestion_id, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		rec.ID,
		rec.ProjectID,
		rec.SuggestionID,
		rec.Category,
		rec.Actor,
		rec.Action,
		defaultJSON(rec.RequestJSON),
		defaultJSON(rec.DecisionJSON),
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListBySuggestion returns all audit records for a suggestion, ordered by creation time.
func (r *AuditRepo) ListBySuggestion(ctx context.Context, q Querier, suggestionID string) ([]domain.AuditRecord, error) {
	const query = `SELECT id, project_id, suggestion_id, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records
WHERE suggestion_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := q.QueryContext(ctx, query, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.SuggestionID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}

func defaultJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
