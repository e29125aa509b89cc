package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// EventRepo handles persistence for SuggestionEvent records.
type EventRepo struct{}

// AppendTx inserts a suggestion event within an existing transaction and
// assigns it the next sequence number of its project.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.SuggestionEvent) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq_no), 0) + 1 FROM suggestion_events WHERE project_id = ?`,
		event.ProjectID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}

	const q = `INSERT INTO suggestion_events (project_id, seq_no, suggestion_id, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	payload := event.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, q,
		event.ProjectID,
		seq,
		event.SuggestionID,
		event.EventType,
		payload,
		event.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// ListByProject returns events for a project with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByProject(ctx context.Context, q Querier, projectID string, sinceSeq int64) ([]domain.SuggestionEvent, error) {
	const query = `SELECT id, project_id, seq_no, suggestion_id, event_type, payload_json, created_at
FROM suggestion_events
WHERE project_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := q.QueryContext(ctx, query, projectID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.SuggestionEvent
	for rows.Next() {
		var e domain.SuggestionEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SeqNo, &e.SuggestionID, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
