package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// SuggestionRepo handles persistence for Suggestion records.
type SuggestionRepo struct{}

// ListQuery selects one page of a project's suggestions, newest first.
// Cursor is the CreatedAt of the last item already seen; CursorID breaks ties
// between items created in the same millisecond.
type ListQuery struct {
	ProjectID string
	Status    domain.SuggestionStatus
	Limit     int
	Cursor    int64
	CursorID  string
}

const suggestionColumns = `id, project_id, target_type, target_id, operation, tool_name, tool_call_id,
	proposed_patch, normalized_patch, editor_context_json, stage, status, resolution, preflight_json,
	risk_level, actor_json, created_at, updated_at, resolved_at, resolved_by_user_id, result_json, error,
	rollback_json, COALESCE(rolled_back_at, 0), rolled_back_by_user_id, version`

// CreateTx inserts a new suggestion within an existing transaction.
// A second suggestion for the same tool call in a project is rejected.
func (r *SuggestionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s domain.Suggestion) error {
	enc, err := encodeSuggestion(s)
	if err != nil {
		return err
	}
	const q = `INSERT INTO suggestions (id, project_id, target_type, target_id, operation, tool_name, tool_call_id,
	proposed_patch, normalized_patch, editor_context_json, stage, status, resolution, preflight_json,
	risk_level, actor_json, created_at, updated_at, resolved_at, resolved_by_user_id, result_json, error,
	rollback_json, rolled_back_by_user_id, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		s.ID,
		s.ProjectID,
		string(s.TargetType),
		s.TargetID,
		string(s.Operation),
		s.ToolName,
		s.ToolCallID,
		string(s.ProposedPatch),
		string(s.NormalizedPatch),
		enc.editorContext,
		string(s.Stage),
		string(s.Status),
		string(s.Resolution),
		enc.preflight,
		string(s.RiskLevel),
		enc.actor,
		s.CreatedAt,
		s.UpdatedAt,
		s.ResolvedAt,
		s.ResolvedByUserID,
		string(s.Result),
		s.Error,
		enc.rollback,
		s.RolledBackByUserID,
		s.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateSuggestion
		}
		return fmt.Errorf("create suggestion: %w", err)
	}
	return nil
}

// UpdateTx writes every mutable field of s using optimistic locking. The
// update only succeeds if the stored version still equals s.Version; on
// success s.Version is advanced to the stored value.
func (r *SuggestionRepo) UpdateTx(ctx context.Context, tx *sql.Tx, s *domain.Suggestion) error {
	enc, err := encodeSuggestion(*s)
	if err != nil {
		return err
	}
	const q = `UPDATE suggestions SET
		target_id = ?,
		normalized_patch = ?,
		stage = ?,
		status = ?,
		resolution = ?,
		preflight_json = ?,
		updated_at = ?,
		resolved_at = ?,
		resolved_by_user_id = ?,
		result_json = ?,
		error = ?,
		rollback_json = ?,
		version = version + 1
	WHERE id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, q,
		s.TargetID,
		string(s.NormalizedPatch),
		string(s.Stage),
		string(s.Status),
		string(s.Resolution),
		enc.preflight,
		s.UpdatedAt,
		s.ResolvedAt,
		s.ResolvedByUserID,
		string(s.Result),
		s.Error,
		enc.rollback,
		s.ID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("update suggestion: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	s.Version++
	return nil
}

// MarkRolledBackTx records a successful rollback. It succeeds at most once per
// suggestion: a second call fails with ErrAlreadyRolledBack even when the
// caller's copy is stale.
func (r *SuggestionRepo) MarkRolledBackTx(ctx context.Context, tx *sql.Tx, s *domain.Suggestion) error {
	const q = `UPDATE suggestions SET
		stage = ?,
		status = ?,
		resolution = ?,
		updated_at = ?,
		rolled_back_at = ?,
		rolled_back_by_user_id = ?,
		version = version + 1
	WHERE id = ? AND version = ? AND rolled_back_at IS NULL`

	res, err := tx.ExecContext(ctx, q,
		string(s.Stage),
		string(s.Status),
		string(s.Resolution),
		s.UpdatedAt,
		s.RolledBackAt,
		s.RolledBackByUserID,
		s.ID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		current, err := r.GetByID(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if current.RolledBackAt != 0 {
			return domain.ErrAlreadyRolledBack
		}
		return domain.ErrOptimisticLock
	}
	s.Version++
	return nil
}

// GetByID retrieves a suggestion by its ID.
func (r *SuggestionRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Suggestion, error) {
	row := q.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	s, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSuggestionNotFound
		}
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return s, nil
}

// GetByToolCall retrieves the suggestion a tool call produced in a project.
func (r *SuggestionRepo) GetByToolCall(ctx context.Context, q Querier, projectID, toolCallID string) (*domain.Suggestion, error) {
	row := q.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE project_id = ? AND tool_call_id = ?`,
		projectID, toolCallID)
	s, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSuggestionNotFound
		}
		return nil, fmt.Errorf("get suggestion by tool call: %w", err)
	}
	return s, nil
}

// ListByProject returns one page of a project's suggestions ordered by
// created_at then id, both descending. An empty or "all" status means no
// status filter.
func (r *SuggestionRepo) ListByProject(ctx context.Context, q Querier, lq ListQuery) ([]domain.Suggestion, error) {
	var (
		where = []string{"project_id = ?"}
		args  = []any{lq.ProjectID}
	)
	if lq.Status != "" && lq.Status != domain.StatusAll {
		where = append(where, "status = ?")
		args = append(args, string(lq.Status))
	}
	switch {
	case lq.Cursor > 0 && lq.CursorID != "":
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, lq.Cursor, lq.Cursor, lq.CursorID)
	case lq.Cursor > 0:
		where = append(where, "created_at < ?")
		args = append(args, lq.Cursor)
	}
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if lq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, lq.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []domain.Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListPendingIDs returns the ids of a project's suggestions still awaiting a decision.
func (r *SuggestionRepo) ListPendingIDs(ctx context.Context, q Querier, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM suggestions WHERE project_id = ? AND stage = ? ORDER BY created_at ASC, id ASC`,
		projectID, string(domain.StagePending))
	if err != nil {
		return nil, fmt.Errorf("list pending suggestions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan suggestion id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type encodedSuggestion struct {
	editorContext string
	preflight     string
	actor         string
	rollback      string
}

func encodeSuggestion(s domain.Suggestion) (encodedSuggestion, error) {
	var (
		enc encodedSuggestion
		err error
	)
	if enc.editorContext, err = encodeJSON(s.EditorContext); err != nil {
		return enc, fmt.Errorf("encode editor context: %w", err)
	}
	if enc.preflight, err = encodeJSON(s.Preflight); err != nil {
		return enc, fmt.Errorf("encode preflight: %w", err)
	}
	if enc.actor, err = encodeJSON(s.Actor); err != nil {
		return enc, fmt.Errorf("encode actor: %w", err)
	}
	if enc.rollback, err = encodeJSON(s.Rollback); err != nil {
		return enc, fmt.Errorf("encode rollback: %w", err)
	}
	return enc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (*domain.Suggestion, error) {
	var (
		s                                                domain.Suggestion
		targetType, operation, stage, status, resolution string
		riskLevel, proposed, normalized, result          string
		editorJSON, preflightJSON, actorJSON, rbJSON     string
	)
	err := row.Scan(&s.ID, &s.ProjectID, &targetType, &s.TargetID, &operation, &s.ToolName, &s.ToolCallID,
		&proposed, &normalized, &editorJSON, &stage, &status, &resolution, &preflightJSON,
		&riskLevel, &actorJSON, &s.CreatedAt, &s.UpdatedAt, &s.ResolvedAt, &s.ResolvedByUserID, &result, &s.Error,
		&rbJSON, &s.RolledBackAt, &s.RolledBackByUserID, &s.Version)
	if err != nil {
		return nil, err
	}
	s.TargetType = domain.TargetType(targetType)
	s.Operation = domain.Operation(operation)
	s.Stage = domain.Stage(stage)
	s.Status = domain.SuggestionStatus(status)
	s.Resolution = domain.Resolution(resolution)
	s.RiskLevel = domain.RiskLevel(riskLevel)
	s.ProposedPatch = rawJSON(proposed)
	s.NormalizedPatch = rawJSON(normalized)
	s.Result = rawJSON(result)

	if editorJSON != "" {
		s.EditorContext = &domain.EditorContext{}
		if err := decodeJSON(editorJSON, s.EditorContext); err != nil {
			return nil, fmt.Errorf("decode editor context: %w", err)
		}
	}
	if preflightJSON != "" {
		s.Preflight = &domain.Preflight{}
		if err := decodeJSON(preflightJSON, s.Preflight); err != nil {
			return nil, fmt.Errorf("decode preflight: %w", err)
		}
	}
	if err := decodeJSON(actorJSON, &s.Actor); err != nil {
		return nil, fmt.Errorf("decode actor: %w", err)
	}
	if rbJSON != "" {
		s.Rollback = &domain.RollbackDescriptor{}
		if err := decodeJSON(rbJSON, s.Rollback); err != nil {
			return nil, fmt.Errorf("decode rollback: %w", err)
		}
	}
	return &s, nil
}
