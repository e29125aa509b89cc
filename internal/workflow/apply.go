package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/review"
	"github.com/Sophanos/saga-sub007/internal/store"
)

type userKey struct{}

// WithUser attaches the acting user id to ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the acting user id, or "anonymous".
func UserFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok && id != "" {
		return id
	}
	return "anonymous"
}

// ProposeRequest records an agent's proposed mutation.
type ProposeRequest struct {
	ProjectID     string                `json:"project_id" validate:"required"`
	Operation     domain.Operation      `json:"operation" validate:"required"`
	ToolName      string                `json:"tool_name,omitempty"`
	ToolCallID    string                `json:"tool_call_id,omitempty"`
	Patch         json.RawMessage       `json:"patch" validate:"required"`
	EditorContext *domain.EditorContext `json:"editor_context,omitempty"`
	Actor         domain.Actor          `json:"actor"`
	Citations     []domain.Citation     `json:"citations,omitempty"`
}

// ApplyEngine records suggestions and carries out review decisions.
type ApplyEngine struct {
	DB          *sql.DB
	Suggestions *store.SuggestionRepo
	Citations   *store.CitationRepo
	Documents   *store.DocumentRepo
	Events      *store.EventRepo
	Audit       *store.AuditRepo
	Preflight   *Preflighter
	Gates       *OperationGateRegistry
	Guard       *guard.Guard
	Tools       *registry.Registry
	// EditorWindow is the context size, in runes, of editor previews.
	EditorWindow int

	now func() time.Time
}

// NewApplyEngine creates an ApplyEngine with all dependencies.
func NewApplyEngine(db *sql.DB, p *Preflighter, g *guard.Guard, tools *registry.Registry) *ApplyEngine {
	return &ApplyEngine{
		DB:           db,
		Suggestions:  &store.SuggestionRepo{},
		Citations:    &store.CitationRepo{},
		Documents:    &store.DocumentRepo{},
		Events:       &store.EventRepo{},
		Audit:        &store.AuditRepo{},
		Preflight:    p,
		Gates:        NewOperationGateRegistry(p),
		Guard:        g,
		Tools:        tools,
		EditorWindow: review.DefaultPreviewWindow,
		now:          time.Now,
	}
}

// riskFor derives a suggestion's risk from the danger level of its tool.
func (e *ApplyEngine) riskFor(toolName string, op domain.Operation) domain.RiskLevel {
	name := toolName
	if name == "" || !e.Tools.Known(name) {
		name = string(op)
	}
	switch e.Tools.Get(name).DangerLevel() {
	case domain.DangerDestructive:
		return domain.RiskCore
	case domain.DangerModerate:
		return domain.RiskHigh
	default:
		return domain.RiskLow
	}
}

// Propose records a new pending suggestion with its initial preflight.
// Proposing the same tool call twice returns the suggestion recorded first.
func (e *ApplyEngine) Propose(ctx context.Context, req ProposeRequest) (s *domain.Suggestion, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.propose",
		attribute.String("project.id", req.ProjectID),
		attribute.String("operation", string(req.Operation)))
	defer func() { observability.EndSpan(span, err) }()

	if errs := validationErrors(req); len(errs) > 0 {
		return nil, domain.NewEngineError(domain.ErrInvalidRequest, strings.Join(errs, "; "))
	}
	if !req.Operation.Valid() {
		return nil, domain.NewEngineError(domain.ErrUnknownOp, "unknown operation: "+string(req.Operation))
	}
	if req.ToolCallID != "" {
		existing, err := e.Suggestions.GetByToolCall(ctx, e.DB, req.ProjectID, req.ToolCallID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrSuggestionNotFound) {
			return nil, err
		}
	}

	h, err := e.Preflight.handler(req.Operation)
	if err != nil {
		return nil, err
	}
	now := e.now().UnixMilli()
	s = &domain.Suggestion{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		TargetType:    req.Operation.TargetType(),
		Operation:     req.Operation,
		ToolName:      req.ToolName,
		ToolCallID:    req.ToolCallID,
		ProposedPatch: req.Patch,
		EditorContext: req.EditorContext,
		RiskLevel:     e.riskFor(req.ToolName, req.Operation),
		Actor:         req.Actor,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	s.SetStage(domain.StagePending)
	normalized, targetID, err := h.normalize(s)
	if err != nil {
		return nil, err
	}
	s.NormalizedPatch = normalized
	s.TargetID = targetID

	err = store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		pf, err := e.Preflight.Compute(ctx, tx, s)
		if err != nil {
			return err
		}
		s.Preflight = &pf
		if err := e.Suggestions.CreateTx(ctx, tx, *s); err != nil {
			return err
		}
		for _, c := range req.Citations {
			c.ID = uuid.NewString()
			c.SuggestionID = s.ID
			c.CreatedAt = now
			if c.Visibility == "" {
				c.Visibility = domain.VisibilityProject
			}
			if err := e.Citations.CreateTx(ctx, tx, c); err != nil {
				return fmt.Errorf("create citation: %w", err)
			}
		}
		if err := appendEvent(ctx, tx, e.Events, s, "suggestion.created", now); err != nil {
			return err
		}
		return e.audit(ctx, tx, s, actorName(req.Actor), "propose", req, "info", now)
	})
	if errors.Is(err, domain.ErrDuplicateSuggestion) && req.ToolCallID != "" {
		// A concurrent proposal for the same tool call won the insert.
		return e.Suggestions.GetByToolCall(ctx, e.DB, req.ProjectID, req.ToolCallID)
	}
	if err != nil {
		return nil, err
	}

	observability.RecordSuggestionCreated(ctx, string(s.Operation), string(s.Preflight.Status))
	observability.LoggerFromContext(ctx).Info("suggestion proposed",
		"suggestion_id", s.ID, "operation", s.Operation, "preflight", s.Preflight.Status, "risk", s.RiskLevel)
	return s, nil
}

// Decide applies decision to one suggestion on behalf of the user in ctx.
// A refused approval returns the suggestion as stored together with the
// refusal.
func (e *ApplyEngine) Decide(ctx context.Context, suggestionID string, decision domain.Decision) (s *domain.Suggestion, err error) {
	if !decision.Valid() {
		return nil, domain.ErrInvalidDecision
	}
	user := UserFromContext(ctx)
	ctx, span := observability.StartSpan(ctx, "workflow.decide",
		attribute.String("suggestion.id", suggestionID),
		attribute.String("decision", string(decision)))
	start := e.now()
	defer func() {
		outcome := string(domain.KindOf(err))
		if err == nil && s != nil {
			outcome = string(s.Stage)
		}
		observability.RecordDecision(ctx, string(decision), outcome, e.now().Sub(start))
		observability.EndSpan(span, err)
	}()

	if err := e.Guard.CheckRateLimit(user); err != nil {
		return nil, err
	}
	release, err := e.Guard.Acquire(suggestionID, "decide")
	if err != nil {
		return nil, err
	}
	defer release()

	if decision == domain.DecisionReject {
		s, err = e.reject(ctx, suggestionID, user)
	} else {
		s, err = e.approve(ctx, suggestionID, user)
	}

	log := observability.LoggerFromContext(ctx)
	if err != nil {
		log.Warn("decision refused", "suggestion_id", suggestionID, "decision", decision, "error", err)
	} else {
		log.Info("decision applied", "suggestion_id", suggestionID, "decision", decision, "stage", s.Stage)
	}
	return s, err
}

func (e *ApplyEngine) reject(ctx context.Context, id, user string) (*domain.Suggestion, error) {
	var s *domain.Suggestion
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		cur, err := e.Suggestions.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(cur.Stage, domain.StageRejected) {
			return domain.NewEngineError(domain.ErrAlreadyResolved,
				fmt.Sprintf("suggestion %s is %s", cur.ID, cur.Stage))
		}
		now := e.now().UnixMilli()
		cur.SetStage(domain.StageRejected)
		cur.ResolvedAt = now
		cur.ResolvedByUserID = user
		cur.UpdatedAt = now
		if err := e.transition(ctx, tx, cur, user, "reject", "info", now); err != nil {
			return err
		}
		s = cur
		return nil
	})
	return s, err
}

func (e *ApplyEngine) approve(ctx context.Context, id, user string) (*domain.Suggestion, error) {
	var (
		s       *domain.Suggestion
		refusal error
	)
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		cur, err := e.Suggestions.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		decision, err := e.Gates.Evaluate(ctx, tx, cur)
		if err != nil {
			return err
		}
		now := e.now().UnixMilli()

		if !decision.Allow {
			if cur.Stage != domain.StagePending {
				return decision.Err()
			}
			// Keep the refreshed preflight so the reviewer sees why.
			cur.UpdatedAt = now
			if err := e.Suggestions.UpdateTx(ctx, tx, cur); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, e.Events, cur, "suggestion.preflight", now); err != nil {
				return err
			}
			if err := e.audit(ctx, tx, cur, user, "approve_refused", decision.Blockers, "warn", now); err != nil {
				return err
			}
			s, refusal = cur, decision.Err()
			return nil
		}

		if cur.Operation == domain.OpWriteContent {
			cur.SetStage(domain.StageApprovedForEditing)
			cur.UpdatedAt = now
			cur.ResolvedByUserID = user
			if err := e.transition(ctx, tx, cur, user, "approve", "info", now); err != nil {
				return err
			}
			s = cur
			return nil
		}

		refusal, err = e.execute(ctx, tx, cur, user, now)
		s = cur
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, refusal
}

// execute runs the suggestion's mutation inside a savepoint so a failed
// mutation leaves no partial writes while its failure is still recorded.
// refusal is the error reported to the caller when the mutation did not
// happen; err aborts the transaction.
func (e *ApplyEngine) execute(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, user string, now int64) (refusal, err error) {
	h, err := e.Preflight.handler(s.Operation)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT apply_suggestion`); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}

	out, execErr := h.apply(ctx, tx, s, now)
	if execErr != nil {
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO apply_suggestion; RELEASE apply_suggestion`); err != nil {
			return nil, fmt.Errorf("rollback to savepoint: %w", err)
		}
		if errors.Is(execErr, domain.ErrOptimisticLock) {
			// The target moved under us: a conflict, not a failure.
			s.Preflight = &domain.Preflight{
				Status:     domain.PreflightConflict,
				Errors:     []string{"target changed while applying"},
				ComputedAt: now,
			}
			s.UpdatedAt = now
			if err := e.Suggestions.UpdateTx(ctx, tx, s); err != nil {
				return nil, err
			}
			if err := appendEvent(ctx, tx, e.Events, s, "suggestion.preflight", now); err != nil {
				return nil, err
			}
			return domain.NewEngineError(domain.ErrPreflightConflict, "target changed while applying"), nil
		}

		s.SetStage(domain.StageFailed)
		s.Error = execErr.Error()
		s.ResolvedAt = now
		s.ResolvedByUserID = user
		s.UpdatedAt = now
		if err := e.transition(ctx, tx, s, user, "approve", "warn", now); err != nil {
			return nil, err
		}
		return domain.WrapEngineError(domain.ErrExecutionFailed, execErr.Error(), execErr), nil
	}
	if _, err := tx.ExecContext(ctx, `RELEASE apply_suggestion`); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}

	result, err := json.Marshal(out.Result)
	if err != nil {
		return nil, err
	}
	s.TargetID = out.TargetID
	s.Result = result
	s.Rollback = out.Rollback
	s.SetStage(domain.StageExecuted)
	s.ResolvedAt = now
	s.ResolvedByUserID = user
	s.UpdatedAt = now
	return nil, e.transition(ctx, tx, s, user, "approve", "info", now)
}

// ApplyDecisions applies decision to each id in order. One suggestion's
// failure never stops the others.
func (e *ApplyEngine) ApplyDecisions(ctx context.Context, ids []string, decision domain.Decision) ([]domain.DecisionOutcome, error) {
	if !decision.Valid() {
		return nil, domain.ErrInvalidDecision
	}
	if len(ids) == 0 {
		return nil, domain.NewEngineError(domain.ErrInvalidRequest, "no suggestion ids")
	}
	out := make([]domain.DecisionOutcome, 0, len(ids))
	for _, id := range ids {
		s, err := e.Decide(ctx, id, decision)
		o := domain.DecisionOutcome{SuggestionID: id, Suggestion: s}
		if err != nil {
			o.Error = err.Error()
			o.ErrorKind = domain.KindOf(err)
			var ee *domain.EngineError
			if errors.As(err, &ee) {
				o.ErrorCode = ee.Code
			}
			if s == nil {
				// Report the stored state so callers can resync.
				if cur, gerr := e.Suggestions.GetByID(ctx, e.DB, id); gerr == nil {
					o.Suggestion = cur
				}
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// EditorPreview locates a content proposal inside its document without
// changing anything.
func (e *ApplyEngine) EditorPreview(ctx context.Context, suggestionID string) (*review.EditorPreview, error) {
	s, err := e.Suggestions.GetByID(ctx, e.DB, suggestionID)
	if err != nil {
		return nil, err
	}
	if s.Operation != domain.OpWriteContent {
		return nil, domain.NewEngineError(domain.ErrNotEditorOperation, string(s.Operation)+" has no editor preview")
	}
	p, err := decodePatch[WriteContentPatch](s.Patch())
	if err != nil {
		return nil, err
	}
	doc, err := e.Documents.GetByID(ctx, e.DB, p.DocumentID)
	if err != nil {
		return nil, err
	}
	in := review.PreviewInput{
		Content:   doc.Content,
		Selection: p.SelectionText,
		Proposed:  p.Content,
		Append:    p.Mode == ModeAppend,
		Window:    e.EditorWindow,
	}
	if s.EditorContext != nil {
		in.Excerpt = s.EditorContext.DocumentExcerpt
	}
	prev := review.BuildPreview(in)
	prev.SuggestionID = s.ID
	prev.DocumentID = doc.ID
	prev.DocumentVersion = doc.Version
	return &prev, nil
}

// ReportEditorApply records the editor's outcome for an approved content
// proposal. A failed apply keeps the suggestion approved for editing.
func (e *ApplyEngine) ReportEditorApply(ctx context.Context, suggestionID string, success bool, message string) (s *domain.Suggestion, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.editor_apply",
		attribute.String("suggestion.id", suggestionID),
		attribute.Bool("success", success))
	defer func() { observability.EndSpan(span, err) }()

	user := UserFromContext(ctx)
	release, err := e.Guard.Acquire(suggestionID, "editor_apply")
	if err != nil {
		return nil, err
	}
	defer release()

	err = store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		cur, err := e.Suggestions.GetByID(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		if cur.Operation != domain.OpWriteContent {
			return domain.NewEngineError(domain.ErrNotEditorOperation, string(cur.Operation)+" is not applied in the editor")
		}
		if !domain.CanTransition(cur.Stage, domain.StageAppliedInEditor) {
			base := domain.ErrInvalidTransition
			if cur.Stage.Terminal() {
				base = domain.ErrAlreadyResolved
			}
			return domain.NewEngineError(base, fmt.Sprintf("suggestion %s is %s", cur.ID, cur.Stage))
		}
		now := e.now().UnixMilli()
		cur.UpdatedAt = now
		if !success {
			cur.Error = message
			if err := e.Suggestions.UpdateTx(ctx, tx, cur); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, e.Events, cur, "suggestion.editor_apply_failed", now); err != nil {
				return err
			}
			s = cur
			return e.audit(ctx, tx, cur, user, "editor_apply_failed", map[string]string{"message": message}, "warn", now)
		}
		cur.SetStage(domain.StageAppliedInEditor)
		cur.Error = ""
		cur.ResolvedAt = now
		cur.ResolvedByUserID = user
		s = cur
		return e.transition(ctx, tx, cur, user, "editor_apply", "info", now)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// transition persists s after a stage change and records its event and audit
// entry in the same transaction.
func (e *ApplyEngine) transition(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, user, action, severity string, now int64) error {
	if err := e.Suggestions.UpdateTx(ctx, tx, s); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, e.Events, s, "suggestion."+string(s.Stage), now); err != nil {
		return err
	}
	return e.audit(ctx, tx, s, user, action, map[string]any{"stage": s.Stage, "error": s.Error}, severity, now)
}

func (e *ApplyEngine) audit(ctx context.Context, q store.Querier, s *domain.Suggestion, actor, action string, detail any, severity string, now int64) error {
	return recordAudit(ctx, e.Audit, q, s, "decision", actor, action, detail, severity, now)
}

func recordAudit(ctx context.Context, repo *store.AuditRepo, q store.Querier, s *domain.Suggestion, category, actor, action string, detail any, severity string, now int64) error {
	decisionJSON, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return repo.Record(ctx, q, domain.AuditRecord{
		ID:           uuid.NewString(),
		ProjectID:    s.ProjectID,
		SuggestionID: s.ID,
		Category:     category,
		Actor:        actor,
		Action:       action,
		RequestJSON:  fmt.Sprintf(`{"operation":%q,"version":%d}`, s.Operation, s.Version),
		DecisionJSON: string(decisionJSON),
		Severity:     severity,
		CreatedAt:    now,
	})
}

func actorName(a domain.Actor) string {
	switch {
	case a.UserID != "":
		return a.UserID
	case a.AgentID != "":
		return a.AgentID
	case a.Name != "":
		return a.Name
	}
	return "agent"
}
