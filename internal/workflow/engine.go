package workflow

import (
	"context"
	"database/sql"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// Engine wires the lifecycle services over one database.
type Engine struct {
	DB        *sql.DB
	Preflight *Preflighter
	Apply     *ApplyEngine
	Rollback  *RollbackEngine
	Documents *DocumentService

	suggestions   *store.SuggestionRepo
	citations     *store.CitationRepo
	events        *store.EventRepo
	audit         *store.AuditRepo
	entities      *store.EntityRepo
	relationships *store.RelationshipRepo
}

// NewEngine creates an Engine with all dependencies.
func NewEngine(db *sql.DB, g *guard.Guard, tools *registry.Registry) *Engine {
	p := NewPreflighter(db)
	return &Engine{
		DB:            db,
		Preflight:     p,
		Apply:         NewApplyEngine(db, p, g, tools),
		Rollback:      NewRollbackEngine(db, g),
		Documents:     NewDocumentService(db, p),
		suggestions:   &store.SuggestionRepo{},
		citations:     &store.CitationRepo{},
		events:        &store.EventRepo{},
		audit:         &store.AuditRepo{},
		entities:      &store.EntityRepo{},
		relationships: &store.RelationshipRepo{},
	}
}

// Suggestion returns one suggestion.
func (e *Engine) Suggestion(ctx context.Context, id string) (*domain.Suggestion, error) {
	return e.suggestions.GetByID(ctx, e.DB, id)
}

// Suggestions returns one page of a project's suggestions, newest first.
func (e *Engine) Suggestions(ctx context.Context, lq store.ListQuery) ([]domain.Suggestion, error) {
	if lq.ProjectID == "" {
		return nil, domain.NewEngineError(domain.ErrInvalidRequest, "project id is required")
	}
	switch lq.Status {
	case "", domain.StatusAll, domain.StatusProposed, domain.StatusAccepted, domain.StatusRejected, domain.StatusResolved:
	default:
		return nil, domain.NewEngineError(domain.ErrInvalidRequest, "unknown status filter: "+string(lq.Status))
	}
	return e.suggestions.ListByProject(ctx, e.DB, lq)
}

// Citations returns a suggestion's citations with redaction applied.
func (e *Engine) Citations(ctx context.Context, suggestionID string) ([]domain.Citation, error) {
	if _, err := e.suggestions.GetByID(ctx, e.DB, suggestionID); err != nil {
		return nil, err
	}
	return e.citations.ListBySuggestion(ctx, e.DB, suggestionID)
}

// Events returns a project's suggestion events after sinceSeq.
func (e *Engine) Events(ctx context.Context, projectID string, sinceSeq int64) ([]domain.SuggestionEvent, error) {
	return e.events.ListByProject(ctx, e.DB, projectID, sinceSeq)
}

// AuditTrail returns the audit records of a suggestion.
func (e *Engine) AuditTrail(ctx context.Context, suggestionID string) ([]domain.AuditRecord, error) {
	return e.audit.ListBySuggestion(ctx, e.DB, suggestionID)
}

// Graph returns a project's entities and relationships.
func (e *Engine) Graph(ctx context.Context, projectID string) ([]domain.Entity, []domain.Relationship, error) {
	ents, err := e.entities.ListByProject(ctx, e.DB, projectID)
	if err != nil {
		return nil, nil, err
	}
	rels, err := e.relationships.ListByProject(ctx, e.DB, projectID)
	if err != nil {
		return nil, nil, err
	}
	return ents, rels, nil
}
