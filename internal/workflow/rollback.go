package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// RollbackEngine inverts executed suggestions.
type RollbackEngine struct {
	DB            *sql.DB
	Suggestions   *store.SuggestionRepo
	Entities      *store.EntityRepo
	Relationships *store.RelationshipRepo
	Events        *store.EventRepo
	Audit         *store.AuditRepo
	Guard         *guard.Guard

	now func() time.Time
}

// NewRollbackEngine creates a RollbackEngine over db.
func NewRollbackEngine(db *sql.DB, g *guard.Guard) *RollbackEngine {
	return &RollbackEngine{
		DB:            db,
		Suggestions:   &store.SuggestionRepo{},
		Entities:      &store.EntityRepo{},
		Relationships: &store.RelationshipRepo{},
		Events:        &store.EventRepo{},
		Audit:         &store.AuditRepo{},
		Guard:         g,
		now:           time.Now,
	}
}

// Rollback inverts an executed suggestion. With cascade, relationships the
// suggestion created alongside its target are removed too; without it,
// rollback is refused when they would be left dangling. A refused or failed
// rollback leaves the suggestion untouched.
func (r *RollbackEngine) Rollback(ctx context.Context, suggestionID string, cascade bool) (s *domain.Suggestion, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.rollback",
		attribute.String("suggestion.id", suggestionID),
		attribute.Bool("cascade", cascade))
	defer func() {
		outcome := "rolled_back"
		if err != nil {
			outcome = string(domain.KindOf(err))
		}
		observability.RecordRollback(ctx, outcome, cascade)
		observability.EndSpan(span, err)
	}()

	user := UserFromContext(ctx)
	if err := r.Guard.CheckRateLimit(user); err != nil {
		return nil, err
	}
	release, err := r.Guard.Acquire(suggestionID, "rollback")
	if err != nil {
		return nil, err
	}
	defer release()

	err = store.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		cur, err := r.Suggestions.GetByID(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		if cur.RolledBackAt != 0 || cur.Stage == domain.StageRolledBack {
			return domain.ErrAlreadyRolledBack
		}
		if !domain.CanTransition(cur.Stage, domain.StageRolledBack) {
			return domain.NewEngineError(domain.ErrRollbackUnavailable,
				fmt.Sprintf("suggestion %s is %s", cur.ID, cur.Stage))
		}
		if cur.Rollback == nil {
			return domain.NewEngineError(domain.ErrRollbackUnavailable, "the change cannot be undone")
		}

		now := r.now().UnixMilli()
		if err := r.invert(ctx, tx, cur, cascade, now); err != nil {
			return err
		}

		cur.SetStage(domain.StageRolledBack)
		cur.RolledBackAt = now
		cur.RolledBackByUserID = user
		cur.UpdatedAt = now
		if err := r.Suggestions.MarkRolledBackTx(ctx, tx, cur); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, r.Events, cur, "suggestion.rolled_back", now); err != nil {
			return err
		}
		s = cur
		return recordAudit(ctx, r.Audit, tx, cur, "rollback", user, "rollback",
			map[string]any{"cascade": cascade, "kind": cur.Rollback.Kind}, "info", now)
	})

	log := observability.LoggerFromContext(ctx)
	if err != nil {
		log.Warn("rollback refused", "suggestion_id", suggestionID, "cascade", cascade, "error", err)
		r.auditRefusal(ctx, suggestionID, user, cascade, err)
		return nil, err
	}
	log.Info("suggestion rolled back", "suggestion_id", s.ID, "cascade", cascade)
	return s, nil
}

// auditRefusal records a refused rollback outside the aborted transaction.
func (r *RollbackEngine) auditRefusal(ctx context.Context, id, user string, cascade bool, cause error) {
	s, err := r.Suggestions.GetByID(ctx, r.DB, id)
	if err != nil {
		return
	}
	detail := map[string]any{"cascade": cascade, "error": cause.Error()}
	if err := recordAudit(ctx, r.Audit, r.DB, s, "rollback", user, "rollback_refused", detail, "warn", r.now().UnixMilli()); err != nil {
		observability.LoggerFromContext(ctx).Error("audit rollback refusal", "suggestion_id", id, "error", err)
	}
}

func (r *RollbackEngine) invert(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, cascade bool, now int64) error {
	d := s.Rollback
	switch {
	case (d.Kind == domain.RollbackRestoreEntity || d.Kind == domain.RollbackRecreateEntity) && d.Entity == nil,
		(d.Kind == domain.RollbackRestoreRelationship || d.Kind == domain.RollbackRecreateRelationship) && d.Relationship == nil:
		return domain.NewEngineError(domain.ErrRollbackUnavailable, "rollback descriptor has no snapshot")
	}
	sideEffects, err := r.Relationships.ListByCreatedBySuggestion(ctx, tx, s.ID)
	if err != nil {
		return err
	}
	created := make(map[string]bool, len(sideEffects))
	for _, rel := range sideEffects {
		if rel.ID != d.TargetID {
			created[rel.ID] = true
		}
	}

	switch d.Kind {
	case domain.RollbackDeleteCreatedEntity:
		if err := r.deleteCreatedEntity(ctx, tx, d, created, cascade); err != nil {
			return err
		}
	case domain.RollbackRestoreEntity:
		cur, err := r.currentEntity(ctx, tx, d)
		if err != nil {
			return err
		}
		prev := *d.Entity
		prev.Version = cur.Version + 1
		prev.UpdatedAt = now
		if err := r.Entities.UpdateTx(ctx, tx, prev, cur.Version); err != nil {
			return err
		}
	case domain.RollbackRecreateEntity:
		if err := r.absent(r.Entities.GetByID(ctx, tx, d.TargetID)); err != nil {
			return err
		}
		prev := *d.Entity
		prev.Version++
		prev.UpdatedAt = now
		if err := r.Entities.CreateTx(ctx, tx, prev); err != nil {
			return err
		}
	case domain.RollbackDeleteCreatedRelationship:
		cur, err := r.currentRelationship(ctx, tx, d)
		if err != nil {
			return err
		}
		if err := r.Relationships.DeleteTx(ctx, tx, cur.ID, cur.Version); err != nil {
			return err
		}
	case domain.RollbackRestoreRelationship:
		cur, err := r.currentRelationship(ctx, tx, d)
		if err != nil {
			return err
		}
		prev := *d.Relationship
		prev.Version = cur.Version + 1
		prev.UpdatedAt = now
		if err := r.Relationships.UpdateTx(ctx, tx, prev, cur.Version); err != nil {
			return err
		}
	case domain.RollbackRecreateRelationship:
		if err := r.absent(r.Relationships.GetByID(ctx, tx, d.TargetID)); err != nil {
			return err
		}
		prev := *d.Relationship
		for _, id := range []string{prev.SourceID, prev.TargetID} {
			if _, err := r.Entities.GetByID(ctx, tx, id); err != nil {
				if errors.Is(err, domain.ErrTargetNotFound) {
					return domain.NewEngineError(domain.ErrRollbackConflict, "entity "+id+" no longer exists")
				}
				return err
			}
		}
		prev.Version++
		prev.UpdatedAt = now
		if err := r.Relationships.CreateTx(ctx, tx, prev); err != nil {
			return err
		}
	default:
		return domain.NewEngineError(domain.ErrRollbackUnavailable, "unknown rollback kind "+string(d.Kind))
	}

	if !cascade {
		return nil
	}
	// Remaining side effects. Edits layered on top of them are discarded.
	for _, rel := range sideEffects {
		if !created[rel.ID] {
			continue
		}
		if err := r.Relationships.DeleteTx(ctx, tx, rel.ID, rel.Version); err != nil && !errors.Is(err, domain.ErrOptimisticLock) {
			return err
		}
	}
	return nil
}

// deleteCreatedEntity removes an entity the suggestion created. Relationships
// made by anyone else always block; the suggestion's own ones need cascade.
func (r *RollbackEngine) deleteCreatedEntity(ctx context.Context, tx *sql.Tx, d *domain.RollbackDescriptor, created map[string]bool, cascade bool) error {
	cur, err := r.currentEntity(ctx, tx, d)
	if err != nil {
		return err
	}
	rels, err := r.Relationships.ListByEntity(ctx, tx, cur.ID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if !created[rel.ID] {
			return domain.NewEngineError(domain.ErrDependentRelations,
				fmt.Sprintf("relationship %s was added later and references entity %s", rel.ID, cur.ID))
		}
		if !cascade {
			return domain.NewEngineError(domain.ErrRollbackConflict,
				fmt.Sprintf("relationship %s created with the entity would dangle; retry with cascade", rel.ID))
		}
	}
	for _, rel := range rels {
		if err := r.Relationships.DeleteTx(ctx, tx, rel.ID, rel.Version); err != nil {
			return err
		}
		delete(created, rel.ID)
	}
	return r.Entities.DeleteTx(ctx, tx, cur.ID, cur.Version)
}

func (r *RollbackEngine) currentEntity(ctx context.Context, tx *sql.Tx, d *domain.RollbackDescriptor) (*domain.Entity, error) {
	cur, err := r.Entities.GetByID(ctx, tx, d.TargetID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return nil, domain.NewEngineError(domain.ErrRollbackConflict, "entity "+d.TargetID+" no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if cur.Version != d.AppliedVersion {
		return nil, domain.NewEngineError(domain.ErrRollbackConflict,
			fmt.Sprintf("entity %s was edited after the change (version %d, applied %d)", cur.ID, cur.Version, d.AppliedVersion))
	}
	return cur, nil
}

func (r *RollbackEngine) currentRelationship(ctx context.Context, tx *sql.Tx, d *domain.RollbackDescriptor) (*domain.Relationship, error) {
	cur, err := r.Relationships.GetByID(ctx, tx, d.TargetID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return nil, domain.NewEngineError(domain.ErrRollbackConflict, "relationship "+d.TargetID+" no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if cur.Version != d.AppliedVersion {
		return nil, domain.NewEngineError(domain.ErrRollbackConflict,
			fmt.Sprintf("relationship %s was edited after the change (version %d, applied %d)", cur.ID, cur.Version, d.AppliedVersion))
	}
	return cur, nil
}

// absent turns a successful lookup into a rollback conflict.
func (r *RollbackEngine) absent(_ any, err error) error {
	switch {
	case err == nil:
		return domain.NewEngineError(domain.ErrRollbackConflict, "target already exists again")
	case errors.Is(err, domain.ErrTargetNotFound):
		return nil
	default:
		return err
	}
}
