package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// applied is what executing a suggestion changed.
type applied struct {
	TargetID string
	Result   map[string]any
	Rollback *domain.RollbackDescriptor
}

// operationHandler knows how to normalize, validate and execute one operation.
type operationHandler interface {
	normalize(s *domain.Suggestion) (json.RawMessage, string, error)
	check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error)
	apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error)
}

// targets bundles the repositories suggestions mutate.
type targets struct {
	Entities      *store.EntityRepo
	Relationships *store.RelationshipRepo
	Documents     *store.DocumentRepo
}

func newHandlers(t *targets) map[domain.Operation]operationHandler {
	return map[domain.Operation]operationHandler{
		domain.OpCreateEntity:       createEntity{t},
		domain.OpUpdateEntity:       updateEntity{t},
		domain.OpDeleteEntity:       deleteEntity{t},
		domain.OpCreateRelationship: createRelationship{t},
		domain.OpUpdateRelationship: updateRelationship{t},
		domain.OpDeleteRelationship: deleteRelationship{t},
		domain.OpWriteContent:       writeContent{t},
	}
}

func invalid(errs ...string) domain.Preflight {
	return domain.Preflight{Status: domain.PreflightInvalid, Errors: errs}
}

// verdict folds conflicts and warnings into a preflight.
func verdict(targetID string, conflicts, warnings []string) domain.Preflight {
	pf := domain.Preflight{Status: domain.PreflightOK, ResolvedTargetID: targetID, Warnings: warnings}
	if len(conflicts) > 0 {
		pf.Status = domain.PreflightConflict
		pf.Errors = conflicts
	}
	return pf
}

func marshalPatch(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidPatch, "encode patch", err)
	}
	return b, nil
}

func entityFields(e *domain.Entity) map[string]any {
	return map[string]any{"name": e.Name, "type": e.Type}
}

// ---- create_entity ----

type createEntity struct{ *targets }

func (h createEntity) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[CreateEntityPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Type = strings.TrimSpace(p.Type)
	for i := range p.Relationships {
		p.Relationships[i].Type = strings.TrimSpace(p.Relationships[i].Type)
	}
	raw, err := marshalPatch(p)
	return raw, "", err
}

func (h createEntity) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[CreateEntityPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	var errs []string
	for _, spec := range p.Relationships {
		if _, err := h.Entities.GetByID(ctx, q, spec.TargetID); err != nil {
			if !errors.Is(err, domain.ErrTargetNotFound) {
				return domain.Preflight{}, err
			}
			errs = append(errs, fmt.Sprintf("relationship target %s not found", spec.TargetID))
		}
	}
	if len(errs) > 0 {
		return invalid(errs...), nil
	}

	existing, err := h.Entities.FindByName(ctx, q, s.ProjectID, p.Name)
	switch {
	case err == nil:
		return verdict("", []string{fmt.Sprintf("an entity named %q already exists (%s)", p.Name, existing.ID)}, nil), nil
	case !errors.Is(err, domain.ErrTargetNotFound):
		return domain.Preflight{}, err
	}
	return verdict("", nil, nil), nil
}

func (h createEntity) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[CreateEntityPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	e := domain.Entity{
		ID:                    uuid.NewString(),
		ProjectID:             s.ProjectID,
		Type:                  p.Type,
		Name:                  p.Name,
		Properties:            p.Properties,
		Version:               1,
		CreatedBySuggestionID: s.ID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := h.Entities.CreateTx(ctx, tx, e); err != nil {
		return applied{}, fmt.Errorf("create entity: %w", err)
	}

	relIDs := make([]string, 0, len(p.Relationships))
	for _, spec := range p.Relationships {
		rel := domain.Relationship{
			ID:                    uuid.NewString(),
			ProjectID:             s.ProjectID,
			SourceID:              e.ID,
			TargetID:              spec.TargetID,
			Type:                  spec.Type,
			Properties:            spec.Properties,
			Version:               1,
			CreatedBySuggestionID: s.ID,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := h.Relationships.CreateTx(ctx, tx, rel); err != nil {
			return applied{}, fmt.Errorf("create relationship: %w", err)
		}
		relIDs = append(relIDs, rel.ID)
	}

	return applied{
		TargetID: e.ID,
		Result:   map[string]any{"entity_id": e.ID, "relationship_ids": relIDs},
		Rollback: &domain.RollbackDescriptor{
			Kind:           domain.RollbackDeleteCreatedEntity,
			TargetID:       e.ID,
			AppliedVersion: e.Version,
			SideEffects:    relIDs,
		},
	}, nil
}

// ---- update_entity ----

type updateEntity struct{ *targets }

func (h updateEntity) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[UpdateEntityPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.EntityID = strings.TrimSpace(p.EntityID)
	p.Name = trimPtr(p.Name)
	p.Type = trimPtr(p.Type)
	raw, err := marshalPatch(p)
	return raw, p.EntityID, err
}

func (p UpdateEntityPatch) fields() map[string]any {
	f := map[string]any{}
	if p.Name != nil {
		f["name"] = *p.Name
	}
	if p.Type != nil {
		f["type"] = *p.Type
	}
	return f
}

func (h updateEntity) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[UpdateEntityPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	if p.Name == nil && p.Type == nil && len(p.Properties) == 0 {
		return invalid("patch changes nothing"), nil
	}
	e, err := h.Entities.GetByID(ctx, q, p.EntityID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return invalid(fmt.Sprintf("entity %s not found", p.EntityID)), nil
	}
	if err != nil {
		return domain.Preflight{}, err
	}

	conflicts, warnings := checkExpected(p.Expected, entityFields(e), p.fields(), e.Properties, p.Properties)
	if p.Name != nil && *p.Name != e.Name {
		other, err := h.Entities.FindByName(ctx, q, e.ProjectID, *p.Name)
		if err == nil && other.ID != e.ID {
			conflicts = append(conflicts, fmt.Sprintf("an entity named %q already exists (%s)", *p.Name, other.ID))
		} else if err != nil && !errors.Is(err, domain.ErrTargetNotFound) {
			return domain.Preflight{}, err
		}
	}
	if len(conflicts) == 0 && e.UpdatedAt > s.CreatedAt {
		warnings = append(warnings, "entity changed since the proposal was made")
	}
	return verdict(e.ID, conflicts, warnings), nil
}

func (h updateEntity) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[UpdateEntityPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	current, err := h.Entities.GetByID(ctx, tx, p.EntityID)
	if err != nil {
		return applied{}, err
	}
	prev := *current

	next := *current
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Type != nil {
		next.Type = *p.Type
	}
	next.Properties = mergeProperties(current.Properties, p.Properties)
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if err := h.Entities.UpdateTx(ctx, tx, next, current.Version); err != nil {
		return applied{}, err
	}
	return applied{
		TargetID: next.ID,
		Result:   map[string]any{"entity_id": next.ID, "version": next.Version},
		Rollback: &domain.RollbackDescriptor{
			Kind:           domain.RollbackRestoreEntity,
			TargetID:       next.ID,
			AppliedVersion: next.Version,
			Entity:         &prev,
		},
	}, nil
}

// ---- delete_entity ----

type deleteEntity struct{ *targets }

func (h deleteEntity) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[DeleteEntityPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.EntityID = strings.TrimSpace(p.EntityID)
	raw, err := marshalPatch(p)
	return raw, p.EntityID, err
}

func (h deleteEntity) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[DeleteEntityPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	e, err := h.Entities.GetByID(ctx, q, p.EntityID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return invalid(fmt.Sprintf("entity %s not found", p.EntityID)), nil
	}
	if err != nil {
		return domain.Preflight{}, err
	}
	conflicts, warnings := checkExpected(p.Expected, entityFields(e), nil, e.Properties, nil)
	rels, err := h.Relationships.ListByEntity(ctx, q, e.ID)
	if err != nil {
		return domain.Preflight{}, err
	}
	if len(rels) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d relationships reference this entity and will be removed; the deletion cannot be rolled back", len(rels)))
	}
	return verdict(e.ID, conflicts, warnings), nil
}

func (h deleteEntity) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[DeleteEntityPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	current, err := h.Entities.GetByID(ctx, tx, p.EntityID)
	if err != nil {
		return applied{}, err
	}
	rels, err := h.Relationships.ListByEntity(ctx, tx, current.ID)
	if err != nil {
		return applied{}, err
	}
	for _, rel := range rels {
		if err := h.Relationships.DeleteTx(ctx, tx, rel.ID, rel.Version); err != nil {
			return applied{}, fmt.Errorf("delete relationship %s: %w", rel.ID, err)
		}
	}
	if err := h.Entities.DeleteTx(ctx, tx, current.ID, current.Version); err != nil {
		return applied{}, err
	}

	out := applied{
		TargetID: current.ID,
		Result:   map[string]any{"entity_id": current.ID, "removed_relationships": len(rels)},
	}
	// Relationships removed alongside make the deletion irreversible.
	if len(rels) == 0 {
		snapshot := *current
		out.Rollback = &domain.RollbackDescriptor{
			Kind:     domain.RollbackRecreateEntity,
			TargetID: current.ID,
			Entity:   &snapshot,
		}
	}
	return out, nil
}

// ---- create_relationship ----

type createRelationship struct{ *targets }

func (h createRelationship) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[CreateRelationshipPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.SourceID = strings.TrimSpace(p.SourceID)
	p.TargetID = strings.TrimSpace(p.TargetID)
	p.Type = strings.TrimSpace(p.Type)
	raw, err := marshalPatch(p)
	return raw, "", err
}

func (h createRelationship) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[CreateRelationshipPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	var errs []string
	for _, id := range []string{p.SourceID, p.TargetID} {
		if _, err := h.Entities.GetByID(ctx, q, id); err != nil {
			if !errors.Is(err, domain.ErrTargetNotFound) {
				return domain.Preflight{}, err
			}
			errs = append(errs, fmt.Sprintf("entity %s not found", id))
		}
	}
	if len(errs) > 0 {
		return invalid(errs...), nil
	}

	rels, err := h.Relationships.ListByEntity(ctx, q, p.SourceID)
	if err != nil {
		return domain.Preflight{}, err
	}
	for _, rel := range rels {
		if rel.SourceID == p.SourceID && rel.TargetID == p.TargetID && rel.Type == p.Type {
			return verdict("", []string{fmt.Sprintf("relationship %s already links these entities", rel.ID)}, nil), nil
		}
	}
	return verdict("", nil, nil), nil
}

func (h createRelationship) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[CreateRelationshipPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	rel := domain.Relationship{
		ID:                    uuid.NewString(),
		ProjectID:             s.ProjectID,
		SourceID:              p.SourceID,
		TargetID:              p.TargetID,
		Type:                  p.Type,
		Properties:            p.Properties,
		Version:               1,
		CreatedBySuggestionID: s.ID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := h.Relationships.CreateTx(ctx, tx, rel); err != nil {
		return applied{}, err
	}
	return applied{
		TargetID: rel.ID,
		Result:   map[string]any{"relationship_id": rel.ID},
		Rollback: &domain.RollbackDescriptor{
			Kind:           domain.RollbackDeleteCreatedRelationship,
			TargetID:       rel.ID,
			AppliedVersion: rel.Version,
		},
	}, nil
}

// ---- update_relationship ----

type updateRelationship struct{ *targets }

func (h updateRelationship) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[UpdateRelationshipPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.RelationshipID = strings.TrimSpace(p.RelationshipID)
	p.Type = trimPtr(p.Type)
	raw, err := marshalPatch(p)
	return raw, p.RelationshipID, err
}

func (h updateRelationship) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[UpdateRelationshipPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	if p.Type == nil && len(p.Properties) == 0 {
		return invalid("patch changes nothing"), nil
	}
	rel, err := h.Relationships.GetByID(ctx, q, p.RelationshipID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return invalid(fmt.Sprintf("relationship %s not found", p.RelationshipID)), nil
	}
	if err != nil {
		return domain.Preflight{}, err
	}
	proposed := map[string]any{}
	if p.Type != nil {
		proposed["type"] = *p.Type
	}
	conflicts, warnings := checkExpected(p.Expected, map[string]any{"type": rel.Type}, proposed, rel.Properties, p.Properties)
	if len(conflicts) == 0 && rel.UpdatedAt > s.CreatedAt {
		warnings = append(warnings, "relationship changed since the proposal was made")
	}
	return verdict(rel.ID, conflicts, warnings), nil
}

func (h updateRelationship) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[UpdateRelationshipPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	current, err := h.Relationships.GetByID(ctx, tx, p.RelationshipID)
	if err != nil {
		return applied{}, err
	}
	prev := *current
	next := *current
	if p.Type != nil {
		next.Type = *p.Type
	}
	next.Properties = mergeProperties(current.Properties, p.Properties)
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if err := h.Relationships.UpdateTx(ctx, tx, next, current.Version); err != nil {
		return applied{}, err
	}
	return applied{
		TargetID: next.ID,
		Result:   map[string]any{"relationship_id": next.ID, "version": next.Version},
		Rollback: &domain.RollbackDescriptor{
			Kind:           domain.RollbackRestoreRelationship,
			TargetID:       next.ID,
			AppliedVersion: next.Version,
			Relationship:   &prev,
		},
	}, nil
}

// ---- delete_relationship ----

type deleteRelationship struct{ *targets }

func (h deleteRelationship) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[DeleteRelationshipPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	p.RelationshipID = strings.TrimSpace(p.RelationshipID)
	raw, err := marshalPatch(p)
	return raw, p.RelationshipID, err
}

func (h deleteRelationship) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[DeleteRelationshipPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	rel, err := h.Relationships.GetByID(ctx, q, p.RelationshipID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return invalid(fmt.Sprintf("relationship %s not found", p.RelationshipID)), nil
	}
	if err != nil {
		return domain.Preflight{}, err
	}
	conflicts, warnings := checkExpected(p.Expected, map[string]any{"type": rel.Type}, nil, rel.Properties, nil)
	return verdict(rel.ID, conflicts, warnings), nil
}

func (h deleteRelationship) apply(ctx context.Context, tx *sql.Tx, s *domain.Suggestion, now int64) (applied, error) {
	p, err := decodePatch[DeleteRelationshipPatch](s.Patch())
	if err != nil {
		return applied{}, err
	}
	current, err := h.Relationships.GetByID(ctx, tx, p.RelationshipID)
	if err != nil {
		return applied{}, err
	}
	if err := h.Relationships.DeleteTx(ctx, tx, current.ID, current.Version); err != nil {
		return applied{}, err
	}
	snapshot := *current
	return applied{
		TargetID: current.ID,
		Result:   map[string]any{"relationship_id": current.ID},
		Rollback: &domain.RollbackDescriptor{
			Kind:         domain.RollbackRecreateRelationship,
			TargetID:     current.ID,
			Relationship: &snapshot,
		},
	}, nil
}

// ---- write_content ----

type writeContent struct{ *targets }

func (h writeContent) normalize(s *domain.Suggestion) (json.RawMessage, string, error) {
	p, err := decodePatch[WriteContentPatch](s.ProposedPatch)
	if err != nil {
		return nil, "", err
	}
	if ec := s.EditorContext; ec != nil {
		if p.DocumentID == "" {
			p.DocumentID = ec.DocumentID
		}
		if p.SelectionText == "" {
			p.SelectionText = ec.SelectionText
		}
	}
	p.DocumentID = strings.TrimSpace(p.DocumentID)
	if p.Mode == "" {
		p.Mode = ModeReplaceSelection
		if p.SelectionText == "" {
			p.Mode = ModeAppend
		}
	}
	raw, err := marshalPatch(p)
	return raw, p.DocumentID, err
}

func (h writeContent) check(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	p, err := decodePatch[WriteContentPatch](s.Patch())
	if err != nil {
		return invalid(err.Error()), nil
	}
	if errs := validationErrors(p); len(errs) > 0 {
		return invalid(errs...), nil
	}
	if p.Mode == ModeReplaceSelection && p.SelectionText == "" {
		return invalid("replace_selection requires selection_text"), nil
	}
	doc, err := h.Documents.GetByID(ctx, q, p.DocumentID)
	if errors.Is(err, domain.ErrTargetNotFound) {
		return invalid(fmt.Sprintf("document %s not found", p.DocumentID)), nil
	}
	if err != nil {
		return domain.Preflight{}, err
	}

	selectionFound := p.SelectionText == "" || strings.Contains(doc.Content, p.SelectionText)
	changed := p.BaseVersion > 0 && doc.Version != p.BaseVersion
	switch {
	case changed && !selectionFound:
		return verdict(doc.ID, []string{fmt.Sprintf("document changed (version %d to %d) and the selected text is gone", p.BaseVersion, doc.Version)}, nil), nil
	case !selectionFound:
		return invalid("selected text not found in document"), nil
	case changed:
		return verdict(doc.ID, nil, []string{fmt.Sprintf("document changed since the proposal (version %d to %d)", p.BaseVersion, doc.Version)}), nil
	}
	return verdict(doc.ID, nil, nil), nil
}

// Content writes are applied by the editor, never by the engine.
func (h writeContent) apply(context.Context, *sql.Tx, *domain.Suggestion, int64) (applied, error) {
	return applied{}, domain.NewEngineError(domain.ErrNotEditorOperation, "write_content is applied in the editor")
}
