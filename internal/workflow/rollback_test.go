package workflow

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/store"
)

func approve(t *testing.T, eng *Engine, s *domain.Suggestion) *domain.Suggestion {
	t.Helper()
	got, err := eng.Apply.Decide(testCtx(), s.ID, domain.DecisionApprove)
	if err != nil {
		t.Fatalf("approve %s: %v", s.Operation, err)
	}
	return got
}

func TestRollback_CreatedEntityWithSideEffectsNeedsCascade(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-2", Type: "place", Name: "Harbor"})
	s := approve(t, eng, propose(t, eng, domain.OpCreateEntity,
		`{"type":"character","name":"Mira","relationships":[{"target_id":"e-2","type":"lives_in"}]}`))
	if len(s.Rollback.SideEffects) != 1 {
		t.Fatalf("SideEffects = %v, want one relationship", s.Rollback.SideEffects)
	}

	_, err := eng.Rollback.Rollback(ctx, s.ID, false)
	if !errors.Is(err, domain.ErrRollbackConflict) {
		t.Fatalf("rollback without cascade = %v, want ErrRollbackConflict", err)
	}
	stored, _ := eng.Suggestion(ctx, s.ID)
	if stored.Stage != domain.StageExecuted {
		t.Errorf("Stage after refused rollback = %q, want executed", stored.Stage)
	}

	got, err := eng.Rollback.Rollback(ctx, s.ID, true)
	if err != nil {
		t.Fatalf("cascade rollback: %v", err)
	}
	if got.Stage != domain.StageRolledBack || got.RolledBackAt == 0 || got.RolledBackByUserID != "u-1" {
		t.Errorf("suggestion = (%q, %d, %q)", got.Stage, got.RolledBackAt, got.RolledBackByUserID)
	}
	ents, rels, _ := eng.Graph(ctx, "p1")
	if len(ents) != 1 || ents[0].ID != "e-2" {
		t.Errorf("entities after rollback = %+v, want only e-2", ents)
	}
	if len(rels) != 0 {
		t.Errorf("relationships after rollback = %+v, want none", rels)
	}

	if _, err := eng.Rollback.Rollback(ctx, s.ID, true); !errors.Is(err, domain.ErrAlreadyRolledBack) {
		t.Errorf("second rollback = %v, want ErrAlreadyRolledBack", err)
	}
}

func TestRollback_ForeignRelationshipBlocksEvenWithCascade(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-2", Type: "place", Name: "Harbor"})
	s := approve(t, eng, propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Mira"}`))

	err := store.WithTx(ctx, eng.DB, func(tx *sql.Tx) error {
		return eng.relationships.CreateTx(ctx, tx, domain.Relationship{
			ID: "r-user", ProjectID: "p1", SourceID: "e-2", TargetID: s.TargetID, Type: "employs", Version: 1, CreatedAt: 5, UpdatedAt: 5,
		})
	})
	if err != nil {
		t.Fatalf("add relationship: %v", err)
	}

	if _, err := eng.Rollback.Rollback(ctx, s.ID, true); !errors.Is(err, domain.ErrDependentRelations) {
		t.Errorf("rollback = %v, want ErrDependentRelations", err)
	}
	if _, err := eng.entities.GetByID(ctx, eng.DB, s.TargetID); err != nil {
		t.Errorf("entity removed by refused rollback: %v", err)
	}

	trail, _ := eng.AuditTrail(ctx, s.ID)
	last := trail[len(trail)-1]
	if last.Action != "rollback_refused" || last.Severity != "warn" {
		t.Errorf("last audit = %+v, want rollback_refused", last)
	}
}

func TestRollback_UpdateRestoresPreviousFields(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira", Properties: map[string]any{"age": float64(31)}})
	s := approve(t, eng, propose(t, eng, domain.OpUpdateEntity,
		`{"entity_id":"e-1","name":"Mira Vale","properties":{"age":32,"title":"harbormaster"},"expected":{"name":"Mira","properties.age":31}}`))

	ent, _ := eng.entities.GetByID(ctx, eng.DB, "e-1")
	if ent.Name != "Mira Vale" || ent.Version != 2 || ent.Properties["title"] != "harbormaster" {
		t.Fatalf("entity after update = %+v", ent)
	}

	if _, err := eng.Rollback.Rollback(ctx, s.ID, false); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	ent, _ = eng.entities.GetByID(ctx, eng.DB, "e-1")
	if ent.Name != "Mira" || ent.Properties["age"] != float64(31) {
		t.Errorf("entity after rollback = %+v", ent)
	}
	if _, ok := ent.Properties["title"]; ok {
		t.Error("rollback kept the added property")
	}
	if ent.Version != 3 {
		t.Errorf("Version = %d, want 3", ent.Version)
	}
}

func TestRollback_RefusedAfterLaterEdit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})
	s := approve(t, eng, propose(t, eng, domain.OpUpdateEntity, `{"entity_id":"e-1","name":"Mira Vale"}`))

	err := store.WithTx(ctx, eng.DB, func(tx *sql.Tx) error {
		return eng.entities.UpdateTx(ctx, tx, domain.Entity{ID: "e-1", ProjectID: "p1", Type: "character", Name: "Captain Mira", Version: 3, UpdatedAt: 9}, 2)
	})
	if err != nil {
		t.Fatalf("later edit: %v", err)
	}

	if _, err := eng.Rollback.Rollback(ctx, s.ID, true); !errors.Is(err, domain.ErrRollbackConflict) {
		t.Errorf("rollback = %v, want ErrRollbackConflict", err)
	}
	ent, _ := eng.entities.GetByID(ctx, eng.DB, "e-1")
	if ent.Name != "Captain Mira" {
		t.Errorf("later edit overwritten: %q", ent.Name)
	}
}

func TestRollback_DeleteRecreatesEntity(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})
	s := approve(t, eng, propose(t, eng, domain.OpDeleteEntity, `{"entity_id":"e-1"}`))

	if _, err := eng.entities.GetByID(ctx, eng.DB, "e-1"); !errors.Is(err, domain.ErrTargetNotFound) {
		t.Fatalf("entity still present after delete: %v", err)
	}
	if _, err := eng.Rollback.Rollback(ctx, s.ID, false); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	ent, err := eng.entities.GetByID(ctx, eng.DB, "e-1")
	if err != nil {
		t.Fatalf("entity not recreated: %v", err)
	}
	if ent.Name != "Mira" {
		t.Errorf("Name = %q, want Mira", ent.Name)
	}
}

func TestRollback_DeleteWithRelationshipsIsIrreversible(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})
	seedEntity(t, eng, domain.Entity{ID: "e-2", Type: "place", Name: "Harbor"})
	link := approve(t, eng, propose(t, eng, domain.OpCreateRelationship, `{"source_id":"e-1","target_id":"e-2","type":"lives_in"}`))
	if link.Stage != domain.StageExecuted {
		t.Fatalf("link Stage = %q", link.Stage)
	}

	del := propose(t, eng, domain.OpDeleteEntity, `{"entity_id":"e-1"}`)
	if len(del.Preflight.Warnings) == 0 {
		t.Error("delete with relationships carries no warning")
	}
	del = approve(t, eng, del)
	if del.Rollback != nil {
		t.Errorf("Rollback = %+v, want none", del.Rollback)
	}
	if _, err := eng.Rollback.Rollback(ctx, del.ID, true); !errors.Is(err, domain.ErrRollbackUnavailable) {
		t.Errorf("rollback = %v, want ErrRollbackUnavailable", err)
	}
}

func TestRollback_OnlyExecutedSuggestions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	pending := propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Mira"}`)
	if _, err := eng.Rollback.Rollback(ctx, pending.ID, false); !errors.Is(err, domain.ErrRollbackUnavailable) {
		t.Errorf("rollback pending = %v, want ErrRollbackUnavailable", err)
	}
	if _, err := eng.Rollback.Rollback(ctx, "missing", false); !errors.Is(err, domain.ErrSuggestionNotFound) {
		t.Errorf("rollback missing = %v, want ErrSuggestionNotFound", err)
	}
}

func TestRollback_RelationshipLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})
	seedEntity(t, eng, domain.Entity{ID: "e-2", Type: "place", Name: "Harbor"})
	link := approve(t, eng, propose(t, eng, domain.OpCreateRelationship, `{"source_id":"e-1","target_id":"e-2","type":"lives_in"}`))

	retype := approve(t, eng, propose(t, eng, domain.OpUpdateRelationship,
		`{"relationship_id":"`+link.TargetID+`","type":"owns","expected":{"type":"lives_in"}}`))
	if _, err := eng.Rollback.Rollback(ctx, retype.ID, false); err != nil {
		t.Fatalf("rollback update: %v", err)
	}
	rel, _ := eng.relationships.GetByID(ctx, eng.DB, link.TargetID)
	if rel.Type != "lives_in" {
		t.Errorf("Type after rollback = %q, want lives_in", rel.Type)
	}

	unlink := approve(t, eng, propose(t, eng, domain.OpDeleteRelationship, `{"relationship_id":"`+link.TargetID+`"}`))
	if _, err := eng.Rollback.Rollback(ctx, unlink.ID, false); err != nil {
		t.Fatalf("rollback delete: %v", err)
	}
	if _, err := eng.relationships.GetByID(ctx, eng.DB, link.TargetID); err != nil {
		t.Errorf("relationship not recreated: %v", err)
	}
}
