package store

import (
	"context"
	"testing"
	"time"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	now := time.Now().UnixMilli()

	records := []domain.AuditRecord{
		{ID: "aud-1", ProjectID: "p1", SuggestionID: "s1", Category: "decision", Actor: "u1", Action: "approve", DecisionJSON: `{"stage":"executed"}`, Severity: "info", CreatedAt: now},
		{ID: "aud-2", ProjectID: "p1", SuggestionID: "s1", Category: "rollback", Actor: "u1", Action: "rollback", Severity: "warn", CreatedAt: now + 1},
		{ID: "aud-3", ProjectID: "p1", SuggestionID: "s2", Category: "decision", Actor: "u2", Action: "reject", Severity: "info", CreatedAt: now + 2},
	}
	for _, r := range records {
		if err := repo.Record(ctx, db, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	got, err := repo.ListBySuggestion(ctx, db, "s1")
	if err != nil {
		t.Fatalf("ListBySuggestion: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "aud-1" || got[1].ID != "aud-2" {
		t.Errorf("order = [%s %s], want [aud-1 aud-2]", got[0].ID, got[1].ID)
	}
	if got[1].RequestJSON != "{}" {
		t.Errorf("RequestJSON = %q, want {}", got[1].RequestJSON)
	}
	if got[0].DecisionJSON != `{"stage":"executed"}` {
		t.Errorf("DecisionJSON = %q", got[0].DecisionJSON)
	}
}

func TestAuditRepo_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	rec := domain.AuditRecord{ID: "aud-dup", ProjectID: "p1", Category: "decision", Action: "approve", Severity: "info", CreatedAt: 1}
	if err := repo.Record(ctx, db, rec); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := repo.Record(ctx, db, rec); err == nil {
		t.Error("expected error on duplicate id, got nil")
	}
}
