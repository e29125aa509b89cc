package store

import (
	"context"
	"testing"
	"time"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now().UnixMilli()

	events := []domain.SuggestionEvent{
		{ProjectID: "p1", SuggestionID: "s1", EventType: "suggestion.created", CreatedAt: now},
		{ProjectID: "p1", SuggestionID: "s1", EventType: "suggestion.executed", PayloadJSON: `{"stage":"executed"}`, CreatedAt: now + 1},
		{ProjectID: "p2", SuggestionID: "s9", EventType: "suggestion.created", CreatedAt: now + 1},
		{ProjectID: "p1", SuggestionID: "s2", EventType: "suggestion.created", CreatedAt: now + 2},
	}

	for _, e := range events {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := repo.AppendTx(ctx, tx, e); err != nil {
			t.Fatalf("AppendTx %s: %v", e.EventType, err)
		}
		tx.Commit()
	}

	got, err := repo.ListByProject(ctx, db, "p1", 0)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.SeqNo != int64(i+1) {
			t.Errorf("event %d SeqNo = %d, want %d", i, e.SeqNo, i+1)
		}
	}
	if got[0].PayloadJSON != "{}" {
		t.Errorf("empty payload stored as %q, want {}", got[0].PayloadJSON)
	}

	got, err = repo.ListByProject(ctx, db, "p1", 1)
	if err != nil {
		t.Fatalf("ListByProject sinceSeq=1: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].SeqNo != 2 {
		t.Errorf("first event SeqNo = %d, want 2", got[0].SeqNo)
	}

	other, err := repo.ListByProject(ctx, db, "p2", 0)
	if err != nil {
		t.Fatalf("ListByProject p2: %v", err)
	}
	if len(other) != 1 || other[0].SeqNo != 1 {
		t.Errorf("p2 events = %+v, want one event with seq 1", other)
	}
}

func TestEventRepo_ListByProject_Empty(t *testing.T) {
	db := newTestDB(t)
	repo := &EventRepo{}

	got, err := repo.ListByProject(context.Background(), db, "nonexistent", 0)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice for empty result, got %v", got)
	}
}
