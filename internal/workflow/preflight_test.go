package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

func seedDocument(t *testing.T, eng *Engine, id, content string) domain.Document {
	t.Helper()
	doc, err := eng.Documents.Save(testCtx(), domain.Document{ID: id, ProjectID: "p1", Title: "Chapter", Content: content}, 0)
	if err != nil {
		t.Fatalf("save document: %v", err)
	}
	return doc
}

func TestCheckExpected(t *testing.T) {
	current := map[string]any{"name": "Mira", "type": "character"}
	props := map[string]any{"age": float64(31)}

	tests := []struct {
		name          string
		expected      map[string]any
		proposed      map[string]any
		wantConflicts int
		wantWarnings  int
	}{
		{"matching", map[string]any{"name": "Mira", "properties.age": 31}, map[string]any{"name": "Mira Vale"}, 0, 0},
		{"contradicted", map[string]any{"name": "Mara"}, map[string]any{"name": "Mira Vale"}, 1, 0},
		{"already applied", map[string]any{"name": "Mara"}, map[string]any{"name": "Mira"}, 0, 1},
		{"missing property", map[string]any{"properties.title": "captain"}, nil, 1, 0},
		{"expected absent", map[string]any{"properties.title": nil}, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts, warnings := checkExpected(tt.expected, current, tt.proposed, props, nil)
			if len(conflicts) != tt.wantConflicts || len(warnings) != tt.wantWarnings {
				t.Errorf("checkExpected = (%v, %v), want %d conflicts and %d warnings",
					conflicts, warnings, tt.wantConflicts, tt.wantWarnings)
			}
		})
	}
}

func TestMergeProperties(t *testing.T) {
	got := mergeProperties(map[string]any{"age": 31, "title": "captain"}, map[string]any{"age": 32, "title": nil})
	if len(got) != 1 || got["age"] != 32 {
		t.Errorf("mergeProperties = %v", got)
	}
	if got := mergeProperties(map[string]any{"a": 1}, map[string]any{"a": nil}); got != nil {
		t.Errorf("emptied properties = %v, want nil", got)
	}
}

func TestPreflight_CreateEntityNameCollision(t *testing.T) {
	eng := newTestEngine(t)
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})

	s := propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Mira"}`)
	if s.Preflight.Status != domain.PreflightConflict {
		t.Errorf("Preflight = %q, want conflict", s.Preflight.Status)
	}

	s = propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Ossian","relationships":[{"target_id":"e-404","type":"knows"}]}`)
	if s.Preflight.Status != domain.PreflightInvalid {
		t.Errorf("Preflight with missing relationship target = %q, want invalid", s.Preflight.Status)
	}
}

func TestPreflight_WriteContent(t *testing.T) {
	eng := newTestEngine(t)
	seedDocument(t, eng, "doc-1", "The harbor was quiet.")

	tests := []struct {
		name  string
		patch string
		want  domain.PreflightStatus
	}{
		{"selection present", `{"document_id":"doc-1","content":"calm","selection_text":"quiet","base_version":1}`, domain.PreflightOK},
		{"append", `{"document_id":"doc-1","content":" Then the bells rang."}`, domain.PreflightOK},
		{"selection absent", `{"document_id":"doc-1","content":"calm","selection_text":"loud","base_version":1}`, domain.PreflightInvalid},
		{"stale and absent", `{"document_id":"doc-1","content":"calm","selection_text":"loud","base_version":7}`, domain.PreflightConflict},
		{"unknown document", `{"document_id":"doc-404","content":"calm"}`, domain.PreflightInvalid},
		{"bad mode", `{"document_id":"doc-1","content":"calm","mode":"overwrite"}`, domain.PreflightInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := propose(t, eng, domain.OpWriteContent, tt.patch)
			if s.Preflight.Status != tt.want {
				t.Errorf("Preflight = %q (%v), want %q", s.Preflight.Status, s.Preflight.Errors, tt.want)
			}
		})
	}
}

func TestPreflight_WriteContentUsesEditorContext(t *testing.T) {
	eng := newTestEngine(t)
	seedDocument(t, eng, "doc-1", "The harbor was quiet.")

	s, err := eng.Apply.Propose(testCtx(), ProposeRequest{
		ProjectID:     "p1",
		Operation:     domain.OpWriteContent,
		Patch:         []byte(`{"content":"still"}`),
		EditorContext: &domain.EditorContext{DocumentID: "doc-1", SelectionText: "quiet"},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if s.TargetID != "doc-1" {
		t.Errorf("TargetID = %q, want doc-1", s.TargetID)
	}
	if !strings.Contains(string(s.NormalizedPatch), `"mode":"replace_selection"`) {
		t.Errorf("NormalizedPatch = %s", s.NormalizedPatch)
	}
	if s.Preflight.Status != domain.PreflightOK {
		t.Errorf("Preflight = %q, want ok", s.Preflight.Status)
	}
}

// A content proposal conflicts while its selection is gone and becomes
// approvable again once a later edit restores it.
func TestDocumentSave_RechecksPendingProposals(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	doc := seedDocument(t, eng, "doc-1", "The harbor was quiet.")
	s := propose(t, eng, domain.OpWriteContent, `{"document_id":"doc-1","content":"still","selection_text":"quiet","base_version":1}`)

	doc.Content = "The harbor was loud."
	doc, err := eng.Documents.Save(ctx, doc, doc.Version)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := eng.Suggestion(ctx, s.ID)
	if got.Preflight.Status != domain.PreflightConflict {
		t.Fatalf("Preflight after edit = %q, want conflict", got.Preflight.Status)
	}
	if _, err := eng.Apply.Decide(ctx, s.ID, domain.DecisionApprove); !errors.Is(err, domain.ErrPreflightConflict) {
		t.Fatalf("approve during conflict = %v, want ErrPreflightConflict", err)
	}

	doc.Content = "The harbor was quiet again."
	if _, err := eng.Documents.Save(ctx, doc, doc.Version); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ = eng.Suggestion(ctx, s.ID)
	if got.Preflight.Status != domain.PreflightOK {
		t.Fatalf("Preflight after restore = %q, want ok", got.Preflight.Status)
	}
	if len(got.Preflight.Warnings) == 0 {
		t.Error("changed document produced no warning")
	}

	got, err = eng.Apply.Decide(ctx, s.ID, domain.DecisionApprove)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Stage != domain.StageApprovedForEditing {
		t.Errorf("Stage = %q, want approved_for_editing", got.Stage)
	}
}

func TestDocumentSave_StaleVersion(t *testing.T) {
	eng := newTestEngine(t)
	doc := seedDocument(t, eng, "doc-1", "one")

	doc.Content = "two"
	if _, err := eng.Documents.Save(testCtx(), doc, 5); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("stale Save = %v, want ErrOptimisticLock", err)
	}
	if _, err := eng.Documents.Save(testCtx(), domain.Document{ID: "doc-2"}, 0); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Save without project = %v, want ErrInvalidRequest", err)
	}
}

func TestRecheck_ResolvedSuggestion(t *testing.T) {
	eng := newTestEngine(t)
	s := propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Mira"}`)
	if _, err := eng.Apply.Decide(testCtx(), s.ID, domain.DecisionReject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := eng.Preflight.Recheck(testCtx(), s.ID); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("Recheck = %v, want ErrAlreadyResolved", err)
	}
}

func TestEditorApply(t *testing.T) {
	eng := newTestEngine(t)
	ctx := testCtx()
	seedDocument(t, eng, "doc-1", "The harbor was quiet.")
	s := propose(t, eng, domain.OpWriteContent, `{"document_id":"doc-1","content":"still","selection_text":"quiet","base_version":1}`)

	if _, err := eng.Apply.ReportEditorApply(ctx, s.ID, true, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("report before approval = %v, want ErrInvalidTransition", err)
	}
	s = approve(t, eng, s)

	prev, err := eng.Apply.EditorPreview(ctx, s.ID)
	if err != nil {
		t.Fatalf("EditorPreview: %v", err)
	}
	if !prev.Found || prev.Selection != "quiet" || prev.DocumentVersion != 1 {
		t.Errorf("preview = %+v", prev)
	}

	got, err := eng.Apply.ReportEditorApply(ctx, s.ID, false, "selection moved")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if got.Stage != domain.StageApprovedForEditing || got.Error != "selection moved" {
		t.Errorf("after failed apply = (%q, %q)", got.Stage, got.Error)
	}

	got, err = eng.Apply.ReportEditorApply(ctx, s.ID, true, "")
	if err != nil {
		t.Fatalf("report success: %v", err)
	}
	if got.Stage != domain.StageAppliedInEditor || got.Resolution != domain.ResolutionAppliedInEditor {
		t.Errorf("after apply = (%q, %q)", got.Stage, got.Resolution)
	}
	if _, err := eng.Apply.ReportEditorApply(ctx, s.ID, true, ""); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("second report = %v, want ErrAlreadyResolved", err)
	}
}

func TestEditorPreview_NotEditorOperation(t *testing.T) {
	eng := newTestEngine(t)
	s := propose(t, eng, domain.OpCreateEntity, `{"type":"character","name":"Mira"}`)
	if _, err := eng.Apply.EditorPreview(testCtx(), s.ID); !errors.Is(err, domain.ErrNotEditorOperation) {
		t.Errorf("EditorPreview = %v, want ErrNotEditorOperation", err)
	}
}
