package chat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/store"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

type stubDecider struct {
	stage domain.Stage
	err   error
	calls []domain.Decision
}

func (d *stubDecider) Decide(_ context.Context, id string, decision domain.Decision) (*domain.Suggestion, error) {
	d.calls = append(d.calls, decision)
	if d.stage == "" {
		return nil, d.err
	}
	s := &domain.Suggestion{ID: id}
	s.SetStage(d.stage)
	return s, d.err
}

func TestTracker_FirstEventDecidesConfirmation(t *testing.T) {
	tr := NewTracker(registry.NewDefault(), nil)

	inv, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "delete_entity"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationNeedsApproval, inv.Status)
	assert.Equal(t, domain.DangerDestructive, inv.DangerLevel)
	assert.Equal(t, registry.ApprovalExecution, inv.ApprovalType)
	assert.NotNil(t, inv.StartedAt)

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-2", ToolName: "search_context"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationExecuting, inv.Status)

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-3", ToolName: "open_portal"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationNeedsApproval, inv.Status, "unknown tools require confirmation")
	assert.Equal(t, domain.DangerSafe, inv.DangerLevel)

	_, err = tr.Observe(ToolEvent{ToolName: "search_context"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestTracker_MergeKeepsFieldsAndMovesForward(t *testing.T) {
	tr := NewTracker(registry.NewDefault(), nil)

	_, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "search_context", Args: map[string]any{"query": "bell"}})
	require.NoError(t, err)

	inv, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", Progress: 0.5})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "bell"}, inv.Args, "zero fields never overwrite")
	assert.Equal(t, 0.5, inv.Progress)

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-1", Status: domain.InvocationProposed, Progress: 0.2})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationExecuting, inv.Status, "status never moves back")
	assert.Equal(t, 0.5, inv.Progress)

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-1", Status: domain.InvocationApplied, Result: map[string]any{"hits": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationApplied, inv.Status)

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-1", Status: domain.InvocationError, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationApplied, inv.Status, "terminal states are final")
	assert.Empty(t, inv.Error)
}

func TestTracker_ApproveProjectsStage(t *testing.T) {
	tests := []struct {
		name  string
		stage domain.Stage
		err   error
		want  domain.InvocationStatus
	}{
		{"executed", domain.StageExecuted, nil, domain.InvocationApplied},
		{"awaiting editor", domain.StageApprovedForEditing, nil, domain.InvocationExecuting},
		{"execution failed", domain.StageFailed, domain.ErrExecutionFailed, domain.InvocationError},
		{"refused by preflight", domain.StagePending, domain.ErrPreflightConflict, domain.InvocationNeedsApproval},
		{"rate limited", "", domain.ErrRateLimitExceeded, domain.InvocationNeedsApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDecider{stage: tt.stage, err: tt.err}
			tr := NewTracker(registry.NewDefault(), d)
			_, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "update_entity", SuggestionID: "s-1"})
			require.NoError(t, err)

			inv, err := tr.Approve(context.Background(), "tc-1")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.NotEmpty(t, inv.Error)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, inv.Status)
			assert.Equal(t, []domain.Decision{domain.DecisionApprove}, d.calls)
		})
	}
}

func TestTracker_StreamedStatusCannotSkipApproval(t *testing.T) {
	d := &stubDecider{stage: domain.StageExecuted}
	tr := NewTracker(registry.NewDefault(), d)

	inv, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "create_entity", SuggestionID: "s-1"})
	require.NoError(t, err)
	require.Equal(t, domain.InvocationNeedsApproval, inv.Status)

	for _, status := range []domain.InvocationStatus{domain.InvocationExecuting, domain.InvocationApplied, domain.InvocationRejected} {
		inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-1", Status: status, Progress: 0.3})
		require.NoError(t, err)
		assert.Equal(t, domain.InvocationNeedsApproval, inv.Status, "streamed %s", status)
	}
	assert.Equal(t, 0.3, inv.Progress, "other fields still merge")

	inv, err = tr.Approve(context.Background(), "tc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationApplied, inv.Status)

	_, err = tr.Observe(ToolEvent{ToolCallID: "tc-2", ToolName: "delete_entity", Status: domain.InvocationApplied})
	require.NoError(t, err)
	got, _ := tr.Get("tc-2")
	assert.Equal(t, domain.InvocationNeedsApproval, got.Status, "first event cannot skip approval either")

	inv, err = tr.Observe(ToolEvent{ToolCallID: "tc-2", Status: domain.InvocationError, Error: "agent gave up"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationError, inv.Status)
	assert.Equal(t, "agent gave up", inv.Error)
}

func TestTracker_ApproveNotifiesExecutingFirst(t *testing.T) {
	d := &stubDecider{stage: domain.StageExecuted}
	tr := NewTracker(registry.NewDefault(), d)
	_, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "update_entity", SuggestionID: "s-1"})
	require.NoError(t, err)

	var seen []domain.InvocationStatus
	tr.OnChange(func(inv domain.ToolInvocation) { seen = append(seen, inv.Status) })

	_, err = tr.Approve(context.Background(), "tc-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.InvocationStatus{domain.InvocationExecuting, domain.InvocationApplied}, seen)

	seen = nil
	tr.Reset()
	d.stage, d.err = domain.StagePending, domain.ErrPreflightConflict
	_, err = tr.Observe(ToolEvent{ToolCallID: "tc-2", ToolName: "update_entity", SuggestionID: "s-2"})
	require.NoError(t, err)
	_, err = tr.Approve(context.Background(), "tc-2")
	require.Error(t, err)
	assert.Equal(t, []domain.InvocationStatus{domain.InvocationNeedsApproval, domain.InvocationNeedsApproval}, seen,
		"a refused approval never reports executing")
}

func TestDecodeResult(t *testing.T) {
	m, ok := decodeResult(json.RawMessage(`{"entity_id":"e-1","version":2}`))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"entity_id": "e-1", "version": 2.0}, m)

	for _, raw := range []string{``, `null`, `[1,2]`, `"text"`, `{bad`} {
		_, ok := decodeResult(json.RawMessage(raw))
		assert.False(t, ok, raw)
	}
}

func TestTracker_ApproveRequiresWaitingInvocation(t *testing.T) {
	tr := NewTracker(registry.NewDefault(), &stubDecider{stage: domain.StageExecuted})

	_, err := tr.Approve(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrInvocationNotFound)

	_, err = tr.Observe(ToolEvent{ToolCallID: "tc-read", ToolName: "search_context"})
	require.NoError(t, err)
	_, err = tr.Approve(context.Background(), "tc-read")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "create_entity", SuggestionID: "s-1"})
	require.NoError(t, err)
	_, err = tr.Approve(context.Background(), "tc-1")
	require.NoError(t, err)
	_, err = tr.Approve(context.Background(), "tc-1")
	assert.ErrorIs(t, err, domain.ErrInvocationFinal)
}

func TestTracker_Reject(t *testing.T) {
	d := &stubDecider{stage: domain.StageRejected}
	tr := NewTracker(registry.NewDefault(), d)
	_, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "delete_entity", SuggestionID: "s-1"})
	require.NoError(t, err)

	inv, err := tr.Reject(context.Background(), "tc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationRejected, inv.Status)
	assert.Equal(t, []domain.Decision{domain.DecisionReject}, d.calls)

	failing := &stubDecider{err: domain.ErrAlreadyResolved}
	tr = NewTracker(registry.NewDefault(), failing)
	_, err = tr.Observe(ToolEvent{ToolCallID: "tc-2", ToolName: "delete_entity", SuggestionID: "s-2"})
	require.NoError(t, err)
	inv, err = tr.Reject(context.Background(), "tc-2")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, domain.InvocationNeedsApproval, inv.Status)
}

func TestTracker_SyncSuggestion(t *testing.T) {
	tr := NewTracker(registry.NewDefault(), nil)
	_, err := tr.Observe(ToolEvent{ToolCallID: "tc-1", ToolName: "write_content", SuggestionID: "s-1"})
	require.NoError(t, err)

	s := domain.Suggestion{ID: "s-1"}
	s.SetStage(domain.StageApprovedForEditing)
	inv, ok := tr.SyncSuggestion(s)
	require.True(t, ok)
	assert.Equal(t, domain.InvocationExecuting, inv.Status)

	s.SetStage(domain.StageAppliedInEditor)
	inv, ok = tr.SyncSuggestion(s)
	require.True(t, ok)
	assert.Equal(t, domain.InvocationApplied, inv.Status)

	_, ok = tr.SyncSuggestion(domain.Suggestion{ID: "other"})
	assert.False(t, ok)
}

// Scenario A: the agent proposes a new entity during a streamed turn, the
// user confirms the tool call, and the entity lands in the project.
func TestScenario_CreateEntityConfirmFlow(t *testing.T) {
	db, err := store.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tools := registry.NewDefault()
	eng := workflow.NewEngine(db, guard.NewGuard(guard.GuardConfig{DecisionsPerMinute: 600, DecisionBurst: 10}), tools)
	ctx := workflow.WithUser(context.Background(), "u-1")

	args := map[string]any{"type": "character", "name": "Mira"}
	patch, err := json.Marshal(args)
	require.NoError(t, err)
	proposed, err := eng.Apply.Propose(ctx, workflow.ProposeRequest{
		ProjectID:  "p1",
		Operation:  domain.OpCreateEntity,
		ToolName:   "create_entity",
		ToolCallID: "tc-mira",
		Patch:      patch,
		Actor:      domain.Actor{Type: "agent", AgentID: "writer"},
	})
	require.NoError(t, err)

	tr := &funcTransport{script: func(ctx context.Context, _ int, h Handlers) error {
		h.OnDelta("I'll add Mira to the cast.")
		h.OnTool(ToolEvent{ToolCallID: "tc-mira", ToolName: "create_entity", Args: args, SuggestionID: proposed.ID})
		h.OnDone()
		return nil
	}}
	session := NewSession("p1", tr, NewTracker(tools, eng.Apply))
	var seen []domain.InvocationStatus
	session.Tracker().OnChange(func(inv domain.ToolInvocation) {
		seen = append(seen, inv.Status)
		session.mirrorTool(inv)
	})

	require.NoError(t, session.SendMessage(ctx, "Add a harbor master named Mira", nil))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, session.Wait(waitCtx))

	msg, ok := session.Conversation().Get("tool-tc-mira")
	require.True(t, ok)
	assert.Equal(t, domain.InvocationNeedsApproval, msg.Tool.Status)

	inv, err := session.Tracker().Approve(ctx, "tc-mira")
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationApplied, inv.Status)
	assert.Equal(t, []domain.InvocationStatus{
		domain.InvocationNeedsApproval, domain.InvocationExecuting, domain.InvocationApplied,
	}, seen)
	assert.Equal(t, entitiesResultID(t, eng, ctx), inv.Result["entity_id"])

	msg, _ = session.Conversation().Get("tool-tc-mira")
	assert.Equal(t, domain.InvocationApplied, msg.Tool.Status)

	stored, err := eng.Suggestion(ctx, proposed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecuted, stored.Stage)
	assert.Equal(t, "u-1", stored.ResolvedByUserID)

	entities, _, err := eng.Graph(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Mira", entities[0].Name)
	assert.Equal(t, proposed.ID, entities[0].CreatedBySuggestionID)
}

func entitiesResultID(t *testing.T, eng *workflow.Engine, ctx context.Context) string {
	t.Helper()
	entities, _, err := eng.Graph(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	return entities[0].ID
}
