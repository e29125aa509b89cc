package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/ipc"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/review"
	"github.com/Sophanos/saga-sub007/internal/store"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := guard.NewGuard(guard.GuardConfig{DecisionsPerMinute: 6000, DecisionBurst: 1000})
	h := &ipc.Handler{Engine: workflow.NewEngine(db, g, registry.NewDefault()), PollInterval: 20 * time.Millisecond}
	srv := httptest.NewServer(ipc.NewRouter(h))
	t.Cleanup(srv.Close)
	return New(srv.URL, WithHTTPClient(srv.Client()), WithUser("u-7"))
}

func proposeEntity(t *testing.T, c *Client, toolCallID, name string) *domain.Suggestion {
	t.Helper()
	s, err := c.Propose(context.Background(), "p1", workflow.ProposeRequest{
		Operation:  domain.OpCreateEntity,
		ToolName:   "create_entity",
		ToolCallID: toolCallID,
		Patch:      json.RawMessage(fmt.Sprintf(`{"type":"place","name":%q}`, name)),
		Actor:      domain.Actor{Type: "agent", AgentID: "writer"},
		Citations: []domain.Citation{
			{SourceKind: domain.SourceMemory, MemoryID: "m-1", Visibility: domain.VisibilityRedacted, Excerpt: "secret", Reason: "mentioned earlier"},
		},
	})
	require.NoError(t, err)
	return s
}

func TestClient_ProposeDecideRollback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Health(ctx))

	s := proposeEntity(t, c, "tc-1", "Harbor")
	assert.Equal(t, domain.StagePending, s.Stage)

	cits, err := c.Citations(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, cits, 1)
	assert.Empty(t, cits[0].Excerpt, "redacted excerpt leaked")
	assert.Equal(t, "mentioned earlier", cits[0].Reason)

	got, err := c.Decide(ctx, s.ID, domain.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecuted, got.Stage)
	assert.Equal(t, "u-7", got.ResolvedByUserID)

	listing, err := c.Entities(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, listing.Entities, 1)

	got, err = c.Rollback(ctx, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StageRolledBack, got.Stage)

	_, err = c.Rollback(ctx, s.ID, false)
	assert.ErrorIs(t, err, domain.ErrAlreadyRolledBack)

	events, err := c.Events(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "suggestion.rolled_back", events[2].EventType)
}

func TestClient_ErrorsKeepCodeAndKind(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSuggestionNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = c.ApplyDecisions(context.Background(), nil, domain.DecisionApprove)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestClient_DecideReturnsRefusal(t *testing.T) {
	c := newTestClient(t)
	s, err := c.Propose(context.Background(), "p1", workflow.ProposeRequest{
		Operation: domain.OpUpdateEntity,
		Patch:     json.RawMessage(`{"entity_id":"gone","name":"Ghost"}`),
		Actor:     domain.Actor{Type: "agent"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PreflightInvalid, s.Preflight.Status)

	got, err := c.Decide(context.Background(), s.ID, domain.DecisionApprove)
	assert.ErrorIs(t, err, domain.ErrPreflightInvalid)
	require.NotNil(t, got)
	assert.Equal(t, domain.StagePending, got.Stage)
}

func TestClient_FeedLoadsEveryPage(t *testing.T) {
	c := newTestClient(t)
	for i := 0; i < 7; i++ {
		proposeEntity(t, c, fmt.Sprintf("tc-%d", i), fmt.Sprintf("Pier %d", i))
	}

	feed := review.NewFeed(c, 3)
	feed.SetFilter("p1", domain.StatusProposed)
	for !feed.Done() {
		_, err := feed.LoadMore(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 7, feed.Len())
	assert.Len(t, feed.Items("pier 4"), 0, "names are not part of the search text")
	assert.Len(t, feed.Items("tc-4"), 1)
}

func TestClient_EditorFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	doc, err := c.SaveDocument(ctx, "p1", "doc-1", "Ch 1", "The tide came in.", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	s, err := c.Propose(ctx, "p1", workflow.ProposeRequest{
		Operation:     domain.OpWriteContent,
		Patch:         json.RawMessage(`{"document_id":"doc-1","content":" It went out again.","mode":"append","base_version":1}`),
		EditorContext: &domain.EditorContext{DocumentID: "doc-1"},
		Actor:         domain.Actor{Type: "agent"},
	})
	require.NoError(t, err)

	_, err = c.Decide(ctx, s.ID, domain.DecisionApprove)
	require.NoError(t, err)

	prev, err := c.EditorPreview(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, prev.Found)
	assert.Equal(t, 17, prev.Start)

	got, err := c.ReportEditorApply(ctx, s.ID, false, "editor closed")
	require.NoError(t, err)
	assert.Equal(t, domain.StageApprovedForEditing, got.Stage)
	assert.Equal(t, "editor closed", got.Error)

	got, err = c.ReportEditorApply(ctx, s.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAppliedInEditor, got.Stage)

	saved, err := c.Document(ctx, "p1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "The tide came in.", saved.Content, "approval never writes the document")
}

func TestClient_NonJSONErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Health(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportFailed)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_CancelledContextIsAbort(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "anything")
	assert.Equal(t, domain.KindAbort, domain.KindOf(err))
}
