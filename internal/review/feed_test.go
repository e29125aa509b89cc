package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// memLister serves pages from a fixed set ordered newest first, the way the
// server does.
type memLister struct {
	mu      sync.Mutex
	items   []domain.Suggestion
	queries []PageQuery
	block   chan struct{}
	started chan struct{}
}

func newMemLister(items []domain.Suggestion) *memLister {
	sorted := append([]domain.Suggestion(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		}
		return sorted[i].ID > sorted[j].ID
	})
	return &memLister{items: sorted}
}

func (l *memLister) ListSuggestions(ctx context.Context, q PageQuery) ([]domain.Suggestion, error) {
	l.mu.Lock()
	l.queries = append(l.queries, q)
	block, started := l.block, l.started
	l.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	var out []domain.Suggestion
	for _, s := range l.items {
		if s.ProjectID != q.ProjectID {
			continue
		}
		if q.Status != "" && q.Status != domain.StatusAll && s.Status != q.Status {
			continue
		}
		if q.Cursor > 0 && !(s.CreatedAt < q.Cursor || (s.CreatedAt == q.Cursor && s.ID < q.CursorID)) {
			continue
		}
		out = append(out, s)
		if len(out) == q.Limit {
			break
		}
	}
	return out, ctx.Err()
}

func makeSuggestions(n int, sameTimeEvery int) []domain.Suggestion {
	out := make([]domain.Suggestion, 0, n)
	for i := 0; i < n; i++ {
		s := domain.Suggestion{
			ID:         fmt.Sprintf("s-%03d", i),
			ProjectID:  "p1",
			Operation:  domain.OpCreateEntity,
			TargetType: domain.TargetEntity,
			ToolName:   "create_entity",
			ToolCallID: fmt.Sprintf("tc-%03d", i),
			Actor:      domain.Actor{Type: "agent", Name: "Writer"},
			CreatedAt:  int64(1000 + i/sameTimeEvery),
		}
		s.SetStage(domain.StagePending)
		out = append(out, s)
	}
	return out
}

func TestFeed_PaginationCompleteWithTies(t *testing.T) {
	lister := newMemLister(makeSuggestions(23, 4))
	feed := NewFeed(lister, 5)
	feed.SetFilter("p1", domain.StatusAll)

	for !feed.Done() {
		_, err := feed.LoadMore(context.Background())
		require.NoError(t, err)
	}

	items := feed.Items("")
	require.Len(t, items, 23)
	seen := map[string]bool{}
	for i, s := range items {
		assert.False(t, seen[s.ID], "duplicate %s", s.ID)
		seen[s.ID] = true
		if i > 0 {
			prev := items[i-1]
			assert.True(t, prev.CreatedAt > s.CreatedAt || (prev.CreatedAt == s.CreatedAt && prev.ID > s.ID),
				"order broken at %d", i)
		}
	}

	n, err := feed.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFeed_SetFilterRestarts(t *testing.T) {
	items := makeSuggestions(6, 1)
	items[0].SetStage(domain.StageExecuted)
	items[1].SetStage(domain.StageRejected)
	lister := newMemLister(items)
	feed := NewFeed(lister, 10)

	feed.SetFilter("p1", domain.StatusAll)
	_, err := feed.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, feed.Len())

	feed.SetFilter("p1", domain.StatusProposed)
	assert.Zero(t, feed.Len())
	_, err = feed.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, feed.Len())

	last := lister.queries[len(lister.queries)-1]
	assert.Zero(t, last.Cursor)
	assert.Empty(t, last.CursorID)
}

func TestFeed_OverlappingLoadRefused(t *testing.T) {
	lister := newMemLister(makeSuggestions(3, 1))
	lister.block = make(chan struct{})
	lister.started = make(chan struct{}, 1)
	feed := NewFeed(lister, 10)
	feed.SetFilter("p1", domain.StatusAll)

	errc := make(chan error, 1)
	go func() {
		_, err := feed.LoadMore(context.Background())
		errc <- err
	}()
	<-lister.started

	_, err := feed.LoadMore(context.Background())
	assert.ErrorIs(t, err, domain.ErrFetchInProgress)

	close(lister.block)
	require.NoError(t, <-errc)
	assert.Equal(t, 3, feed.Len())
}

func TestFeed_StaleFetchDiscarded(t *testing.T) {
	lister := newMemLister(makeSuggestions(3, 1))
	lister.block = make(chan struct{})
	lister.started = make(chan struct{}, 1)
	feed := NewFeed(lister, 10)
	feed.SetFilter("p1", domain.StatusAll)

	errc := make(chan error, 1)
	go func() {
		_, err := feed.LoadMore(context.Background())
		errc <- err
	}()
	<-lister.started

	feed.SetFilter("p2", domain.StatusAll)
	close(lister.block)
	require.NoError(t, <-errc)
	assert.Zero(t, feed.Len(), "items from the old filter leaked in")
}

func TestFeed_ItemsQueryAndReplace(t *testing.T) {
	items := makeSuggestions(3, 1)
	items[1].Operation = domain.OpWriteContent
	items[1].TargetType = domain.TargetDocument
	items[1].TargetID = "doc-Harbor"
	feed := NewFeed(newMemLister(items), 10)
	feed.SetFilter("p1", "")
	_, err := feed.LoadMore(context.Background())
	require.NoError(t, err)

	got := feed.Items("  HARBOR ")
	require.Len(t, got, 1)
	assert.Equal(t, "s-001", got[0].ID)
	assert.Len(t, feed.Items("writer"), 3)
	assert.Len(t, feed.Items("tc-002"), 1)

	updated := got[0]
	updated.SetStage(domain.StageApprovedForEditing)
	require.True(t, feed.Replace(updated))
	all := feed.Items("")
	assert.Equal(t, "s-001", all[1].ID, "replace moved the item")
	assert.Equal(t, domain.StageApprovedForEditing, all[1].Stage)

	assert.False(t, feed.Replace(domain.Suggestion{ID: "unknown"}))
}

func TestFeed_RequiresProject(t *testing.T) {
	feed := NewFeed(newMemLister(nil), 0)
	_, err := feed.LoadMore(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
