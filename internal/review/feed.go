// Package review holds the reviewer-side view of suggestions: a paginated
// feed cache and the content-write preview.
package review

import (
	"context"
	"strings"
	"sync"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// DefaultPageSize is used when a Feed is created without a page size.
const DefaultPageSize = 25

// PageQuery selects one page of a project's suggestions, newest first.
type PageQuery struct {
	ProjectID string
	Status    domain.SuggestionStatus
	Limit     int
	Cursor    int64
	CursorID  string
}

// Lister fetches pages of suggestions.
type Lister interface {
	ListSuggestions(ctx context.Context, q PageQuery) ([]domain.Suggestion, error)
}

// Feed caches the pages of one project's suggestion list. Pages are appended
// in order; changing the filter starts over.
type Feed struct {
	lister   Lister
	pageSize int

	mu         sync.Mutex
	projectID  string
	status     domain.SuggestionStatus
	items      []domain.Suggestion
	index      map[string]int
	generation uint64
	loading    bool
	done       bool
}

// NewFeed creates an empty feed backed by l.
func NewFeed(l Lister, pageSize int) *Feed {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Feed{lister: l, pageSize: pageSize, index: make(map[string]int)}
}

// SetFilter drops every cached page and points the feed at a new project and
// status. A fetch still running under the old filter is ignored when it lands.
func (f *Feed) SetFilter(projectID string, status domain.SuggestionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.projectID = projectID
	f.status = status
	f.items = nil
	f.index = make(map[string]int)
	f.generation++
	f.loading = false
	f.done = false
}

// LoadMore fetches the next page and appends it. It returns how many new
// items were added. A second call while one is running fails with
// ErrFetchInProgress.
func (f *Feed) LoadMore(ctx context.Context) (int, error) {
	f.mu.Lock()
	if f.loading {
		f.mu.Unlock()
		return 0, domain.ErrFetchInProgress
	}
	if f.projectID == "" {
		f.mu.Unlock()
		return 0, domain.NewEngineError(domain.ErrInvalidRequest, "feed has no project filter")
	}
	if f.done {
		f.mu.Unlock()
		return 0, nil
	}
	q := PageQuery{ProjectID: f.projectID, Status: f.status, Limit: f.pageSize}
	if n := len(f.items); n > 0 {
		last := f.items[n-1]
		q.Cursor, q.CursorID = last.CreatedAt, last.ID
	}
	gen := f.generation
	f.loading = true
	f.mu.Unlock()

	page, err := f.lister.ListSuggestions(ctx, q)

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generation {
		return 0, nil
	}
	f.loading = false
	if err != nil {
		return 0, err
	}

	added := 0
	for _, s := range page {
		if _, dup := f.index[s.ID]; dup {
			continue
		}
		f.index[s.ID] = len(f.items)
		f.items = append(f.items, s)
		added++
	}
	if len(page) < q.Limit {
		f.done = true
	}
	return added, nil
}

// Items returns the cached suggestions matching query, in feed order. The
// query matches case-insensitively against operation, tool name, target,
// actor and tool call id. An empty query matches everything.
func (f *Feed) Items(query string) []domain.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()

	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.Suggestion, 0, len(f.items))
	for _, s := range f.items {
		if query == "" || strings.Contains(searchText(s), query) {
			out = append(out, s)
		}
	}
	return out
}

// Replace swaps the cached copy of s in place. It reports false when s is
// not cached.
func (f *Feed) Replace(s domain.Suggestion) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	i, ok := f.index[s.ID]
	if !ok {
		return false
	}
	f.items[i] = s
	return true
}

// Get returns the cached suggestion with id.
func (f *Feed) Get(id string) (domain.Suggestion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i, ok := f.index[id]
	if !ok {
		return domain.Suggestion{}, false
	}
	return f.items[i], true
}

// Done reports whether the last page has been fetched.
func (f *Feed) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Len returns the number of cached suggestions.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func searchText(s domain.Suggestion) string {
	actor := s.Actor.Name
	if actor == "" {
		actor = s.Actor.AgentID
	}
	if actor == "" {
		actor = s.Actor.UserID
	}
	return strings.ToLower(strings.Join([]string{
		string(s.Operation), s.ToolName, string(s.TargetType), s.TargetID, actor, s.ToolCallID,
	}, " "))
}
