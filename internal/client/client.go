// Package client is a Go client of the proposal engine's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/ipc"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/review"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

// Client talks to one engine server.
type Client struct {
	baseURL string
	http    *http.Client
	userID  string
}

var (
	_ review.Lister    = (*Client)(nil)
	_ registry.Decider = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithUser sends userID as the acting user of every request.
func WithUser(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks that the server and its database respond.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// Propose records a suggestion in projectID.
func (c *Client) Propose(ctx context.Context, projectID string, req workflow.ProposeRequest) (*domain.Suggestion, error) {
	var s domain.Suggestion
	if err := c.do(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(projectID)+"/suggestions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSuggestions fetches one page of a project's suggestions.
func (c *Client) ListSuggestions(ctx context.Context, q review.PageQuery) ([]domain.Suggestion, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor > 0 {
		v.Set("cursor", strconv.FormatInt(q.Cursor, 10))
	}
	if q.CursorID != "" {
		v.Set("cursor_id", q.CursorID)
	}
	path := "/api/v1/projects/" + url.PathEscape(q.ProjectID) + "/suggestions"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var page ipc.SuggestionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Get returns one suggestion.
func (c *Client) Get(ctx context.Context, id string) (*domain.Suggestion, error) {
	var s domain.Suggestion
	if err := c.do(ctx, http.MethodGet, suggestionPath(id, ""), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Citations returns a suggestion's citations as the reviewer may see them.
func (c *Client) Citations(ctx context.Context, id string) ([]domain.Citation, error) {
	var out []domain.Citation
	if err := c.do(ctx, http.MethodGet, suggestionPath(id, "/citations"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDecisions applies decision to every id. Per-suggestion failures are
// reported in the outcomes.
func (c *Client) ApplyDecisions(ctx context.Context, ids []string, decision domain.Decision) ([]domain.DecisionOutcome, error) {
	req := ipc.DecisionsRequest{SuggestionIDs: ids, Decision: decision}
	var out ipc.DecisionsResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/suggestions/decisions", req, &out); err != nil {
		return nil, err
	}
	return out.Outcomes, nil
}

// Decide applies decision to one suggestion. A refused decision returns the
// suggestion as stored together with the refusal.
func (c *Client) Decide(ctx context.Context, suggestionID string, decision domain.Decision) (*domain.Suggestion, error) {
	outcomes, err := c.ApplyDecisions(ctx, []string{suggestionID}, decision)
	if err != nil {
		return nil, err
	}
	if len(outcomes) != 1 {
		return nil, domain.NewEngineError(domain.ErrTransportProtocol,
			fmt.Sprintf("expected 1 decision outcome, got %d", len(outcomes)))
	}
	o := outcomes[0]
	if o.Error != "" {
		return o.Suggestion, &domain.EngineError{Code: o.ErrorCode, Kind: o.ErrorKind, Message: o.Error}
	}
	return o.Suggestion, nil
}

// Rollback undoes an executed suggestion.
func (c *Client) Rollback(ctx context.Context, id string, cascade bool) (*domain.Suggestion, error) {
	var s domain.Suggestion
	err := c.do(ctx, http.MethodPost, suggestionPath(id, "/rollback"), ipc.RollbackRequest{CascadeRelationships: cascade}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Recheck recomputes and stores a pending suggestion's preflight.
func (c *Client) Recheck(ctx context.Context, id string) (*domain.Suggestion, error) {
	var s domain.Suggestion
	if err := c.do(ctx, http.MethodPost, suggestionPath(id, "/preflight"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EditorPreview returns the live preview of a content proposal.
func (c *Client) EditorPreview(ctx context.Context, id string) (*review.EditorPreview, error) {
	var p review.EditorPreview
	if err := c.do(ctx, http.MethodGet, suggestionPath(id, "/editor-preview"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReportEditorApply tells the server whether the editor applied an approved
// content proposal.
func (c *Client) ReportEditorApply(ctx context.Context, id string, success bool, message string) (*domain.Suggestion, error) {
	var s domain.Suggestion
	req := ipc.EditorApplyRequest{Success: success, Error: message}
	if err := c.do(ctx, http.MethodPost, suggestionPath(id, "/editor-apply"), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Events returns a project's suggestion events after sinceSeq.
func (c *Client) Events(ctx context.Context, projectID string, sinceSeq int64) ([]domain.SuggestionEvent, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/events?since_seq=%d", url.PathEscape(projectID), sinceSeq)
	var out []domain.SuggestionEvent
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Document returns the server's copy of a document.
func (c *Client) Document(ctx context.Context, projectID, documentID string) (*domain.Document, error) {
	var d domain.Document
	if err := c.do(ctx, http.MethodGet, documentPath(projectID, documentID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveDocument stores a document if the server still holds expectedVersion.
// Zero creates it.
func (c *Client) SaveDocument(ctx context.Context, projectID, documentID, title, content string, expectedVersion int64) (*domain.Document, error) {
	req := ipc.DocumentRequest{Title: title, Content: content, ExpectedVersion: expectedVersion}
	var d domain.Document
	if err := c.do(ctx, http.MethodPut, documentPath(projectID, documentID), req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Entities returns a project's entities and relationships.
func (c *Client) Entities(ctx context.Context, projectID string) (*ipc.EntityListing, error) {
	var out ipc.EntityListing
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+url.PathEscape(projectID)+"/entities", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func suggestionPath(id, suffix string) string {
	return "/api/v1/suggestions/" + url.PathEscape(id) + suffix
}

func documentPath(projectID, documentID string) string {
	return "/api/v1/projects/" + url.PathEscape(projectID) + "/documents/" + url.PathEscape(documentID)
}

// do sends one request and decodes the response into out. Error responses
// become *domain.EngineError with the server's code and kind.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userID != "" {
		req.Header.Set(ipc.HeaderUserID, c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return domain.WrapEngineError(domain.ErrTransportFailed, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapEngineError(domain.ErrTransportProtocol, "decode "+method+" "+path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr ipc.APIError
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Message == "" {
		return domain.NewEngineError(domain.ErrTransportFailed,
			fmt.Sprintf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}
	kind := apiErr.Kind
	if kind == "" {
		kind = domain.KindUnknown
	}
	return &domain.EngineError{Code: apiErr.Code, Kind: kind, Message: apiErr.Message}
}

