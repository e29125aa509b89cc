// Package ipc provides the HTTP API of the proposal engine.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/store"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200

	// statusClientClosed reports a request abandoned by its caller.
	statusClientClosed = 499
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine *workflow.Engine
	// PageSize is the list limit used when a request names none.
	PageSize int
	// PollInterval is how often the event stream checks for new events.
	PollInterval time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler

	closeOnce sync.Once
	closing   chan struct{}
	initOnce  sync.Once
}

func (h *Handler) closingCh() <-chan struct{} {
	h.initOnce.Do(func() { h.closing = make(chan struct{}) })
	return h.closing
}

// CloseStreams ends every open event stream. Later streams end right away.
func (h *Handler) CloseStreams() {
	h.closingCh()
	h.closeOnce.Do(func() { close(h.closing) })
}

// DecisionsRequest is the body for POST /api/v1/suggestions/decisions.
type DecisionsRequest struct {
	SuggestionIDs []string        `json:"suggestion_ids" validate:"required,min=1,dive,required"`
	Decision      domain.Decision `json:"decision" validate:"required,oneof=approve reject"`
	ActorUserID   string          `json:"actor_user_id,omitempty"`
}

// DecisionsResponse lists the per-suggestion outcomes of a batch decision.
type DecisionsResponse struct {
	Outcomes []domain.DecisionOutcome `json:"outcomes"`
}

// RollbackRequest is the body for POST /api/v1/suggestions/{id}/rollback.
type RollbackRequest struct {
	CascadeRelationships bool   `json:"cascade_relationships"`
	ActorUserID          string `json:"actor_user_id,omitempty"`
}

// EditorApplyRequest is the body for POST /api/v1/suggestions/{id}/editor-apply.
type EditorApplyRequest struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ActorUserID string `json:"actor_user_id,omitempty"`
}

// DocumentRequest is the body for PUT .../documents/{documentID}. An
// expected version of zero creates the document.
type DocumentRequest struct {
	Title           string `json:"title"`
	Content         string `json:"content"`
	ExpectedVersion int64  `json:"expected_version" validate:"min=0"`
}

// SuggestionPage is one page of a project's suggestions. The next cursor is
// set when more pages may follow.
type SuggestionPage struct {
	Items        []domain.Suggestion `json:"items"`
	NextCursor   int64               `json:"next_cursor,omitempty"`
	NextCursorID string              `json:"next_cursor_id,omitempty"`
}

// EntityListing is the response for GET .../entities.
type EntityListing struct {
	Entities      []domain.Entity       `json:"entities"`
	Relationships []domain.Relationship `json:"relationships"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int              `json:"code"`
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DB.PingContext(r.Context()); err != nil {
		writeError(w, domain.WrapEngineError(domain.ErrStoreQuery, "database unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSuggestion handles POST /api/v1/projects/{projectID}/suggestions.
func (h *Handler) CreateSuggestion(w http.ResponseWriter, r *http.Request) {
	var req workflow.ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, "invalid request body"))
		return
	}
	req.ProjectID = r.PathValue("projectID")

	s, err := h.Engine.Apply.Propose(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSuggestions handles GET /api/v1/projects/{projectID}/suggestions.
func (h *Handler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	lq := store.ListQuery{
		ProjectID: r.PathValue("projectID"),
		Status:    domain.SuggestionStatus(query.Get("status")),
		Limit:     h.PageSize,
		CursorID:  query.Get("cursor_id"),
	}
	if lq.Limit <= 0 {
		lq.Limit = defaultPageSize
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, "limit must be a positive integer"))
			return
		}
		lq.Limit = min(n, maxPageSize)
	}
	if v := query.Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil || c < 0 {
			writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, "cursor must be a non-negative integer"))
			return
		}
		lq.Cursor = c
	}

	items, err := h.Engine.Suggestions(r.Context(), lq)
	if err != nil {
		writeError(w, err)
		return
	}
	page := SuggestionPage{Items: items}
	if page.Items == nil {
		page.Items = []domain.Suggestion{}
	}
	if len(items) == lq.Limit {
		last := items[len(items)-1]
		page.NextCursor, page.NextCursorID = last.CreatedAt, last.ID
	}
	writeJSON(w, http.StatusOK, page)
}

// GetSuggestion handles GET /api/v1/suggestions/{id}.
func (h *Handler) GetSuggestion(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Suggestion(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListCitations handles GET /api/v1/suggestions/{id}/citations.
func (h *Handler) ListCitations(w http.ResponseWriter, r *http.Request) {
	cits, err := h.Engine.Citations(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cits == nil {
		cits = []domain.Citation{}
	}
	writeJSON(w, http.StatusOK, cits)
}

// ApplyDecisions handles POST /api/v1/suggestions/decisions.
func (h *Handler) ApplyDecisions(w http.ResponseWriter, r *http.Request) {
	var req DecisionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.ActorUserID != "" {
		ctx = workflow.WithUser(ctx, req.ActorUserID)
	}

	outcomes, err := h.Engine.Apply.ApplyDecisions(ctx, req.SuggestionIDs, req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionsResponse{Outcomes: outcomes})
}

// Rollback handles POST /api/v1/suggestions/{id}/rollback.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.ActorUserID != "" {
		ctx = workflow.WithUser(ctx, req.ActorUserID)
	}

	s, err := h.Engine.Rollback.Rollback(ctx, r.PathValue("id"), req.CascadeRelationships)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RerunPreflight handles POST /api/v1/suggestions/{id}/preflight.
func (h *Handler) RerunPreflight(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Preflight.Recheck(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// EditorPreview handles GET /api/v1/suggestions/{id}/editor-preview.
func (h *Handler) EditorPreview(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Apply.EditorPreview(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// EditorApply handles POST /api/v1/suggestions/{id}/editor-apply.
func (h *Handler) EditorApply(w http.ResponseWriter, r *http.Request) {
	var req EditorApplyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.ActorUserID != "" {
		ctx = workflow.WithUser(ctx, req.ActorUserID)
	}

	s, err := h.Engine.Apply.ReportEditorApply(ctx, r.PathValue("id"), req.Success, req.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListEvents handles GET /api/v1/projects/{projectID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq, ok := parseSinceSeq(w, r)
	if !ok {
		return
	}
	events, err := h.Engine.Events(r.Context(), r.PathValue("projectID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.SuggestionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/projects/{projectID}/events/stream (SSE).
// Events after since_seq are replayed first, then new ones are pushed as
// they are appended.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	lastSeq, ok := parseSinceSeq(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Kind: domain.KindUnknown, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := h.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx := r.Context()
	closing := h.closingCh()
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		events, err := h.Engine.Events(ctx, projectID, lastSeq)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("event stream poll failed", "project_id", projectID, "error", err)
				writeSSEError(w, flusher, err)
			}
			return
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.SeqNo
		}

		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		case <-ticker.C:
		}
	}
}

// GetDocument handles GET /api/v1/projects/{projectID}/documents/{documentID}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Documents.Get(r.Context(), r.PathValue("documentID"))
	if err == nil && doc.ProjectID != r.PathValue("projectID") {
		err = domain.NewEngineError(domain.ErrTargetNotFound, "document not found in project")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PutDocument handles PUT /api/v1/projects/{projectID}/documents/{documentID}.
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	doc := domain.Document{
		ID:        r.PathValue("documentID"),
		ProjectID: r.PathValue("projectID"),
		Title:     req.Title,
		Content:   req.Content,
	}
	saved, err := h.Engine.Documents.Save(r.Context(), doc, req.ExpectedVersion)
	if err != nil && saved.ID == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		// The save landed; only the follow-up recheck failed.
		observability.LoggerFromContext(r.Context()).Warn("document saved without recheck", "document_id", saved.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, saved)
}

// ListEntities handles GET /api/v1/projects/{projectID}/entities.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	ents, rels, err := h.Engine.Graph(r.Context(), r.PathValue("projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := EntityListing{Entities: ents, Relationships: rels}
	if out.Entities == nil {
		out.Entities = []domain.Entity{}
	}
	if out.Relationships == nil {
		out.Relationships = []domain.Relationship{}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseSinceSeq(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("since_seq")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, "since_seq must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// decodeBody reads a JSON body into v and validates it, writing the error
// response itself when either step fails. An empty body decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, "invalid request body: "+err.Error()))
		return false
	}
	if err := validate.Struct(v); err != nil {
		var problems []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
		writeError(w, domain.NewEngineError(domain.ErrInvalidRequest, strings.Join(problems, "; ")))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindRateLimit:
		return http.StatusTooManyRequests
	case domain.KindExecution:
		return http.StatusUnprocessableEntity
	case domain.KindAbort:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, statusFor(kind), APIError{Code: engErr.Code, Kind: kind, Message: engErr.Message})
		return
	}
	writeJSON(w, statusFor(kind), APIError{Code: -1, Kind: kind, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.SuggestionEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.EventType, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
