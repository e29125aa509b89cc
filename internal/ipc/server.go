package ipc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

// Request headers understood by the API.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(h.CloseStreams)
	return &Server{httpServer: srv}
}

// NewRouter returns the API routes wrapped in the standard middleware.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Suggestions.
	mux.HandleFunc("POST /api/v1/projects/{projectID}/suggestions", h.CreateSuggestion)
	mux.HandleFunc("GET /api/v1/projects/{projectID}/suggestions", h.ListSuggestions)
	mux.HandleFunc("GET /api/v1/suggestions/{id}", h.GetSuggestion)
	mux.HandleFunc("GET /api/v1/suggestions/{id}/citations", h.ListCitations)
	mux.HandleFunc("POST /api/v1/suggestions/decisions", h.ApplyDecisions)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/rollback", h.Rollback)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/preflight", h.RerunPreflight)
	mux.HandleFunc("GET /api/v1/suggestions/{id}/editor-preview", h.EditorPreview)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/editor-apply", h.EditorApply)

	// Event log.
	mux.HandleFunc("GET /api/v1/projects/{projectID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/projects/{projectID}/events/stream", h.StreamEvents)

	// Project targets.
	mux.HandleFunc("GET /api/v1/projects/{projectID}/documents/{documentID}", h.GetDocument)
	mux.HandleFunc("PUT /api/v1/projects/{projectID}/documents/{documentID}", h.PutDocument)
	mux.HandleFunc("GET /api/v1/projects/{projectID}/entities", h.ListEntities)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	return corsMiddleware(requestMiddleware(mux))
}

// Start begins listening for HTTP connections. Blocks until the server stops.
// A graceful shutdown is not reported as an error.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local desktop app access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestMiddleware tags every request with a request id and the calling
// user, and logs it when done.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := observability.WithRequestID(r.Context(), id)
		if user := r.Header.Get(HeaderUserID); user != "" {
			ctx = workflow.WithUser(ctx, user)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		observability.LoggerFromContext(ctx).Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// statusRecorder remembers the response status and keeps streaming working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}
