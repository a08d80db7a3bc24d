// Package api serves the jobharvest HTTP interface: operation control,
// stored postings, the session websocket and MCP tools.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/session"
	"github.com/kalambet/jobharvest/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Operations starts, cancels and inspects guarded operations.
type Operations interface {
	Collect(ctx context.Context, req harvest.CollectRequest) (harvest.CollectReport, error)
	Enrich(ctx context.Context, req harvest.EnrichRequest) (harvest.EnrichReport, error)
	Cancel(kind operations.Kind) bool
	Status(kind operations.Kind) operations.Status
	Runs(ctx context.Context, kind string, limit int) ([]storage.Run, error)
}

// PostingStore reads stored postings.
type PostingStore interface {
	ListPostings(ctx context.Context, f storage.PostingFilter) ([]posting.Posting, int, error)
	GetPosting(ctx context.Context, id int64) (posting.Posting, error)
	CountPostings(ctx context.Context) (map[string]int, error)
}

// Deps holds the collaborators of the HTTP handler.
type Deps struct {
	Ops      Operations
	Postings PostingStore
	// Research answers on-demand company lookups; nil makes them 503.
	Research Researcher
	// Sessions serves the websocket; nil disables /v1/ws.
	Sessions *session.Broadcaster
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Token   string
	Logger  *slog.Logger
}

// NewHandler returns the HTTP handler for the server.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/v1/operations", func(r chi.Router) {
			r.Post("/collection", handleCollect(deps))
			r.Post("/enrichment", handleEnrich(deps))
			r.Post("/cancel", handleCancel(deps))
			r.Get("/status", handleStatus(deps))
			r.Get("/runs", handleRuns(deps))
		})

		r.Route("/v1/postings", func(r chi.Router) {
			r.Get("/", handleListPostings(deps))
			r.Get("/stats", handlePostingStats(deps))
			r.Get("/{id}", handleGetPosting(deps))
		})

		r.Post("/v1/research", handleResearch(deps))

		if deps.Sessions != nil {
			r.Get("/v1/ws", handleSessions(deps))
		}

		mcpSrv := NewMCPServer(MCPDeps{Ops: deps.Ops, Postings: deps.Postings, Research: deps.Research})
		r.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"elapsed", time.Since(start).Round(time.Millisecond),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
