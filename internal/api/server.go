// Package api exposes the HTTP interface for the search service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
	"github.com/JakeFAU/selfsearch/internal/metrics"
	"github.com/JakeFAU/selfsearch/internal/search"
)

// Response messages returned by the crawl routes.
const (
	MsgDocumentAdded   = "Document added successfully"
	MsgDocumentExists  = "Document already exists"
	MsgDocumentDeleted = "Document deleted successfully."
	msgSearchFailed    = "Failed to process search query."
	msgStoreFailed     = "Failed to store document."
)

// Searcher answers search queries.
type Searcher interface {
	Search(ctx context.Context, rawQuery string) (search.Outcome, error)
}

// Indexer rebuilds or removes the index rows of a stored document.
type Indexer interface {
	Index(ctx context.Context, docID int64) error
	Remove(ctx context.Context, docID int64) error
}

// Deps are the collaborators behind the routes. Indexer and Ready are
// optional.
type Deps struct {
	Store    crawler.DocumentStore
	Frontier crawler.Enqueuer
	Searcher Searcher
	Hasher   crawler.Hasher
	Indexer  Indexer
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Options configures middleware.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the store, frontier, and orchestrator.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))
	if opts.AuthEnabled {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/crawl", func(r chi.Router) {
		r.Post("/store-document", s.storeDocument)
		r.Get("/search", s.search)
		r.Delete("/documents/{id}", s.deleteDocument)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type storeDocumentRequest struct {
	URL        string   `json:"url"`
	Content    string   `json:"content"`
	CrawlDepth *int     `json:"crawlDepth"`
	IPAddress  string   `json:"ipAddress"`
	Links      []string `json:"links"`
}

type documentResponse struct {
	Message  string           `json:"message"`
	Document crawler.Document `json:"document"`
}

func (req storeDocumentRequest) validate() error {
	switch {
	case !crawler.IsHTTPURL(req.URL):
		return fmt.Errorf("%w: url must be an absolute http(s) URL", crawler.ErrValidation)
	case strings.TrimSpace(req.Content) == "":
		return fmt.Errorf("%w: content must not be empty", crawler.ErrValidation)
	case req.CrawlDepth == nil || *req.CrawlDepth < 0:
		return fmt.Errorf("%w: crawlDepth must be a number >= 0", crawler.ErrValidation)
	case net.ParseIP(req.IPAddress) == nil:
		return fmt.Errorf("%w: ipAddress must be a valid IP address", crawler.ErrValidation)
	}
	for _, link := range req.Links {
		if !crawler.IsHTTPURL(link) {
			return fmt.Errorf("%w: link %q is not an absolute http(s) URL", crawler.ErrValidation, link)
		}
	}
	return nil
}

func (s *Server) storeDocument(w http.ResponseWriter, r *http.Request) {
	var req storeDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := s.deps.Hasher.Hash([]byte(req.Content))
	if err != nil {
		s.logger.Error("hash content failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgStoreFailed)
		return
	}
	result, err := s.deps.Store.StoreOrReject(r.Context(), crawler.NewDocument{
		URL:         req.URL,
		Content:     req.Content,
		ContentHash: hash,
		CrawlDepth:  *req.CrawlDepth,
		IPAddress:   req.IPAddress,
		Links:       req.Links,
	})
	if err != nil {
		s.logger.Error("store document failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgStoreFailed)
		return
	}
	metrics.ObserveDocumentStored(result.Created)

	if !result.Created {
		s.writeJSON(w, http.StatusOK, documentResponse{Message: MsgDocumentExists, Document: result.Document})
		return
	}
	s.scheduleIndex(r.Context(), result.Document.ID)
	s.writeJSON(w, http.StatusCreated, documentResponse{Message: MsgDocumentAdded, Document: result.Document})
}

func (s *Server) scheduleIndex(ctx context.Context, docID int64) {
	_, err := s.deps.Frontier.Enqueue(ctx, crawler.NewIndexJob(docID), crawler.EnqueueOptions{})
	if err == nil {
		return
	}
	s.logger.Warn("enqueue index job failed", zap.Int64("document_id", docID), zap.Error(err))
	if s.deps.Indexer == nil {
		return
	}
	if err := s.deps.Indexer.Index(ctx, docID); err != nil {
		s.logger.Error("inline index failed", zap.Int64("document_id", docID), zap.Error(err))
	}
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid request. 'q' must be a non-empty string.")
		return
	}

	out, err := s.deps.Searcher.Search(r.Context(), query)
	switch {
	case errors.Is(err, crawler.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("search failed", zap.String("query", query), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msgSearchFailed)
		return
	}

	if out.State == search.StateInitiated {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"message": out.Message})
		return
	}
	results := out.Results
	if results == nil {
		results = []crawler.SearchResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid request. 'id' must be a positive number.")
		return
	}
	err = s.removeDocument(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	case err != nil:
		s.logger.Error("delete document failed", zap.Int64("document_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to delete document.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": MsgDocumentDeleted})
}

// removeDocument goes through the indexer when one is wired so cached
// search results naming id are dropped too.
func (s *Server) removeDocument(ctx context.Context, id int64) error {
	if s.deps.Indexer != nil {
		return s.deps.Indexer.Remove(ctx, id)
	}
	return s.deps.Store.DeleteDocument(ctx, id)
}

type requestIDKey struct{}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
