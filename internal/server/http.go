package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/knoguchi/ragengine/internal/auth"
	"github.com/knoguchi/ragengine/internal/ingestion"
	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/metrics"
	"github.com/knoguchi/ragengine/internal/repository"
	"github.com/knoguchi/ragengine/internal/service"
)

// maxBodyBytes bounds request bodies; ingestion batches carry full documents.
const maxBodyBytes = 64 << 20

// Engine is the query surface served over HTTP. service.Engine satisfies it.
type Engine interface {
	Search(ctx context.Context, query string, k int) (service.SearchResponse, error)
	SearchDocuments(ctx context.Context, query string, maxChunks, topDocs int) (service.DocumentSearchResponse, error)
	Ask(ctx context.Context, req service.AskRequest) (service.AskResponse, error)
	AskIterative(ctx context.Context, req service.AskRequest) (service.IterativeResponse, error)
	Research(ctx context.Context, query string) (service.ResearchResponse, error)
}

// Ingester accepts document batches. service.IngestService satisfies it.
type Ingester interface {
	Submit(ctx context.Context, docs []ingestion.Document) (*repository.IngestJob, error)
	Status(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error)
}

// StatsSource reports index counts.
type StatsSource interface {
	Stats(ctx context.Context) (repository.Stats, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Engine   = (*service.Engine)(nil)
	_ Ingester = (*service.IngestService)(nil)
)

// HTTPServer serves the JSON API.
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	engine   Engine
	ingest   Ingester
	stats    StatsSource
	ready    Pinger
	metrics  *metrics.Metrics
	defaults QueryDefaults
	logger   *slog.Logger
}

// QueryDefaults fill the expansion switches a request leaves out.
type QueryDefaults struct {
	MultiQuery bool
	HyDE       bool
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins

	Engine   Engine
	Ingest   Ingester
	Stats    StatsSource
	Ready    Pinger
	Metrics  *metrics.Metrics
	Auth     *auth.Authenticator
	Defaults QueryDefaults
}

// NewHTTPServer creates the HTTP server and mounts every route.
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Engine == nil {
		return nil, errors.New("HTTP server requires an engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	authn := cfg.Auth
	if authn == nil {
		authn = auth.NewAuthenticator(nil, "")
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &HTTPServer{
		router:   router,
		engine:   cfg.Engine,
		ingest:   cfg.Ingest,
		stats:    cfg.Stats,
		ready:    cfg.Ready,
		metrics:  m,
		defaults: cfg.Defaults,
		logger:   logger.With("component", "http"),
	}

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", s.readinessCheckHandler())
	router.Handle("/metrics", m.Handler())

	router.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Get("/stats", s.handleStats)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/search", s.handleSearch)
			r.Post("/ask", s.handleAsk)
			r.Post("/ask-iterative", s.handleAskIterative)
			r.Post("/research", s.handleResearch)

			r.Route("/ingest/jobs", func(r chi.Router) {
				r.Use(authn.RequireAdmin)
				r.Post("/", s.handleSubmitIngest)
				r.Get("/{id}", s.handleIngestStatus)
			})
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // iterative answers run several generation calls
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

type searchRequest struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	DocumentLevel bool   `json:"document_level"`
	MaxChunks     int    `json:"max_chunks"`
}

type researchRequest struct {
	Query string `json:"query"`
}

type ingestRequest struct {
	Documents []ingestion.Document `json:"documents"`
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DocumentLevel {
		observe(s, "search_documents", func() (any, service.Status, error) {
			resp, err := s.engine.SearchDocuments(r.Context(), req.Query, req.MaxChunks, req.TopK)
			return resp, resp.Status, err
		}, w)
		return
	}
	observe(s, "search", func() (any, service.Status, error) {
		resp, err := s.engine.Search(r.Context(), req.Query, req.TopK)
		return resp, resp.Status, err
	}, w)
}

func (s *HTTPServer) handleAsk(w http.ResponseWriter, r *http.Request) {
	req := service.AskRequest{MultiQuery: s.defaults.MultiQuery, HyDE: s.defaults.HyDE}
	if !s.decode(w, r, &req) {
		return
	}
	observe(s, "ask", func() (any, service.Status, error) {
		resp, err := s.engine.Ask(r.Context(), req)
		return resp, resp.Status, err
	}, w)
}

func (s *HTTPServer) handleAskIterative(w http.ResponseWriter, r *http.Request) {
	req := service.AskRequest{MultiQuery: s.defaults.MultiQuery, HyDE: s.defaults.HyDE}
	if !s.decode(w, r, &req) {
		return
	}
	observe(s, "ask_iterative", func() (any, service.Status, error) {
		resp, err := s.engine.AskIterative(r.Context(), req)
		if err == nil {
			s.metrics.ObserveIterative(resp.TotalIterations, resp.FinalConfidence)
		}
		return resp, resp.Status, err
	}, w)
}

func (s *HTTPServer) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if !s.decode(w, r, &req) {
		return
	}
	observe(s, "research", func() (any, service.Status, error) {
		resp, err := s.engine.Research(r.Context(), req.Query)
		return resp, resp.Status, err
	}, w)
}

func (s *HTTPServer) handleSubmitIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, r, fmt.Errorf("ingestion disabled: %w", jobs.ErrQueueClosed))
		return
	}
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.ingest.Submit(r.Context(), req.Documents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/ingest/jobs/"+job.ID.String())
	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, r, jobs.ErrJobNotFound)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed job id", service.ErrInvalidRequest))
		return
	}
	job, err := s.ingest.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, repository.Stats{})
		return
	}
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// observe runs one query endpoint, records its metrics and writes the result.
func observe(s *HTTPServer, endpoint string, fn func() (any, service.Status, error), w http.ResponseWriter) {
	start := time.Now()
	resp, st, err := fn()
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case st.Degraded():
		outcome = metrics.OutcomeDegraded
		s.metrics.ObserveDegradations(st.Kinds())
	}
	s.metrics.ObserveRequest(endpoint, outcome, time.Since(start))

	if err != nil {
		s.writeErrorCode(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorCode(w, r.URL.Path, err)
}

func (s *HTTPServer) writeErrorCode(w http.ResponseWriter, where string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "endpoint", where, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusCode maps service errors onto HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once the database answers a ping.
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.ready.Ping(ctx); err != nil {
				s.logger.Warn("not ready", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
