// Package server exposes the platform over HTTP: health probes, metrics,
// ingestion, retrieval queries, report lookup and decision rollback.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/decision"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// retryAfterSeconds is the advisory backoff sent with 503 responses.
const retryAfterSeconds = 5

// Server is the HTTP surface. Construct with New, then Serve.
type Server struct {
	store     store.Store
	kvPing    func(ctx context.Context) error
	manager   *vectorindex.Manager
	pipeline  *rag.Pipeline
	retriever *rag.Retriever
	engine    *decision.Engine
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       config.ServerConfig

	http *http.Server
}

// New assembles the router. kvPing may be nil when no cache is configured.
func New(s store.Store, kvPing func(ctx context.Context) error, manager *vectorindex.Manager, pipeline *rag.Pipeline, retriever *rag.Retriever, engine *decision.Engine, m *metrics.Metrics, log *slog.Logger, cfg config.ServerConfig) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:     s,
		kvPing:    kvPing,
		manager:   manager,
		pipeline:  pipeline,
		retriever: retriever,
		engine:    engine,
		metrics:   m,
		log:       log,
		cfg:       cfg,
	}
	srv.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

// Router builds the chi mux. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/ingest", s.handleIngest)
		r.Get("/ingest/{jobID}", s.handleJobStatus)
		r.Post("/rag/query", s.handleQuery)
		r.Get("/reports/daily", s.handleDailyReport)
		r.Post("/decisions/{decisionID}/rollback", s.handleRollback)
	})
	return r
}

// Serve runs the listener until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("http server listening", "addr", s.http.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 200 only when the store answers, the cache answers
// (when configured), and the retrieval alias resolves to a ready index.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}
	if s.kvPing != nil {
		if err := s.kvPing(ctx); err != nil {
			checks["cache"] = err.Error()
			healthy = false
		} else {
			checks["cache"] = "ok"
		}
	}
	if s.manager != nil {
		if _, err := s.manager.Current(); err != nil {
			checks["index"] = "no ready index"
			healthy = false
		} else {
			checks["index"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

type ingestRequest struct {
	SourceURI string `json:"source_uri"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Invalid("Ingest", "http", err))
		return
	}
	jobID, err := s.pipeline.Ingest(r.Context(), req.SourceURI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pipeline.JobStatus(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type queryRequest struct {
	Query   string      `json:"query"`
	K       int         `json:"k,omitempty"`
	Filters rag.Filters `json:"filters,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Invalid("Query", "http", err))
		return
	}
	if req.Query == "" {
		s.writeError(w, faults.Invalid("Query", "http", errors.New("query is required")))
		return
	}
	hits, err := s.retriever.Retrieve(r.Context(), req.Query, req.Filters, req.K)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []rag.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	date := r.URL.Query().Get("date")
	if userID == "" {
		s.writeError(w, faults.Invalid("GetReport", "http", errors.New("user_id is required")))
		return
	}
	if date == "" {
		date = ln.ReportDate(time.Now())
	}
	report, err := s.store.GetReport(r.Context(), userID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	decisionID := chi.URLParam(r, "decisionID")
	if err := s.engine.Rollback(r.Context(), decisionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"decision_id": decisionID,
		"status":      string(ln.StatusRolledBack),
	})
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := faults.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= 500 {
		s.log.Error("request failed", "kind", kind.String(), "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:      kind.String(),
		Message:   err.Error(),
		Retriable: faults.Retriable(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
