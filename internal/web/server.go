// Package web serves the JSON API and live event stream over pipeline
// instances.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lucasnoah/handoff/internal/events"
	"github.com/lucasnoah/handoff/internal/logging"
	"github.com/lucasnoah/handoff/internal/orchestrator"
	"github.com/lucasnoah/handoff/internal/pipeline"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   *pipeline.Store
	bus     *events.Bus
	metrics http.Handler
	logger  *zap.Logger
	addr    string

	// heartbeat is the idle interval between SSE keep-alive comments.
	heartbeat time.Duration
	srv       *http.Server
}

// NewServer creates a Server. metrics may be nil to disable /metrics.
func NewServer(orch *orchestrator.Orchestrator, bus *events.Bus, metrics http.Handler, logger *zap.Logger, addr string) *Server {
	return &Server{
		orch:      orch,
		store:     orch.Store(),
		bus:       bus,
		metrics:   metrics,
		logger:    logging.OrNop(logger),
		addr:      addr,
		heartbeat: 15 * time.Second,
	}
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/catalog", s.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/pipelines", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/pipelines", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/pipelines/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/pipelines/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}/outputs", s.handleOutputs).Methods(http.MethodPost)
	api.HandleFunc("/pipelines/{id}/{action:pause|resume|cancel|rollback|accept}", s.handleControl).Methods(http.MethodPost)
	r.Use(s.logRequests)
	return r
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.logger.Info("handoff API listening", zap.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
