// Package api exposes the orchestration facade over HTTP. The routes
// mirror the facade one-to-one; no orchestration logic lives here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
)

// Orchestrator is the facade surface the HTTP layer consumes.
type Orchestrator interface {
	Enqueue(ctx context.Context, req models.SubmitRequest) (*models.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	Metrics(ctx context.Context) (models.JobMetrics, error)
	Health() models.ServiceHealth
	SystemInfo(ctx context.Context) models.ResourceSnapshot
	OptimizePreview(ctx context.Context, modelSizeBytes, datasetSizeBytes uint64, base models.TrainingConfig) models.OptimizedConfig
	EstimateTrainingTime(datasetSizeBytes uint64, cfg models.TrainingConfig) optimizer.TimeEstimate
	ModelRecords(ctx context.Context, limit int) ([]*models.ModelRecord, error)
}

// Server provides the HTTP API over the orchestration facade.
type Server struct {
	logger hclog.Logger
	facade Orchestrator
	server *http.Server
	router *mux.Router
}

// NewServer creates the API server. Call Start to begin serving.
func NewServer(cfg config.ServerConfig, facade Orchestrator, logger hclog.Logger) *Server {
	s := &Server{
		logger: logger.Named("api"),
		facade: facade,
		router: mux.NewRouter(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		ErrorLog:     s.logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}
	return s
}

// registerRoutes sets up the HTTP routes
func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware, s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReadiness).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleServiceHealth).Methods(http.MethodGet)
	api.HandleFunc("/system", s.handleSystemInfo).Methods(http.MethodGet)
	api.HandleFunc("/optimize", s.handleOptimize).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)
}

// Handler returns the configured router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown is called. It blocks; run it in a
// goroutine. A closed server returns nil rather than ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully, waiting for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs one line per request with status and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in handler",
					"panic", err,
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
