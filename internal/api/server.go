package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// TaskService is the slice of the task manager the API exposes.
type TaskService interface {
	Create(ctx context.Context, targets []string, cfg crawler.TaskConfig, priority int) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context, id string) (crawler.TaskView, error)
	List(ctx context.Context, filter crawler.TaskFilter) ([]crawler.TaskView, error)
}

// MonitorService is the slice of the scheduler the API exposes.
type MonitorService interface {
	Create(ctx context.Context, targetID, owner string, cfg crawler.MonitorConfig) (crawler.Monitor, error)
	Get(ctx context.Context, id string) (crawler.Monitor, error)
	List(ctx context.Context, filter crawler.MonitorFilter) ([]crawler.Monitor, error)
	Update(ctx context.Context, id string, patch crawler.MonitorPatch) (crawler.Monitor, error)
	RunCycle(ctx context.Context, id string) (crawler.CrawlResult, error)
	Results(ctx context.Context, id string, limit int) ([]crawler.CrawlResult, error)
	BulkAction(ctx context.Context, ids []string, action crawler.BulkAction) crawler.BulkResult
	Health(ctx context.Context) (crawler.HealthView, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tunes the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Pingers are checked by /readyz, keyed by a name reported on failure.
	Pingers map[string]Pinger
}

// Server hosts the REST API.
type Server struct {
	router   chi.Router
	tasks    TaskService
	monitors MonitorService
	opts     Options
	logger   *zap.Logger
}

// NewServer builds the router.
func NewServer(tasks TaskService, monitors MonitorService, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		router:   chi.NewRouter(),
		tasks:    tasks,
		monitors: monitors,
		opts:     opts,
		logger:   logger,
	}
	s.routes()
	return s
}

// Handler exposes the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.opts.AuthEnabled {
			r.Use(apiKeyMiddleware(s.opts.APIKey))
		}
		r.Use(timeoutMiddleware(s.opts.RequestTimeout))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/start", s.handleStartTask)
			r.Post("/{id}/stop", s.handleStopTask)
		})
		r.Route("/monitors", func(r chi.Router) {
			r.Post("/", s.handleCreateMonitor)
			r.Get("/", s.handleListMonitors)
			r.Post("/bulk", s.handleBulkMonitors)
			r.Get("/health", s.handleMonitorHealth)
			r.Get("/{id}", s.handleGetMonitor)
			r.Patch("/{id}", s.handleUpdateMonitor)
			r.Post("/{id}/run", s.handleRunMonitor)
			r.Get("/{id}/results", s.handleMonitorResults)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, p := range s.opts.Pingers {
		if err := p.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps engine errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case crawler.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, crawler.ErrInvalidTransition), errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return crawler.NewValidationError("", "invalid JSON body: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
