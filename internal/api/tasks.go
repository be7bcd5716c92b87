package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// limitsRequest is the wire form of crawler.CrawlLimits. Durations use Go syntax ("250ms").
type limitsRequest struct {
	MaxChildren      int    `json:"max_children"`
	MaxGrandchildren int    `json:"max_grandchildren"`
	PacingDelay      string `json:"pacing_delay"`
	MaxAttempts      int    `json:"max_attempts"`
}

func (l limitsRequest) toLimits() (crawler.CrawlLimits, error) {
	pacing, err := parseDuration("limits.pacing_delay", l.PacingDelay)
	if err != nil {
		return crawler.CrawlLimits{}, err
	}
	return crawler.CrawlLimits{
		MaxChildren:      l.MaxChildren,
		MaxGrandchildren: l.MaxGrandchildren,
		PacingDelay:      pacing,
		MaxAttempts:      l.MaxAttempts,
	}, nil
}

type createTaskRequest struct {
	Targets                     []string      `json:"targets"`
	Priority                    int           `json:"priority"`
	Limits                      limitsRequest `json:"limits"`
	Timeout                     string        `json:"timeout"`
	MaxRetries                  int           `json:"max_retries"`
	ConsecutiveFailureThreshold int           `json:"consecutive_failure_threshold"`
	Concurrency                 int           `json:"concurrency"`
	// Start begins execution immediately after creation.
	Start bool `json:"start"`
}

func (req createTaskRequest) toConfig() (crawler.TaskConfig, error) {
	limits, err := req.Limits.toLimits()
	if err != nil {
		return crawler.TaskConfig{}, err
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		return crawler.TaskConfig{}, err
	}
	return crawler.TaskConfig{
		Limits:                      limits,
		Timeout:                     timeout,
		MaxRetries:                  req.MaxRetries,
		ConsecutiveFailureThreshold: req.ConsecutiveFailureThreshold,
		Concurrency:                 req.Concurrency,
	}, nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id, err := s.tasks.Create(r.Context(), req.Targets, cfg, req.Priority)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Start {
		if err := s.tasks.Start(r.Context(), id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	view, err := s.tasks.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tasks.Start(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view, err := s.tasks.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := s.tasks.Stop(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "stopped": stopped})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.tasks.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	filter := crawler.TaskFilter{
		Status: crawler.TaskStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	}
	views, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, crawler.NewValidationError(field, "must be a duration such as 30s or 5m")
	}
	return d, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, crawler.NewValidationError(key, "must be a non-negative integer")
	}
	return v, nil
}
