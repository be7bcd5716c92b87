package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

type monitorConfigRequest struct {
	Interval            string        `json:"interval"`
	Limits              limitsRequest `json:"limits"`
	CycleTimeout        string        `json:"cycle_timeout"`
	MaxRetries          int           `json:"max_retries"`
	NotificationTargets []string      `json:"notification_targets"`
}

func (req monitorConfigRequest) toConfig() (crawler.MonitorConfig, error) {
	interval, err := parseDuration("interval", req.Interval)
	if err != nil {
		return crawler.MonitorConfig{}, err
	}
	limits, err := req.Limits.toLimits()
	if err != nil {
		return crawler.MonitorConfig{}, err
	}
	timeout, err := parseDuration("cycle_timeout", req.CycleTimeout)
	if err != nil {
		return crawler.MonitorConfig{}, err
	}
	return crawler.MonitorConfig{
		Interval:            interval,
		Limits:              limits,
		CycleTimeout:        timeout,
		MaxRetries:          req.MaxRetries,
		NotificationTargets: req.NotificationTargets,
	}, nil
}

type createMonitorRequest struct {
	TargetID string `json:"target_id"`
	Owner    string `json:"owner"`
	monitorConfigRequest
}

type updateMonitorRequest struct {
	Status *string               `json:"status"`
	Config *monitorConfigRequest `json:"config"`
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req createMonitorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	m, err := s.monitors.Create(r.Context(), req.TargetID, req.Owner, cfg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := s.monitors.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := crawler.MonitorFilter{
		Status: crawler.MonitorStatus(q.Get("status")),
		Owner:  q.Get("owner"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be active, paused or stopped")
		return
	}
	monitors, err := s.monitors.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors})
}

func (s *Server) handleUpdateMonitor(w http.ResponseWriter, r *http.Request) {
	var req updateMonitorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var patch crawler.MonitorPatch
	if req.Status != nil {
		status := crawler.MonitorStatus(*req.Status)
		patch.Status = &status
	}
	if req.Config != nil {
		cfg, err := req.Config.toConfig()
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		patch.Config = &cfg
	}
	if patch.Status == nil && patch.Config == nil {
		writeError(w, http.StatusBadRequest, "status or config required")
		return
	}
	m, err := s.monitors.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRunMonitor(w http.ResponseWriter, r *http.Request) {
	res, err := s.monitors.RunCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMonitorResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	results, err := s.monitors.Results(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleBulkMonitors(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	if _, ok := crawler.BulkAction(req.Action).TargetStatus(); !ok {
		writeError(w, http.StatusBadRequest, "action must be pause, resume or stop")
		return
	}
	writeJSON(w, http.StatusOK, s.monitors.BulkAction(r.Context(), req.IDs, crawler.BulkAction(req.Action)))
}

func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.monitors.Health(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
