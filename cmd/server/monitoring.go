package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) metricsAvailable(w http.ResponseWriter) bool {
	if s.deps.Metrics == nil {
		respondError(w, http.StatusServiceUnavailable, "metrics are not configured", nil)
		return false
	}
	return true
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAvailable(w) {
		return
	}
	m, err := s.deps.Metrics.System(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to collect system metrics", err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAvailable(w) {
		return
	}
	info, err := s.deps.Metrics.Stream(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read stream info", err)
		return
	}
	if info == nil {
		respondError(w, http.StatusServiceUnavailable, "event log is not configured", nil)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAvailable(w) {
		return
	}
	alerts, err := s.deps.Metrics.CheckAlerts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to evaluate alerts", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleTenantMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAvailable(w) {
		return
	}
	m, err := s.deps.Metrics.Tenant(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to collect tenant metrics", err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleRulePerformance(w http.ResponseWriter, r *http.Request) {
	if !s.metricsAvailable(w) {
		return
	}
	hours, ok := intParam(w, r, "hours", 24)
	if !ok {
		return
	}
	perf, err := s.deps.Metrics.Rule(r.Context(), chi.URLParam(r, "ruleId"), hours)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to collect rule performance", err)
		return
	}
	respondJSON(w, http.StatusOK, perf)
}
