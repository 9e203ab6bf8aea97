package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/rules"
)

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req processor.PublishRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	event, err := s.deps.Publisher.Publish(r.Context(), req)
	if err != nil {
		respondServiceError(w, "failed to publish event", err)
		return
	}

	respondJSON(w, http.StatusAccepted, PublishEventResponse{
		EventID:   event.ID,
		Status:    "accepted",
		Timestamp: event.Timestamp,
	})
}

func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req ProcessEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !rules.IsSupportedEventType(string(req.EventType)) {
		respondError(w, http.StatusBadRequest, "unsupported event type: "+string(req.EventType), nil)
		return
	}
	if req.EventID == "" {
		req.EventID = uuid.New().String()
	}

	start := time.Now()
	results, err := s.deps.Engines.Process(r.Context(), tenantID, rules.Invocation{
		EventID:    req.EventID,
		EventType:  req.EventType,
		CustomerID: req.CustomerID,
		Payload:    req.Payload,
		OccurredAt: start.UTC(),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event processing failed", err)
		return
	}

	executed := 0
	for _, res := range results {
		if res.ConditionsMet {
			executed++
		}
	}
	respondJSON(w, http.StatusOK, ProcessEventResponse{
		EventID:        req.EventID,
		RulesEvaluated: len(results),
		RulesExecuted:  executed,
		Results:        results,
		ProcessingTime: time.Since(start).String(),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := s.deps.Manager.Create(r.Context(), tenantID, req.Definition, req.Author)
	if err != nil {
		respondServiceError(w, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	q := r.URL.Query()

	filter := rules.RuleFilter{
		Status:    rules.Status(q.Get("status")),
		EventType: rules.EventType(q.Get("event_type")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(w, http.StatusBadRequest, "invalid status filter", nil)
		return
	}
	var ok bool
	if filter.Limit, ok = intParam(w, r, "limit", 100); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, r, "offset", 0); !ok {
		return
	}

	list, err := s.deps.Manager.List(r.Context(), tenantID, filter)
	if err != nil {
		respondServiceError(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Manager.Get(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := s.deps.Manager.Update(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"),
		req.Definition, req.Author, req.ChangeNotes)
	if err != nil {
		respondServiceError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleDeleteRule archives the rule. Its versions and executions are kept.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Manager.Archive(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId")); err != nil {
		respondServiceError(w, "failed to archive rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Manager.Activate(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "failed to activate rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Manager.Deactivate(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "failed to deactivate rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if !decodeJSON(w, r, &def) {
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Manager.Validate(def))
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, validation, err := s.deps.Manager.Test(r.Context(), chi.URLParam(r, "tenantId"), req.Rule, req.EventType, req.Payload)
	if err != nil {
		respondServiceError(w, "rule test failed", err)
		return
	}
	respondJSON(w, http.StatusOK, TestRuleResponse{Validation: validation, Result: result})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Manager.Versions(r.Context(), chi.URLParam(r, "tenantId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondServiceError(w, "failed to list versions", err)
		return
	}
	if versions == nil {
		versions = []*rules.RuleVersion{}
	}
	respondJSON(w, http.StatusOK, VersionsListResponse{Versions: versions})
}

// handleListExecutions serves both the tenant-wide and the per-rule history.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rules.ExecutionFilter{
		RuleID:     chi.URLParam(r, "ruleId"),
		CustomerID: q.Get("customer_id"),
		EventType:  rules.EventType(q.Get("event_type")),
	}
	if filter.RuleID == "" {
		filter.RuleID = q.Get("rule_id")
	}

	var ok bool
	if filter.Limit, ok = intParam(w, r, "limit", 100); !ok {
		return
	}
	if filter.Since, ok = timeParam(w, r, "since"); !ok {
		return
	}
	if filter.Until, ok = timeParam(w, r, "until"); !ok {
		return
	}

	execs, err := s.deps.Manager.Executions(r.Context(), chi.URLParam(r, "tenantId"), filter)
	if err != nil {
		respondServiceError(w, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []*rules.RuleExecution{}
	}
	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: execs})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		respondError(w, http.StatusServiceUnavailable, "webhook deliveries are not configured", nil)
		return
	}
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}

	deliveries, err := s.deps.Deliveries.List(r.Context(), chi.URLParam(r, "tenantId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list webhook deliveries", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid "+name+" parameter", err)
		return 0, false
	}
	return n, true
}

func timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name+" parameter, expected RFC3339", err)
		return time.Time{}, false
	}
	return t, true
}
