package main

import (
	"time"

	"github.com/liamcoop/loyaltyrules/rules"
)

// API request and response models

// CreateRuleRequest represents the request body for creating a rule
type CreateRuleRequest struct {
	rules.Definition
	Author string `json:"author,omitempty" example:"admin@example.com"`
}

// UpdateRuleRequest represents the request body for replacing a rule's definition
type UpdateRuleRequest struct {
	rules.Definition
	Author      string `json:"author,omitempty" example:"admin@example.com"`
	ChangeNotes string `json:"change_notes,omitempty" example:"Raise threshold to 150"`
}

// TestRuleRequest represents a dry run of a definition against a sample payload
type TestRuleRequest struct {
	Rule      rules.Definition `json:"rule"`
	EventType rules.EventType  `json:"event_type,omitempty" example:"order_paid"`
	Payload   map[string]any   `json:"payload"`
}

// TestRuleResponse is the result of a dry run
type TestRuleResponse struct {
	Validation rules.ValidationResult `json:"validation"`
	Result     *rules.ExecutionResult `json:"result,omitempty"`
}

// ProcessEventRequest runs an event synchronously through a tenant's rules
type ProcessEventRequest struct {
	EventID    string          `json:"event_id,omitempty"`
	EventType  rules.EventType `json:"event_type" example:"order_paid"`
	CustomerID string          `json:"customer_id,omitempty" example:"cust-42"`
	Payload    map[string]any  `json:"payload"`
}

// ProcessEventResponse lists each rule's result for the processed event
type ProcessEventResponse struct {
	EventID        string                   `json:"event_id"`
	RulesEvaluated int                      `json:"rules_evaluated"`
	RulesExecuted  int                      `json:"rules_executed"`
	Results        []*rules.ExecutionResult `json:"results"`
	ProcessingTime string                   `json:"processing_time"`
}

// PublishEventResponse acknowledges an event accepted into the log
type PublishEventResponse struct {
	EventID   string    `json:"event_id"`
	Status    string    `json:"status" example:"accepted"`
	Timestamp time.Time `json:"timestamp"`
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// VersionsListResponse lists a rule's versions, newest first
type VersionsListResponse struct {
	Versions []*rules.RuleVersion `json:"versions"`
}

// ExecutionsListResponse lists audit records, newest first
type ExecutionsListResponse struct {
	Executions []*rules.RuleExecution `json:"executions"`
}

// TenantsListResponse lists tenants with a loaded engine
type TenantsListResponse struct {
	Tenants []string `json:"tenants"`
}

// ErrorResponse represents an error in API responses
type ErrorResponse struct {
	Error    string   `json:"error" example:"rule not found"`
	Details  string   `json:"details,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status" example:"healthy"`
	Checks        map[string]string `json:"checks"`
	TenantsLoaded int               `json:"tenants_loaded"`
}
