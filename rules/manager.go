package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// Invalidator is told when a tenant's rule set changed.
type Invalidator interface {
	Invalidate(tenantID string)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(tenantID string)

func (f InvalidatorFunc) Invalidate(tenantID string) { f(tenantID) }

// Manager is the rule management surface: lifecycle, versioning, validation
// and dry runs. It is safe for concurrent use.
type Manager struct {
	store       RuleStore
	executions  ExecutionStore
	validator   *Validator
	evaluator   *Evaluator
	executor    *Executor
	frequency   FrequencyCounter
	invalidator Invalidator
	now         func() time.Time
}

// ManagerConfig wires a Manager. Store is required.
type ManagerConfig struct {
	Store       RuleStore
	Executions  ExecutionStore
	Validator   *Validator
	Evaluator   *Evaluator
	Executor    *Executor
	Frequency   FrequencyCounter
	Invalidator Invalidator
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	m := &Manager{
		store:       cfg.Store,
		executions:  cfg.Executions,
		validator:   cfg.Validator,
		evaluator:   cfg.Evaluator,
		executor:    cfg.Executor,
		frequency:   cfg.Frequency,
		invalidator: cfg.Invalidator,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if m.evaluator == nil {
		m.evaluator = NewEvaluator()
	}
	if m.executor == nil {
		m.executor = NewExecutor(ExecutorDeps{})
	}
	if m.validator == nil {
		m.validator = NewValidator(m.evaluator, nil)
	}
	return m, nil
}

func (m *Manager) invalidate(tenantID string) {
	if m.invalidator != nil {
		m.invalidator.Invalidate(tenantID)
	}
}

func withDefaults(def Definition) Definition {
	if def.Priority == 0 {
		def.Priority = DefaultPriority
	}
	return def
}

// Validate checks def without persisting anything.
func (m *Manager) Validate(def Definition) ValidationResult {
	return m.validator.Validate(withDefaults(def))
}

// Create validates def and stores it as a draft at version 1.
func (m *Manager) Create(ctx context.Context, tenantID string, def Definition, author string) (*Rule, error) {
	def = withDefaults(def)
	if _, err := m.validator.Check(def); err != nil {
		return nil, err
	}

	now := m.now()
	rule := &Rule{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    StatusDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: author,
		UpdatedBy: author,
	}
	rule.apply(def)

	if err := m.store.Create(ctx, rule, snapshot(rule, uuid.New().String(), author, "Initial version", now)); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	logger.Info("rule created", "tenant_id", tenantID, "rule_id", rule.ID, "event_type", string(rule.EventType))
	m.invalidate(tenantID)
	return rule, nil
}

// Update replaces the definition of ruleID, bumping its version and
// appending a version snapshot. Archived rules cannot be updated.
func (m *Manager) Update(ctx context.Context, tenantID, ruleID string, def Definition, author, notes string) (*Rule, error) {
	def = withDefaults(def)
	if _, err := m.validator.Check(def); err != nil {
		return nil, err
	}

	current, err := m.store.Get(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusArchived {
		return nil, fmt.Errorf("%w: %s", ErrRuleArchived, ruleID)
	}

	now := m.now()
	updated := current.clone()
	updated.apply(def)
	updated.Version = current.Version + 1
	updated.UpdatedAt = now
	updated.UpdatedBy = author
	if notes == "" {
		notes = "Updated rule"
	}

	if err := m.store.Update(ctx, updated, current.Version, snapshot(updated, uuid.New().String(), author, notes, now)); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	logger.Info("rule updated", "tenant_id", tenantID, "rule_id", ruleID, "version", updated.Version)
	m.invalidate(tenantID)
	return updated, nil
}

// transition moves ruleID to status to. Rules already in to are returned
// unchanged.
func (m *Manager) transition(ctx context.Context, tenantID, ruleID string, to Status, allowed ...Status) (*Rule, error) {
	rule, err := m.store.Get(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status == to {
		return rule, nil
	}
	ok := false
	for _, from := range allowed {
		if rule.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rule.Status, to)
	}
	if to == StatusActive && len(rule.Actions) == 0 {
		return nil, fmt.Errorf("%w: rule %s has no actions", ErrInvalidTransition, ruleID)
	}
	if err := m.store.SetStatus(ctx, tenantID, ruleID, rule.Status, to); err != nil {
		return nil, err
	}
	logger.Info("rule status changed", "tenant_id", tenantID, "rule_id", ruleID, "from", string(rule.Status), "to", string(to))
	rule.Status = to
	rule.UpdatedAt = m.now()
	m.invalidate(tenantID)
	return rule, nil
}

// Activate makes a draft or paused rule live.
func (m *Manager) Activate(ctx context.Context, tenantID, ruleID string) (*Rule, error) {
	return m.transition(ctx, tenantID, ruleID, StatusActive, StatusDraft, StatusPaused)
}

// Deactivate pauses an active rule.
func (m *Manager) Deactivate(ctx context.Context, tenantID, ruleID string) (*Rule, error) {
	return m.transition(ctx, tenantID, ruleID, StatusPaused, StatusActive)
}

// Archive is the delete operation. Archived rules keep their history.
func (m *Manager) Archive(ctx context.Context, tenantID, ruleID string) (*Rule, error) {
	return m.transition(ctx, tenantID, ruleID, StatusArchived, StatusDraft, StatusActive, StatusPaused)
}

func (m *Manager) Get(ctx context.Context, tenantID, ruleID string) (*Rule, error) {
	return m.store.Get(ctx, tenantID, ruleID)
}

func (m *Manager) List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, error) {
	return m.store.List(ctx, tenantID, filter)
}

func (m *Manager) Versions(ctx context.Context, tenantID, ruleID string) ([]*RuleVersion, error) {
	return m.store.ListVersions(ctx, tenantID, ruleID)
}

// Executions returns the tenant's audit records, newest first.
func (m *Manager) Executions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*RuleExecution, error) {
	if m.executions == nil {
		return nil, errors.New("execution history is not configured")
	}
	return m.executions.List(ctx, tenantID, filter)
}

// Test evaluates def against a sample payload. Nothing is persisted and
// actions run in dry-run mode. eventType defaults to the definition's.
func (m *Manager) Test(ctx context.Context, tenantID string, def Definition, eventType EventType, payload map[string]any) (*ExecutionResult, ValidationResult, error) {
	def = withDefaults(def)
	res := m.validator.Validate(def)
	if !res.Valid {
		_, err := m.validator.Check(def)
		return nil, res, err
	}
	if eventType == "" {
		eventType = def.EventType
	}

	rule := &Rule{ID: "test", TenantID: tenantID, Status: StatusDraft, Version: 1}
	rule.apply(def)

	en, err := NewEngine(tenantID, EngineConfig{
		Store:     m.store,
		Evaluator: m.evaluator,
		Executor:  m.executor,
		Frequency: m.frequency,
	})
	if err != nil {
		return nil, res, err
	}
	return en.Test(ctx, rule, Invocation{EventType: eventType, Payload: payload}), res, nil
}
