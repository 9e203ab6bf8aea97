package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// Invocation is one event to run through a tenant's rules.
type Invocation struct {
	EventID    string
	EventType  EventType
	CustomerID string
	Payload    map[string]any
	OccurredAt time.Time
}

// Observer is notified of every rule result. Implementations must be fast
// and safe for concurrent use.
type Observer interface {
	ObserveRule(tenantID string, eventType EventType, result *ExecutionResult)
}

// EngineConfig wires an Engine's collaborators. Store is required; the rest
// default to in-process implementations (Executions and Frequency may stay nil).
type EngineConfig struct {
	Store      RuleStore
	Executions ExecutionStore
	Evaluator  *Evaluator
	Executor   *Executor
	Frequency  FrequencyCounter
	Cache      RulesCache
	Observer   Observer
}

// Engine evaluates one tenant's active rules against incoming events.
// Safe for concurrent use.
type Engine struct {
	tenantID   string
	store      RuleStore
	executions ExecutionStore
	evaluator  *Evaluator
	executor   *Executor
	frequency  FrequencyCounter
	cache      RulesCache
	observer   Observer
	now        func() time.Time
}

// NewEngine creates a rules engine for tenantID.
func NewEngine(tenantID string, cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	en := &Engine{
		tenantID:   tenantID,
		store:      cfg.Store,
		executions: cfg.Executions,
		evaluator:  cfg.Evaluator,
		executor:   cfg.Executor,
		frequency:  cfg.Frequency,
		cache:      cfg.Cache,
		observer:   cfg.Observer,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if en.evaluator == nil {
		en.evaluator = NewEvaluator()
	}
	if en.executor == nil {
		en.executor = NewExecutor(ExecutorDeps{})
	}
	if en.cache == nil {
		en.cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	return en, nil
}

// TenantID returns the tenant this engine serves.
func (en *Engine) TenantID() string { return en.tenantID }

// Invalidate drops cached rule sets so the next event reloads from the store.
func (en *Engine) Invalidate() { en.cache.Invalidate() }

// activeRules returns the ordered active rules for eventType.
// Uses cache to avoid a store query on every event.
func (en *Engine) activeRules(ctx context.Context, eventType EventType) ([]*Rule, error) {
	if rules := en.cache.Get(eventType); rules != nil {
		return rules, nil
	}
	rules, err := en.store.ListActive(ctx, en.tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}
	if rules == nil {
		rules = []*Rule{}
	}
	en.cache.Set(eventType, rules)
	return rules, nil
}

// ProcessEvent runs payload through the active rules for eventType, assigning
// a fresh event id and the current time.
func (en *Engine) ProcessEvent(ctx context.Context, eventType EventType, payload map[string]any) ([]*ExecutionResult, error) {
	return en.Process(ctx, Invocation{EventType: eventType, Payload: payload})
}

// Process evaluates every active rule for the invocation's event type in
// (priority, created_at, id) order. A failing rule is recorded and does not
// stop later rules; only failure to load rules is returned as an error.
func (en *Engine) Process(ctx context.Context, inv Invocation) ([]*ExecutionResult, error) {
	ec := en.newContext(inv)

	rules, err := en.activeRules(ctx, ec.EventType)
	if err != nil {
		return nil, err
	}

	if en.frequency != nil && ec.CustomerID != "" {
		if err := en.frequency.Record(ctx, Occurrence{
			EventID:    ec.EventID,
			TenantID:   en.tenantID,
			CustomerID: ec.CustomerID,
			EventType:  ec.EventType,
			OccurredAt: ec.OccurredAt,
		}); err != nil {
			logger.Warn("failed to record event occurrence", "tenant_id", en.tenantID, "event_id", ec.EventID, "error", err)
		}
	}
	en.loadFrequencies(ctx, ec, rules, 0)

	results := make([]*ExecutionResult, 0, len(rules))
	for _, rule := range rules {
		result := en.runRule(ctx, rule, ec, false)
		results = append(results, result)
		en.persist(ctx, rule, ec, result)
		if en.observer != nil {
			en.observer.ObserveRule(en.tenantID, ec.EventType, result)
		}
	}

	logger.Debug("event processed",
		"tenant_id", en.tenantID,
		"event_id", ec.EventID,
		"event_type", string(ec.EventType),
		"rules_evaluated", len(results))
	return results, nil
}

// Test evaluates rule against inv without side effects: actions run in dry-run
// mode and nothing is persisted. The invocation itself counts toward
// frequency conditions on its own event type.
func (en *Engine) Test(ctx context.Context, rule *Rule, inv Invocation) *ExecutionResult {
	ec := en.newContext(inv)
	en.loadFrequencies(ctx, ec, []*Rule{rule}, 1)
	return en.runRule(ctx, rule, ec, true)
}

func (en *Engine) newContext(inv Invocation) *EventContext {
	ec := NewEventContext(inv.EventType, inv.Payload)
	ec.TenantID = en.tenantID
	ec.EventID = inv.EventID
	if ec.EventID == "" {
		ec.EventID = uuid.New().String()
	}
	if !inv.OccurredAt.IsZero() {
		ec.OccurredAt = inv.OccurredAt.UTC()
	}
	if inv.CustomerID != "" {
		ec.CustomerID = inv.CustomerID
	}
	return ec
}

// loadFrequencies pre-computes the counts frequency conditions need. extra is
// added to counts of the invocation's own event type. Lookup failures leave
// the count absent, which makes the condition fall back to the payload.
func (en *Engine) loadFrequencies(ctx context.Context, ec *EventContext, rules []*Rule, extra int64) {
	if en.frequency == nil || ec.CustomerID == "" {
		return
	}
	ec.FrequencyCounts = make(map[string]int64)
	for _, rule := range rules {
		for _, req := range FrequencyRequirements(rule.Conditions.Root) {
			key := frequencyKey(req.EventType, req.TimeWindowDays)
			if _, done := ec.FrequencyCounts[key]; done {
				continue
			}
			n, err := en.frequency.Count(ctx, en.tenantID, ec.CustomerID, req.EventType, windowStart(ec.OccurredAt, req.TimeWindowDays))
			if err != nil {
				logger.Warn("failed to count event occurrences", "tenant_id", en.tenantID, "event_type", string(req.EventType), "error", err)
				continue
			}
			if req.EventType == ec.EventType {
				n += extra
			}
			ec.FrequencyCounts[key] = n
		}
	}
}

func (en *Engine) runRule(ctx context.Context, rule *Rule, ec *EventContext, dryRun bool) (result *ExecutionResult) {
	start := time.Now()
	result = &ExecutionResult{RuleID: rule.ID, RuleName: rule.Name, ActionsExecuted: []ActionOutcome{}}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("rule panicked: %v", r)
		}
		result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	result.ConditionsMet = en.evaluator.Evaluate(rule.Conditions.Root, ec)
	if !result.ConditionsMet {
		result.Success = true
		return result
	}

	outcomes, err := en.executor.Execute(ctx, rule, ec, dryRun)
	result.ActionsExecuted = outcomes
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		var actionErr *ActionError
		if errors.As(err, &actionErr) {
			failed := actionErr.Outcome
			result.FailedAction = &failed
		}
		logger.Warn("rule actions failed",
			"tenant_id", en.tenantID,
			"rule_id", rule.ID,
			"event_id", ec.EventID,
			"error", err)
		return result
	}
	result.Success = true
	return result
}

func (en *Engine) persist(ctx context.Context, rule *Rule, ec *EventContext, result *ExecutionResult) {
	inserted := true
	if en.executions != nil {
		var err error
		inserted, err = en.executions.Record(ctx, &RuleExecution{
			ID:              uuid.New().String(),
			RuleID:          rule.ID,
			TenantID:        en.tenantID,
			EventID:         ec.EventID,
			EventType:       ec.EventType,
			EventData:       ec.Payload,
			CustomerID:      ec.CustomerID,
			ConditionsMet:   result.ConditionsMet,
			ActionsExecuted: result.ActionsExecuted,
			ExecutionTimeMs: result.ExecutionTimeMs,
			Success:         result.Success,
			ErrorMessage:    result.Error,
			ExecutedAt:      en.now(),
		})
		if err != nil {
			logger.Error("failed to record rule execution", "tenant_id", en.tenantID, "rule_id", rule.ID, "event_id", ec.EventID, "error", err)
			return
		}
	}
	if inserted && result.ConditionsMet {
		if err := en.store.RecordExecution(ctx, en.tenantID, rule.ID, en.now()); err != nil {
			logger.Warn("failed to update rule execution count", "tenant_id", en.tenantID, "rule_id", rule.ID, "error", err)
		}
	}
}
