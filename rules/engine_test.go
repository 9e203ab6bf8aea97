package rules

import (
	"context"
	"sync"
	"testing"
	"time"
)

type engineFixture struct {
	store      *InMemoryRuleStore
	executions *InMemoryExecutionStore
	frequency  *InMemoryFrequencyCounter
	ledger     *recordingLedger
	engine     *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:      NewInMemoryRuleStore(),
		executions: NewInMemoryExecutionStore(),
		frequency:  NewInMemoryFrequencyCounter(),
		ledger:     &recordingLedger{},
	}
	engine, err := NewEngine("shop-1", EngineConfig{
		Store:      f.store,
		Executions: f.executions,
		Frequency:  f.frequency,
		Executor:   NewExecutor(ExecutorDeps{Ledger: f.ledger}),
		Cache:      NewInMemoryRulesCache(CacheConfig{TTL: 0}),
	})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	f.engine = engine
	return f
}

var ruleEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func (f *engineFixture) addRule(t *testing.T, id string, priority int, status Status, cond Condition, actions ...Action) *Rule {
	t.Helper()
	rule := &Rule{
		ID:         id,
		TenantID:   "shop-1",
		Name:       "rule " + id,
		EventType:  EventOrderPaid,
		Status:     status,
		Priority:   priority,
		Conditions: Tree(cond),
		Actions:    actions,
		Version:    1,
		CreatedAt:  ruleEpoch,
		UpdatedAt:  ruleEpoch,
	}
	if err := f.store.Create(context.Background(), rule, snapshot(rule, id+"-v1", "test", "Initial version", ruleEpoch)); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return rule
}

// TestNewEngineRequiresStore verifies the constructor rejects a missing store
func TestNewEngineRequiresStore(t *testing.T) {
	if _, err := NewEngine("shop-1", EngineConfig{}); err == nil {
		t.Error("NewEngine() without a store should fail")
	}
}

// TestProcessOrdersByPriorityCreatedAtID verifies deterministic evaluation order
func TestProcessOrdersByPriorityCreatedAtID(t *testing.T) {
	f := newEngineFixture(t)
	always := And()
	f.addRule(t, "c", 50, StatusActive, always, PointsAction{Operation: PointsAdd, Amount: 1})
	f.addRule(t, "b", 10, StatusActive, always, PointsAction{Operation: PointsAdd, Amount: 1})
	f.addRule(t, "a", 50, StatusActive, always, PointsAction{Operation: PointsAdd, Amount: 1})

	results, err := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(10.0))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	want := []string{"b", "a", "c"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].RuleID != id {
			t.Errorf("results[%d] = %s, want %s", i, results[i].RuleID, id)
		}
	}
}

// TestProcessOnlyActiveRulesOfEventType verifies drafts, paused, archived and other event types are skipped
func TestProcessOnlyActiveRulesOfEventType(t *testing.T) {
	f := newEngineFixture(t)
	always := And()
	f.addRule(t, "active", 1, StatusActive, always, PointsAction{Operation: PointsAdd, Amount: 1})
	f.addRule(t, "draft", 1, StatusDraft, always, PointsAction{Operation: PointsAdd, Amount: 1})
	f.addRule(t, "paused", 1, StatusPaused, always, PointsAction{Operation: PointsAdd, Amount: 1})
	f.addRule(t, "archived", 1, StatusArchived, always, PointsAction{Operation: PointsAdd, Amount: 1})

	results, err := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(10.0))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(results) != 1 || results[0].RuleID != "active" {
		t.Errorf("results = %+v, want only the active rule", results)
	}

	results, err = f.engine.ProcessEvent(context.Background(), EventBirthday, orderPayload(10.0))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("birthday event matched %d rules, want 0", len(results))
	}
}

// TestProcessFailingRuleDoesNotStopOthers verifies isolation between rules
func TestProcessFailingRuleDoesNotStopOthers(t *testing.T) {
	f := newEngineFixture(t)
	always := And()
	f.addRule(t, "first", 1, StatusActive, always, UnknownAction{Type: "launch_rocket"})
	f.addRule(t, "second", 2, StatusActive, always, PointsAction{Operation: PointsAdd, Amount: 5})

	results, err := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(10.0))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Success || results[0].Error == "" {
		t.Errorf("first result = %+v, want failure", results[0])
	}
	if !results[1].Success || !results[1].ConditionsMet {
		t.Errorf("second result = %+v, want success", results[1])
	}
	if len(f.ledger.points) != 1 {
		t.Errorf("points applied = %d, want 1", len(f.ledger.points))
	}
}

// TestProcessRecordsSuccessfulActionPrefix verifies a mid-rule failure keeps the
// executed prefix and later rules still run
func TestProcessRecordsSuccessfulActionPrefix(t *testing.T) {
	f := newEngineFixture(t)
	f.ledger.failOn = ActionTag
	always := And()
	f.addRule(t, "first", 1, StatusActive, always,
		PointsAction{Operation: PointsAdd, Amount: 10},
		TagAction{Operation: TagAdd, Tags: []string{"vip"}},
		BadgeAction{BadgeName: "never"},
	)
	f.addRule(t, "second", 2, StatusActive, always, BadgeAction{BadgeName: "loyal"})

	inv := Invocation{EventID: "evt-prefix", EventType: EventOrderPaid, Payload: orderPayload(10.0)}
	results, err := f.engine.Process(context.Background(), inv)
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	first := results[0]
	if first.Success || first.Error == "" {
		t.Errorf("first result = %+v, want failure", first)
	}
	if len(first.ActionsExecuted) != 1 || first.ActionsExecuted[0].Type != ActionPoints {
		t.Errorf("first actions = %+v, want only the points action", first.ActionsExecuted)
	}
	if first.FailedAction == nil || first.FailedAction.Type != ActionTag {
		t.Errorf("first failed action = %+v, want tag", first.FailedAction)
	}
	if !results[1].Success || len(results[1].ActionsExecuted) != 1 {
		t.Errorf("second result = %+v, want success", results[1])
	}

	execs, _ := f.executions.List(context.Background(), "shop-1", ExecutionFilter{RuleID: "first"})
	if len(execs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(execs))
	}
	if len(execs[0].ActionsExecuted) != 1 || execs[0].Success {
		t.Errorf("audit record = %+v, want one action and failure", execs[0])
	}
	second, _ := f.executions.List(context.Background(), "shop-1", ExecutionFilter{RuleID: "second"})
	if len(second) != 1 || !second[0].Success {
		t.Errorf("second audit = %+v, want one successful record", second)
	}
	if len(f.ledger.badges) != 1 || f.ledger.badges[0].BadgeName != "loyal" {
		t.Errorf("badges = %+v, want only the second rule's badge", f.ledger.badges)
	}
}

// TestProcessUnmatchedRuleIsSuccessfulWithoutActions verifies non-matching rules are still recorded
func TestProcessUnmatchedRuleIsSuccessfulWithoutActions(t *testing.T) {
	f := newEngineFixture(t)
	f.addRule(t, "big", 1, StatusActive, OrderTotalCondition{Operator: OpGreaterThan, Value: 1000}, PointsAction{Operation: PointsAdd, Amount: 5})

	results, err := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(10.0))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	r := results[0]
	if r.ConditionsMet || !r.Success || len(r.ActionsExecuted) != 0 {
		t.Errorf("result = %+v, want unmatched success with no actions", r)
	}

	rule, _ := f.store.Get(context.Background(), "shop-1", "big")
	if rule.ExecutionCount != 0 {
		t.Errorf("ExecutionCount = %d, want 0 for unmatched rule", rule.ExecutionCount)
	}
	execs, _ := f.executions.List(context.Background(), "shop-1", ExecutionFilter{})
	if len(execs) != 1 {
		t.Errorf("audit records = %d, want 1", len(execs))
	}
}

// TestProcessRedeliveryIsIdempotent verifies the same event id is audited and counted once
func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.addRule(t, "r", 1, StatusActive, And(), PointsAction{Operation: PointsAdd, Amount: 5})

	inv := Invocation{EventID: "evt-42", EventType: EventOrderPaid, Payload: orderPayload(10.0)}
	for i := 0; i < 3; i++ {
		if _, err := f.engine.Process(context.Background(), inv); err != nil {
			t.Fatalf("Process() failed: %v", err)
		}
	}

	execs, _ := f.executions.List(context.Background(), "shop-1", ExecutionFilter{RuleID: "r"})
	if len(execs) != 1 {
		t.Errorf("audit records = %d, want 1", len(execs))
	}
	rule, _ := f.store.Get(context.Background(), "shop-1", "r")
	if rule.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", rule.ExecutionCount)
	}
	if rule.LastExecutedAt == nil {
		t.Error("LastExecutedAt should be set")
	}
	// effects carry the same key on every delivery so collaborators can dedupe
	for _, p := range f.ledger.points {
		if p.Key != "evt-42:r:0" {
			t.Errorf("idempotency key = %q, want evt-42:r:0", p.Key)
		}
	}
}

// TestProcessOrderTotalWithFrequency verifies a first-time big order matches and a repeat does not
func TestProcessOrderTotalWithFrequency(t *testing.T) {
	f := newEngineFixture(t)
	cond := And(
		OrderTotalCondition{Operator: OpGreaterThan, Value: 100},
		FrequencyCondition{EventType: EventOrderPaid, Operator: OpEquals, Value: 1, TimeWindowDays: 30},
	)
	f.addRule(t, "first-big-order", 1, StatusActive, cond, PointsAction{Operation: PointsAdd, Amount: 500})

	now := time.Now().UTC()
	first, err := f.engine.Process(context.Background(), Invocation{EventID: "e1", EventType: EventOrderPaid, Payload: orderPayload("150.00"), OccurredAt: now})
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if !first[0].ConditionsMet {
		t.Error("first order over 100 should match")
	}

	second, err := f.engine.Process(context.Background(), Invocation{EventID: "e2", EventType: EventOrderPaid, Payload: orderPayload("150.00"), OccurredAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if second[0].ConditionsMet {
		t.Error("second order should not match a first-order rule")
	}
	if len(f.ledger.points) != 1 || f.ledger.points[0].Amount != 500 {
		t.Errorf("points = %+v, want a single 500 award", f.ledger.points)
	}
}

// TestProcessUsesCache verifies rule changes are only seen after invalidation
func TestProcessUsesCache(t *testing.T) {
	f := newEngineFixture(t)
	f.addRule(t, "one", 1, StatusActive, And(), PointsAction{Operation: PointsAdd, Amount: 1})

	if results, _ := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(1.0)); len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	f.addRule(t, "two", 2, StatusActive, And(), PointsAction{Operation: PointsAdd, Amount: 1})
	if results, _ := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(1.0)); len(results) != 1 {
		t.Errorf("cached engine saw %d rules, want 1", len(results))
	}

	f.engine.Invalidate()
	if results, _ := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(1.0)); len(results) != 2 {
		t.Errorf("after Invalidate() got %d rules, want 2", len(results))
	}
}

type countingObserver struct {
	mu      sync.Mutex
	results []*ExecutionResult
}

func (o *countingObserver) ObserveRule(tenantID string, eventType EventType, result *ExecutionResult) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}

// TestProcessNotifiesObserver verifies each rule result reaches the observer
func TestProcessNotifiesObserver(t *testing.T) {
	store := NewInMemoryRuleStore()
	obs := &countingObserver{}
	engine, err := NewEngine("shop-1", EngineConfig{Store: store, Observer: obs})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	rule := &Rule{ID: "r", TenantID: "shop-1", Name: "r", EventType: EventOrderPaid, Status: StatusActive, Priority: 1, Conditions: Tree(And())}
	if err := store.Create(context.Background(), rule, nil); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err := engine.ProcessEvent(context.Background(), EventOrderPaid, nil); err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(obs.results) != 1 {
		t.Errorf("observer saw %d results, want 1", len(obs.results))
	}
}

// TestProcessConcurrentEvents verifies concurrent processing is safe
func TestProcessConcurrentEvents(t *testing.T) {
	f := newEngineFixture(t)
	f.addRule(t, "r", 1, StatusActive, OrderTotalCondition{Operator: OpGreaterThan, Value: 5}, PointsAction{Operation: PointsAdd, Amount: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.ProcessEvent(context.Background(), EventOrderPaid, orderPayload(10.0)); err != nil {
				t.Errorf("ProcessEvent() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rule, _ := f.store.Get(context.Background(), "shop-1", "r")
	if rule.ExecutionCount != 50 {
		t.Errorf("ExecutionCount = %d, want 50", rule.ExecutionCount)
	}
}

// TestEngineTestIsSideEffectFree verifies dry runs neither persist nor call collaborators
func TestEngineTestIsSideEffectFree(t *testing.T) {
	f := newEngineFixture(t)
	rule := &Rule{
		ID:         "draft",
		TenantID:   "shop-1",
		Name:       "draft",
		EventType:  EventOrderPaid,
		Conditions: Tree(FrequencyCondition{EventType: EventOrderPaid, Operator: OpEquals, Value: 1}),
		Actions:    ActionList{PointsAction{Operation: PointsAdd, Amount: 5}},
	}

	result := f.engine.Test(context.Background(), rule, Invocation{EventType: EventOrderPaid, Payload: orderPayload(10.0)})
	if !result.ConditionsMet || !result.Success {
		t.Errorf("result = %+v, want matched success", result)
	}
	if len(f.ledger.points) != 0 {
		t.Error("dry run should not touch the ledger")
	}
	if execs, _ := f.executions.List(context.Background(), "shop-1", ExecutionFilter{}); len(execs) != 0 {
		t.Errorf("dry run recorded %d executions", len(execs))
	}
	if n, _ := f.frequency.Count(context.Background(), "shop-1", "cust-1", EventOrderPaid, time.Time{}); n != 0 {
		t.Errorf("dry run recorded %d occurrences", n)
	}
}
