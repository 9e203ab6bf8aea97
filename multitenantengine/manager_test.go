package multitenantengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/loyaltyrules/rules"
)

func newTestManager(t *testing.T) (*MultiTenantEngineManager, *rules.Manager) {
	t.Helper()
	store := rules.NewInMemoryRuleStore()
	m, err := NewMultiTenantEngineManager(rules.EngineConfig{
		Store:      store,
		Executions: rules.NewInMemoryExecutionStore(),
	}, rules.CacheConfig{TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewMultiTenantEngineManager() failed: %v", err)
	}
	ruleManager, err := rules.NewManager(rules.ManagerConfig{Store: store, Invalidator: m})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m, ruleManager
}

func createActiveRule(t *testing.T, rm *rules.Manager, tenantID string, minTotal float64) *rules.Rule {
	t.Helper()
	ctx := context.Background()
	rule, err := rm.Create(ctx, tenantID, rules.Definition{
		Name:       "Order bonus",
		EventType:  rules.EventOrderPaid,
		Conditions: rules.Tree(rules.OrderTotalCondition{Operator: rules.OpGreaterThan, Value: minTotal}),
		Actions:    rules.ActionList{rules.TagAction{Operation: rules.TagAdd, Tags: []string{"buyer"}}},
	}, "test")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if _, err := rm.Activate(ctx, tenantID, rule.ID); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	return rule
}

func orderPayload(total float64) map[string]any {
	return map[string]any{"order": map[string]any{"total_price": total}}
}

// TestNewManagerRequiresStore verifies the manager needs a rule store
func TestNewManagerRequiresStore(t *testing.T) {
	if _, err := NewMultiTenantEngineManager(rules.EngineConfig{}, rules.DefaultCacheConfig()); err == nil {
		t.Error("expected an error without a store")
	}
}

// TestLoadAllTenants verifies an engine is created for every tenant owning rules
func TestLoadAllTenants(t *testing.T) {
	m, rm := newTestManager(t)
	createActiveRule(t, rm, "alpha.myshopify.com", 10)
	createActiveRule(t, rm, "beta.myshopify.com", 10)

	if err := m.LoadAllTenants(context.Background()); err != nil {
		t.Fatalf("LoadAllTenants() failed: %v", err)
	}

	tenants := m.ListTenants()
	if len(tenants) != 2 || tenants[0] != "alpha.myshopify.com" || tenants[1] != "beta.myshopify.com" {
		t.Errorf("ListTenants() = %v", tenants)
	}
	if _, err := m.GetEngine("alpha.myshopify.com"); err != nil {
		t.Errorf("GetEngine() failed: %v", err)
	}
}

// TestProcessEventTenantIsolation verifies each tenant only sees its own rules
func TestProcessEventTenantIsolation(t *testing.T) {
	m, rm := newTestManager(t)
	alpha := createActiveRule(t, rm, "alpha", 10)
	createActiveRule(t, rm, "beta", 1000)

	results, err := m.ProcessEvent(context.Background(), "alpha", rules.EventOrderPaid, orderPayload(50))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(results) != 1 || results[0].RuleID != alpha.ID || !results[0].ConditionsMet {
		t.Errorf("alpha results = %+v", results)
	}

	results, err = m.ProcessEvent(context.Background(), "beta", rules.EventOrderPaid, orderPayload(50))
	if err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	if len(results) != 1 || results[0].ConditionsMet {
		t.Errorf("beta results = %+v, want one unmatched rule", results)
	}

	if _, err := m.ProcessEvent(context.Background(), "bad tenant", rules.EventOrderPaid, nil); err == nil {
		t.Error("invalid tenant id should be rejected")
	}
}

// TestInvalidateOnRuleChange verifies rule mutations reach an engine with a long-lived cache
func TestInvalidateOnRuleChange(t *testing.T) {
	m, rm := newTestManager(t)
	ctx := context.Background()
	createActiveRule(t, rm, "alpha", 10)

	results, _ := m.ProcessEvent(ctx, "alpha", rules.EventOrderPaid, orderPayload(50))
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	// the manager invalidates through rules.Invalidator when rules change
	second := createActiveRule(t, rm, "alpha", 10)
	results, _ = m.ProcessEvent(ctx, "alpha", rules.EventOrderPaid, orderPayload(50))
	if len(results) != 2 {
		t.Errorf("after create got %d results, want 2", len(results))
	}

	if _, err := rm.Archive(ctx, "alpha", second.ID); err != nil {
		t.Fatalf("Archive() failed: %v", err)
	}
	results, _ = m.ProcessEvent(ctx, "alpha", rules.EventOrderPaid, orderPayload(50))
	if len(results) != 1 {
		t.Errorf("after archive got %d results, want 1", len(results))
	}
}

// TestConcurrentEngineCreation verifies lazy creation yields one engine per tenant
func TestConcurrentEngineCreation(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	engines := make([]*rules.Engine, 20)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := m.Engine("alpha")
			if err != nil {
				t.Errorf("Engine() failed: %v", err)
				return
			}
			engines[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range engines[1:] {
		if e != engines[0] {
			t.Fatal("concurrent Engine() calls returned different engines")
		}
	}
}
