package rules

import (
	"context"
	"errors"
	"testing"
)

func validDefinition() Definition {
	return Definition{
		Name:       "Big order bonus",
		EventType:  EventOrderPaid,
		Conditions: Tree(OrderTotalCondition{Operator: OpGreaterThan, Value: 100}),
		Actions:    ActionList{PointsAction{Operation: PointsAdd, Amount: 50}},
	}
}

func newTestManager(t *testing.T) (*Manager, *[]string) {
	t.Helper()
	var invalidated []string
	m, err := NewManager(ManagerConfig{
		Store:       NewInMemoryRuleStore(),
		Executions:  NewInMemoryExecutionStore(),
		Frequency:   NewInMemoryFrequencyCounter(),
		Invalidator: InvalidatorFunc(func(tenantID string) { invalidated = append(invalidated, tenantID) }),
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m, &invalidated
}

// TestManagerCreate verifies new rules start as drafts at version 1 with default priority
func TestManagerCreate(t *testing.T) {
	m, invalidated := newTestManager(t)
	ctx := context.Background()

	rule, err := m.Create(ctx, "shop-1", validDefinition(), "alice")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if rule.Status != StatusDraft || rule.Version != 1 || rule.Priority != DefaultPriority {
		t.Errorf("Create() = status %s version %d priority %d", rule.Status, rule.Version, rule.Priority)
	}
	if rule.CreatedBy != "alice" || rule.ID == "" {
		t.Errorf("Create() = %+v", rule)
	}

	versions, err := m.Versions(ctx, "shop-1", rule.ID)
	if err != nil {
		t.Fatalf("Versions() failed: %v", err)
	}
	if len(versions) != 1 || versions[0].ChangeNotes != "Initial version" {
		t.Errorf("Versions() = %+v", versions)
	}
	if len(*invalidated) != 1 || (*invalidated)[0] != "shop-1" {
		t.Errorf("invalidated = %v, want [shop-1]", *invalidated)
	}
}

// TestManagerCreateRejectsInvalid verifies validation errors block persistence
func TestManagerCreateRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	def := validDefinition()
	def.Name = ""
	def.Actions = nil

	_, err := m.Create(context.Background(), "shop-1", def, "alice")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create() error = %v, want *ValidationError", err)
	}
	if len(verr.Messages()) != 2 {
		t.Errorf("Messages() = %v, want 2 errors", verr.Messages())
	}
	rules, _ := m.List(context.Background(), "shop-1", RuleFilter{})
	if len(rules) != 0 {
		t.Errorf("invalid rule was persisted")
	}
}

// TestManagerUpdateBumpsVersion verifies updates keep history
func TestManagerUpdateBumpsVersion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rule, _ := m.Create(ctx, "shop-1", validDefinition(), "alice")

	def := validDefinition()
	def.Name = "Bigger order bonus"
	updated, err := m.Update(ctx, "shop-1", rule.ID, def, "bob", "")
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Version != 2 || updated.Name != "Bigger order bonus" || updated.UpdatedBy != "bob" {
		t.Errorf("Update() = %+v", updated)
	}

	versions, _ := m.Versions(ctx, "shop-1", rule.ID)
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
	if versions[0].Name != "Big order bonus" || versions[1].ChangeNotes != "Updated rule" {
		t.Errorf("versions = %+v", versions)
	}
}

// TestManagerLifecycle verifies allowed and rejected status transitions
func TestManagerLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rule, _ := m.Create(ctx, "shop-1", validDefinition(), "alice")

	if _, err := m.Deactivate(ctx, "shop-1", rule.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Deactivate() on draft error = %v, want ErrInvalidTransition", err)
	}

	steps := []struct {
		name string
		op   func(context.Context, string, string) (*Rule, error)
		want Status
	}{
		{"activate draft", m.Activate, StatusActive},
		{"activate active is a no-op", m.Activate, StatusActive},
		{"deactivate", m.Deactivate, StatusPaused},
		{"reactivate", m.Activate, StatusActive},
		{"archive", m.Archive, StatusArchived},
		{"archive again is a no-op", m.Archive, StatusArchived},
	}
	for _, step := range steps {
		got, err := step.op(ctx, "shop-1", rule.ID)
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got.Status != step.want {
			t.Errorf("%s: status = %s, want %s", step.name, got.Status, step.want)
		}
	}

	if _, err := m.Activate(ctx, "shop-1", rule.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Activate() on archived error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Update(ctx, "shop-1", rule.ID, validDefinition(), "bob", ""); !errors.Is(err, ErrRuleArchived) {
		t.Errorf("Update() on archived error = %v, want ErrRuleArchived", err)
	}

	// archived rules keep their history
	if versions, _ := m.Versions(ctx, "shop-1", rule.ID); len(versions) != 1 {
		t.Errorf("archived rule has %d versions, want 1", len(versions))
	}
	if _, err := m.Get(ctx, "shop-1", rule.ID); err != nil {
		t.Errorf("archived rule should still be retrievable: %v", err)
	}
}

// TestManagerNotFound verifies lookups of unknown rules
func TestManagerNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Get(ctx, "shop-1", "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() error = %v, want ErrRuleNotFound", err)
	}
	if _, err := m.Activate(ctx, "shop-1", "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Activate() error = %v, want ErrRuleNotFound", err)
	}
}

// TestManagerTest verifies dry runs validate first and persist nothing
func TestManagerTest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	result, validation, err := m.Test(ctx, "shop-1", validDefinition(), "", orderPayload(150.0))
	if err != nil {
		t.Fatalf("Test() failed: %v", err)
	}
	if !validation.Valid {
		t.Errorf("validation = %+v", validation)
	}
	if !result.ConditionsMet || !result.Success || len(result.ActionsExecuted) != 1 {
		t.Errorf("result = %+v", result)
	}
	if rules, _ := m.List(ctx, "shop-1", RuleFilter{}); len(rules) != 0 {
		t.Error("Test() should not persist the rule")
	}
	if execs, _ := m.Executions(ctx, "shop-1", ExecutionFilter{}); len(execs) != 0 {
		t.Error("Test() should not record executions")
	}

	bad := validDefinition()
	bad.EventType = "order_refunded"
	_, validation, err = m.Test(ctx, "shop-1", bad, "", nil)
	if err == nil || validation.Valid {
		t.Error("Test() with an invalid definition should fail validation")
	}
}
