package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleFilter narrows List results. Zero fields match everything.
type RuleFilter struct {
	Status    Status
	EventType EventType
	Limit     int
	Offset    int
}

// RuleStore manages rule and rule-version persistence. Every method is
// scoped by tenant.
type RuleStore interface {
	// Create stores a new rule together with its first version.
	Create(ctx context.Context, rule *Rule, version *RuleVersion) error

	Get(ctx context.Context, tenantID, id string) (*Rule, error)

	List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, error)

	// ListActive returns active rules for eventType ordered by
	// (priority, created_at, id) ascending.
	ListActive(ctx context.Context, tenantID string, eventType EventType) ([]*Rule, error)

	// Update replaces the rule's definition and appends version, provided the
	// stored version still equals expectedVersion. Otherwise ErrVersionConflict.
	Update(ctx context.Context, rule *Rule, expectedVersion int, version *RuleVersion) error

	// SetStatus moves the rule from one status to another. If the stored
	// status is no longer from, ErrVersionConflict is returned.
	SetStatus(ctx context.Context, tenantID, id string, from, to Status) error

	// RecordExecution increments the execution counter and stamps last-executed.
	RecordExecution(ctx context.Context, tenantID, id string, at time.Time) error

	ListVersions(ctx context.Context, tenantID, ruleID string) ([]*RuleVersion, error)

	// ListTenants returns every tenant that owns at least one rule.
	ListTenants(ctx context.Context) ([]string, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: rule with ID %s", ErrRuleNotFound, id)
}

func sortByPrecedence(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// InMemoryRuleStore implements RuleStore using in-memory maps.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules    map[string]*Rule // tenantID/id -> rule
	versions map[string][]*RuleVersion
	mu       sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:    make(map[string]*Rule),
		versions: make(map[string][]*RuleVersion),
	}
}

func ruleKey(tenantID, id string) string { return tenantID + "/" + id }

func (s *InMemoryRuleStore) Create(ctx context.Context, rule *Rule, version *RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleKey(rule.TenantID, rule.ID)
	if _, exists := s.rules[key]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}
	s.rules[key] = rule.clone()
	if version != nil {
		v := *version
		s.versions[key] = append(s.versions[key], &v)
	}
	return nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[ruleKey(tenantID, id)]
	if !exists {
		return nil, notFound(id)
	}
	return rule.clone(), nil
}

func (s *InMemoryRuleStore) List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, error) {
	s.mu.RLock()
	var out []*Rule
	for _, rule := range s.rules {
		if rule.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && rule.EventType != filter.EventType {
			continue
		}
		out = append(out, rule.clone())
	}
	s.mu.RUnlock()

	sortByPrecedence(out)
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *InMemoryRuleStore) ListActive(ctx context.Context, tenantID string, eventType EventType) ([]*Rule, error) {
	return s.List(ctx, tenantID, RuleFilter{Status: StatusActive, EventType: eventType})
}

func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule, expectedVersion int, version *RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleKey(rule.TenantID, rule.ID)
	existing, exists := s.rules[key]
	if !exists {
		return notFound(rule.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: rule %s is at version %d, expected %d", ErrVersionConflict, rule.ID, existing.Version, expectedVersion)
	}

	updated := rule.clone()
	updated.CreatedAt = existing.CreatedAt
	updated.CreatedBy = existing.CreatedBy
	updated.Status = existing.Status
	updated.ExecutionCount = existing.ExecutionCount
	updated.LastExecutedAt = existing.LastExecutedAt
	s.rules[key] = updated
	if version != nil {
		v := *version
		s.versions[key] = append(s.versions[key], &v)
	}
	return nil
}

func (s *InMemoryRuleStore) SetStatus(ctx context.Context, tenantID, id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleKey(tenantID, id)]
	if !exists {
		return notFound(id)
	}
	if rule.Status != from {
		return fmt.Errorf("%w: rule %s is %s, expected %s", ErrVersionConflict, id, rule.Status, from)
	}
	rule.Status = to
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryRuleStore) RecordExecution(ctx context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleKey(tenantID, id)]
	if !exists {
		return notFound(id)
	}
	rule.ExecutionCount++
	t := at
	rule.LastExecutedAt = &t
	return nil
}

func (s *InMemoryRuleStore) ListVersions(ctx context.Context, tenantID, ruleID string) ([]*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := ruleKey(tenantID, ruleID)
	if _, exists := s.rules[key]; !exists {
		return nil, notFound(ruleID)
	}
	out := make([]*RuleVersion, 0, len(s.versions[key]))
	for _, v := range s.versions[key] {
		c := *v
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemoryRuleStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]bool)
	for _, rule := range s.rules {
		seen[rule.TenantID] = true
	}
	s.mu.RUnlock()

	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}
