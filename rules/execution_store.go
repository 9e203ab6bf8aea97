package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExecutionFilter narrows audit queries. Zero fields match everything.
type ExecutionFilter struct {
	RuleID     string
	CustomerID string
	EventType  EventType
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f ExecutionFilter) matches(e *RuleExecution) bool {
	if f.RuleID != "" && e.RuleID != f.RuleID {
		return false
	}
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.ExecutedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.ExecutedAt.Before(f.Until) {
		return false
	}
	return true
}

// ExecutionStats aggregates audit records.
type ExecutionStats struct {
	Total          int64   `json:"total_executions"`
	ConditionsMet  int64   `json:"conditions_met"`
	Successes      int64   `json:"successful_executions"`
	Failures       int64   `json:"failed_executions"`
	AvgExecutionMs float64 `json:"avg_execution_time_ms"`
	MaxExecutionMs float64 `json:"max_execution_time_ms"`
}

// ConditionsMetRate is the share of executions whose conditions matched.
func (s ExecutionStats) ConditionsMetRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ConditionsMet) / float64(s.Total)
}

// SuccessRate is the share of executions that completed without error.
func (s ExecutionStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Total)
}

// RuleCount is a rule with its matched-execution count.
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int64  `json:"count"`
}

// ExecutionStore is the append-only audit log of rule executions.
type ExecutionStore interface {
	// Record inserts exec unless a record for (EventID, RuleID) exists.
	// inserted reports whether a new row was written.
	Record(ctx context.Context, exec *RuleExecution) (inserted bool, err error)

	// List returns the tenant's executions, newest first.
	List(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*RuleExecution, error)

	// Stats aggregates executions. An empty tenantID spans all tenants.
	Stats(ctx context.Context, tenantID string, filter ExecutionFilter) (*ExecutionStats, error)

	// TopRules returns the rules with the most matched executions since the given time.
	TopRules(ctx context.Context, tenantID string, since time.Time, limit int) ([]RuleCount, error)
}

// InMemoryExecutionStore implements ExecutionStore in memory.
type InMemoryExecutionStore struct {
	executions []*RuleExecution
	keys       map[string]bool
	mu         sync.RWMutex
}

func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{keys: make(map[string]bool)}
}

func (s *InMemoryExecutionStore) Record(ctx context.Context, exec *RuleExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := exec.EventID + "/" + exec.RuleID
	if s.keys[key] {
		return false, nil
	}
	s.keys[key] = true
	c := *exec
	s.executions = append(s.executions, &c)
	return true, nil
}

func (s *InMemoryExecutionStore) List(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*RuleExecution, error) {
	s.mu.RLock()
	var out []*RuleExecution
	for _, e := range s.executions {
		if e.TenantID == tenantID && filter.matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return paginate(out, filter.Limit, 0), nil
}

func (s *InMemoryExecutionStore) Stats(ctx context.Context, tenantID string, filter ExecutionFilter) (*ExecutionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ExecutionStats{}
	var totalMs float64
	for _, e := range s.executions {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if !filter.matches(e) {
			continue
		}
		stats.Total++
		if e.ConditionsMet {
			stats.ConditionsMet++
		}
		if e.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		totalMs += e.ExecutionTimeMs
		if e.ExecutionTimeMs > stats.MaxExecutionMs {
			stats.MaxExecutionMs = e.ExecutionTimeMs
		}
	}
	if stats.Total > 0 {
		stats.AvgExecutionMs = totalMs / float64(stats.Total)
	}
	return stats, nil
}

func (s *InMemoryExecutionStore) TopRules(ctx context.Context, tenantID string, since time.Time, limit int) ([]RuleCount, error) {
	s.mu.RLock()
	counts := make(map[string]int64)
	for _, e := range s.executions {
		if e.TenantID != tenantID || !e.ConditionsMet || e.ExecutedAt.Before(since) {
			continue
		}
		counts[e.RuleID]++
	}
	s.mu.RUnlock()

	out := make([]RuleCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, RuleCount{RuleID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	return paginate(out, limit, 0), nil
}
