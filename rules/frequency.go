package rules

import (
	"context"
	"sync"
	"time"
)

// Occurrence is one customer event, recorded for frequency conditions.
type Occurrence struct {
	EventID    string
	TenantID   string
	CustomerID string
	EventType  EventType
	OccurredAt time.Time
}

// FrequencyCounter tracks how often customers produce each event type.
type FrequencyCounter interface {
	// Record stores o. Recording the same EventID twice is a no-op.
	Record(ctx context.Context, o Occurrence) error

	// Count returns the customer's occurrences of eventType at or after since.
	// A zero since counts all time.
	Count(ctx context.Context, tenantID, customerID string, eventType EventType, since time.Time) (int64, error)
}

// windowStart returns the lower bound for a window of days ending at now.
func windowStart(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}

// InMemoryFrequencyCounter implements FrequencyCounter in memory.
type InMemoryFrequencyCounter struct {
	byCustomer map[string][]Occurrence
	seen       map[string]bool
	mu         sync.RWMutex
}

func NewInMemoryFrequencyCounter() *InMemoryFrequencyCounter {
	return &InMemoryFrequencyCounter{
		byCustomer: make(map[string][]Occurrence),
		seen:       make(map[string]bool),
	}
}

func (c *InMemoryFrequencyCounter) Record(ctx context.Context, o Occurrence) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.EventID != "" {
		if c.seen[o.EventID] {
			return nil
		}
		c.seen[o.EventID] = true
	}
	key := o.TenantID + "/" + o.CustomerID
	c.byCustomer[key] = append(c.byCustomer[key], o)
	return nil
}

func (c *InMemoryFrequencyCounter) Count(ctx context.Context, tenantID, customerID string, eventType EventType, since time.Time) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for _, o := range c.byCustomer[tenantID+"/"+customerID] {
		if o.EventType == eventType && !o.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}
