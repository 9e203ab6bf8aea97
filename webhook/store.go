package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrDeliveryNotFound is returned for unknown delivery ids.
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// Delivery is the durable record of one webhook task.
type Delivery struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	RuleID         string     `json:"rule_id,omitempty"`
	EventID        string     `json:"event_id,omitempty"`
	URL            string     `json:"url"`
	Method         string     `json:"method"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// DeliveryStore persists deliveries and their attempts.
type DeliveryStore interface {
	// Create inserts d unless a delivery with the same id exists and reports whether it did.
	Create(ctx context.Context, d *Delivery) (bool, error)
	Get(ctx context.Context, id string) (*Delivery, error)
	// Complete records the attempts made and the final status.
	Complete(ctx context.Context, id, status string, attempts []Attempt) error
	Attempts(ctx context.Context, id string) ([]Attempt, error)
	List(ctx context.Context, tenantID string, limit int) ([]*Delivery, error)
}

// InMemoryDeliveryStore is a DeliveryStore for tests and single-process runs.
type InMemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
	attempts   map[string][]Attempt
}

// NewInMemoryDeliveryStore creates an empty store.
func NewInMemoryDeliveryStore() *InMemoryDeliveryStore {
	return &InMemoryDeliveryStore{
		deliveries: make(map[string]*Delivery),
		attempts:   make(map[string][]Attempt),
	}
}

func (s *InMemoryDeliveryStore) Create(ctx context.Context, d *Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return false, nil
	}
	copied := *d
	s.deliveries[d.ID] = &copied
	return true, nil
}

func (s *InMemoryDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *InMemoryDeliveryStore) Complete(ctx context.Context, id, status string, attempts []Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrDeliveryNotFound
	}

	offset := len(s.attempts[id])
	for _, a := range attempts {
		a.Number += offset
		s.attempts[id] = append(s.attempts[id], a)
	}
	d.Status = status
	d.Attempts = len(s.attempts[id])
	if n := len(attempts); n > 0 {
		d.LastStatusCode = attempts[n-1].StatusCode
		d.LastError = attempts[n-1].Error
	}
	now := time.Now().UTC()
	d.CompletedAt = &now
	return nil
}

func (s *InMemoryDeliveryStore) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.deliveries[id]; !ok {
		return nil, ErrDeliveryNotFound
	}
	return append([]Attempt(nil), s.attempts[id]...), nil
}

func (s *InMemoryDeliveryStore) List(ctx context.Context, tenantID string, limit int) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != tenantID {
			continue
		}
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
