// Package queue implements the delayed work queue used for event retries and
// webhook deliveries, and the worker pool that drains it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task kinds.
const (
	KindEventRetry      = "event.retry"
	KindWebhookDelivery = "webhook.deliver"
)

// Task is a unit of deferred work. Attempt counts failed executions so far.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask creates a task with a fresh id and payload encoded as JSON.
func NewTask(kind string, payload any) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s task %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

// Queue holds tasks until their delay has elapsed.
//
// Enqueue is idempotent by task id: a task already waiting or leased is left
// untouched. Dequeue leases up to max tasks due at now, in due order; a leased
// task stays in the queue until Complete or Reschedule, and Recover returns
// tasks whose lease expired to the schedule so a crashed worker loses nothing.
type Queue interface {
	Enqueue(ctx context.Context, task *Task, delay time.Duration) error
	Dequeue(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*Task, error)
	// Complete removes a leased task for good.
	Complete(ctx context.Context, id string) error
	// Reschedule replaces a task's body and makes it due again after delay.
	Reschedule(ctx context.Context, task *Task, delay time.Duration) error
	// Recover reschedules leased tasks whose lease expired at or before now.
	Recover(ctx context.Context, now time.Time) (int, error)
	// Len returns the number of waiting tasks, leased ones excluded.
	Len(ctx context.Context) (int64, error)
}

// Backoff returns min(ceiling, base*2^n).
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= ceiling {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
