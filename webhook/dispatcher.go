package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/queue"
	"github.com/liamcoop/loyaltyrules/rules"
)

// Observer receives one call per finished delivery.
type Observer interface {
	ObserveWebhook(status string, duration time.Duration)
}

// Dispatcher turns webhook actions into queued delivery tasks and executes them.
type Dispatcher struct {
	queue    queue.Queue
	client   *Client
	store    DeliveryStore
	observer Observer
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(q queue.Queue, client *Client, store DeliveryStore, observer Observer) *Dispatcher {
	return &Dispatcher{queue: q, client: client, store: store, observer: observer}
}

// deliveryNamespace derives stable delivery ids from effect idempotency keys.
var deliveryNamespace = uuid.MustParse("5b1f2c1e-6f0d-4b8e-9a55-3f1e8c2d7a40")

// DeliveryID returns the delivery id for an effect key; redeliveries of an
// event produce the same id.
func DeliveryID(key string) string {
	if key == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(deliveryNamespace, []byte(key)).String()
}

// EnqueueWebhook records a pending delivery and schedules it. A delivery that
// is still pending is scheduled again, so redelivered events recover tasks
// lost between the two steps. It implements rules.WebhookEnqueuer.
func (d *Dispatcher) EnqueueWebhook(ctx context.Context, req rules.WebhookRequest) (string, error) {
	id := DeliveryID(req.Key)
	created, err := d.store.Create(ctx, &Delivery{
		ID:        id,
		TenantID:  req.TenantID,
		RuleID:    req.RuleID,
		EventID:   req.EventID,
		URL:       req.URL,
		Method:    req.Method,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if !created {
		existing, err := d.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if existing.Status != StatusPending {
			logger.Debug("webhook already completed", "delivery_id", id, "status", existing.Status, "event_id", req.EventID)
			return id, nil
		}
		// A pending record may have lost its task; enqueueing is idempotent by task id.
	}

	task, err := queue.NewTask(queue.KindWebhookDelivery, req)
	if err != nil {
		return "", err
	}
	task.ID = id
	if err := d.queue.Enqueue(ctx, task, 0); err != nil {
		return "", fmt.Errorf("failed to enqueue webhook %s: %w", id, err)
	}
	return id, nil
}

// Handle delivers a queued webhook task. Deliveries already completed are
// skipped. A delivery that runs out of attempts is recorded as failed and
// not retried by the pool.
func (d *Dispatcher) Handle(ctx context.Context, task *queue.Task) error {
	var req rules.WebhookRequest
	if err := task.Decode(&req); err != nil {
		return backoff.Permanent(err)
	}

	existing, err := d.store.Get(ctx, task.ID)
	switch {
	case errors.Is(err, ErrDeliveryNotFound):
		if _, err := d.store.Create(ctx, &Delivery{
			ID: task.ID, TenantID: req.TenantID, RuleID: req.RuleID, EventID: req.EventID,
			URL: req.URL, Method: req.Method, Status: StatusPending, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	case err != nil:
		return err
	case existing.Status != StatusPending:
		logger.Debug("skipping completed webhook", "delivery_id", task.ID, "status", existing.Status)
		return nil
	}

	start := time.Now()
	result := d.client.Deliver(ctx, Request{
		ID:      task.ID,
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Payload: req.Payload,
	})

	status := StatusDelivered
	if !result.Delivered {
		status = StatusFailed
	}
	if err := d.store.Complete(ctx, task.ID, status, result.Attempts); err != nil {
		return fmt.Errorf("failed to record webhook %s: %w", task.ID, err)
	}
	if d.observer != nil {
		d.observer.ObserveWebhook(status, time.Since(start))
	}

	if !result.Delivered {
		logger.ErrorWebhookFailed("webhook delivery failed",
			"delivery_id", task.ID, "tenant_id", req.TenantID, "rule_id", req.RuleID,
			"url", req.URL, "attempts", len(result.Attempts), "error", result.Err)
		return backoff.Permanent(fmt.Errorf("webhook %s failed after %d attempts: %w", task.ID, len(result.Attempts), result.Err))
	}
	logger.Info("webhook delivered",
		"delivery_id", task.ID, "tenant_id", req.TenantID, "status_code", result.StatusCode, "attempts", len(result.Attempts))
	return nil
}
