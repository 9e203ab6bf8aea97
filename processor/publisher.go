package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/multitenantengine"
	"github.com/liamcoop/loyaltyrules/rules"
)

// ErrInvalidEvent is returned by Publish for requests that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// PublishRequest describes an event submitted by a producer.
type PublishRequest struct {
	TenantID      string         `json:"tenant_id"`
	EventType     string         `json:"event_type"`
	CustomerID    string         `json:"customer_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// MaxRetries defaults to eventlog.DefaultMaxRetries when nil; 0 disables retries.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Publisher is the ingestion entry point for producers.
type Publisher struct {
	log eventlog.Log
	now func() time.Time
}

// NewPublisher creates a publisher appending to log.
func NewPublisher(log eventlog.Log) *Publisher {
	return &Publisher{log: log, now: time.Now}
}

// Publish validates req, assigns an event id and timestamp and appends it.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*eventlog.Event, error) {
	if err := multitenantengine.ValidateTenantID(req.TenantID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !rules.IsSupportedEventType(req.EventType) {
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrInvalidEvent, req.EventType)
	}
	maxRetries := eventlog.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidEvent)
		}
		maxRetries = *req.MaxRetries
	}

	e := &eventlog.Event{
		ID:            uuid.New().String(),
		Type:          rules.EventType(req.EventType),
		TenantID:      req.TenantID,
		CustomerID:    req.CustomerID,
		Payload:       req.Payload,
		Timestamp:     p.now().UTC(),
		Source:        req.Source,
		CorrelationID: req.CorrelationID,
		MaxRetries:    maxRetries,
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	id, err := p.log.Append(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	logger.Debug("event published", "event_id", e.ID, "message_id", id, "tenant_id", e.TenantID, "event_type", e.Type)
	return e, nil
}
