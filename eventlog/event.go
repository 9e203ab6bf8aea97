// Package eventlog is the durable, append-only event log consumed by the
// processors through consumer groups.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/loyaltyrules/rules"
)

// DefaultMaxRetries is the retry budget given to events published without one.
const DefaultMaxRetries = 3

// ErrMalformedEvent is returned by Decode for entries that cannot be processed.
// Such entries are acknowledged and dropped, never retried.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a business event as stored in the log.
type Event struct {
	ID            string          `json:"event_id"`
	Type          rules.EventType `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Payload       map[string]any  `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
}

// CanRetry reports whether the event still has retry budget left.
func (e *Event) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Invocation converts the event into an engine invocation.
func (e *Event) Invocation() rules.Invocation {
	return rules.Invocation{
		EventID:    e.ID,
		EventType:  e.Type,
		CustomerID: e.CustomerID,
		Payload:    e.Payload,
		OccurredAt: e.Timestamp,
	}
}

// Encode serializes the event for appending.
func Encode(e *Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses a log entry. Entries missing an id, tenant or a supported
// event type are rejected with ErrMalformedEvent. An absent max_retries gets
// DefaultMaxRetries; an explicit 0 disables retries.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var retries struct {
		MaxRetries *int `json:"max_retries"`
	}
	if err := json.Unmarshal(data, &retries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch {
	case e.ID == "":
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	case e.TenantID == "":
		return nil, fmt.Errorf("%w: missing tenant_id", ErrMalformedEvent)
	case !rules.IsSupportedEventType(string(e.Type)):
		return nil, fmt.Errorf("%w: unsupported event type %q", ErrMalformedEvent, e.Type)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	switch {
	case retries.MaxRetries == nil:
		e.MaxRetries = DefaultMaxRetries
	case e.MaxRetries < 0:
		e.MaxRetries = 0
	}
	return &e, nil
}
