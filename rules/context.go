package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventContext is what conditions are evaluated against.
type EventContext struct {
	TenantID   string
	EventID    string
	EventType  EventType
	CustomerID string
	OccurredAt time.Time
	Payload    map[string]any

	// FrequencyCounts holds pre-computed occurrence counts keyed by frequencyKey.
	FrequencyCounts map[string]int64
}

// NewEventContext builds a context for payload with the current time.
func NewEventContext(eventType EventType, payload map[string]any) *EventContext {
	if payload == nil {
		payload = map[string]any{}
	}
	return &EventContext{
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
		CustomerID: customerIDFromPayload(payload),
	}
}

// Lookup resolves a dotted path ("order.line_items.0.quantity") in the payload.
// It returns nil when any segment is missing.
func (ec *EventContext) Lookup(path string) any {
	if ec == nil {
		return nil
	}
	return lookupPath(ec.Payload, path)
}

func lookupPath(root any, path string) any {
	if path == "" {
		return root
	}
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

func lookupMap(root any, path string) (map[string]any, bool) {
	m, ok := lookupPath(root, path).(map[string]any)
	return m, ok
}

func lookupList(root any, path string) ([]any, bool) {
	l, ok := lookupPath(root, path).([]any)
	return l, ok
}

// customerIDFromPayload returns customer.id or customer_id when present.
func customerIDFromPayload(payload map[string]any) string {
	for _, path := range []string{"customer.id", "customer_id"} {
		if v := lookupPath(payload, path); v != nil {
			return stringify(v)
		}
	}
	return ""
}

func frequencyKey(eventType EventType, windowDays int) string {
	return fmt.Sprintf("%s/%d", eventType, windowDays)
}
