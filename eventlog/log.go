package eventlog

import (
	"context"
	"time"
)

// Default stream and group names shared by publishers and processors.
const (
	DefaultStream = "loyalty:events"
	DefaultGroup  = "loyalty_processors"
	DefaultMaxLen = 100000
)

// Message is one log entry as handed to a consumer.
type Message struct {
	ID   string
	Data []byte
}

// PendingMessage describes an entry delivered to a consumer but not yet acknowledged.
type PendingMessage struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Info summarises the log and one consumer group.
type Info struct {
	Length          int64  `json:"length"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	Consumers       int64  `json:"consumers"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// Log is an append-only log with consumer groups and at-least-once delivery.
//
// ReadBatch blocks for at most block waiting for new entries; block <= 0
// returns immediately. Consumer groups are created on first use and start at
// the beginning of the log. Acknowledging an id twice is a no-op.
type Log interface {
	Append(ctx context.Context, e *Event) (string, error)
	ReadBatch(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Message, error)
	Acknowledge(ctx context.Context, group string, ids ...string) error
	ListPending(ctx context.Context, group, consumer string, count int) ([]PendingMessage, error)
	ClaimAbandoned(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Message, error)
	Info(ctx context.Context, group string) (*Info, error)
}
