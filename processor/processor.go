// Package processor consumes the event log, runs each event through the
// tenant's rule engine and reschedules failures through the delayed queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/queue"
)

// Outcome labels reported to an Observer.
const (
	StatusProcessed    = "processed"
	StatusRetried      = "retried"
	StatusDeadLettered = "dead_lettered"
	StatusMalformed    = "malformed"
)

// Handler processes one decoded event.
type Handler interface {
	HandleEvent(ctx context.Context, e *eventlog.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *eventlog.Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, e *eventlog.Event) error { return f(ctx, e) }

// Observer receives one call per message outcome.
type Observer interface {
	ObserveEvent(eventType, status string, duration time.Duration)
}

// Config tunes a Processor.
type Config struct {
	Group         string
	Consumer      string
	BatchSize     int
	Block         time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Group:         eventlog.DefaultGroup,
		BatchSize:     10,
		Block:         time.Second,
		ClaimInterval: time.Minute,
		ClaimMinIdle:  5 * time.Minute,
		RetryBase:     time.Second,
		RetryCap:      300 * time.Second,
	}
}

// NewConsumerName returns a unique consumer name such as "processor_1a2b3c4d".
func NewConsumerName() string {
	return "processor_" + uuid.New().String()[:8]
}

// Processor reads batches from the log and dispatches them to a Handler.
type Processor struct {
	log       eventlog.Log
	retries   queue.Queue
	handler   Handler
	observer  Observer
	cfg       Config
	lastClaim time.Time
	now       func() time.Time
}

// NewProcessor creates a processor. Zero fields in cfg take DefaultConfig values.
func NewProcessor(log eventlog.Log, retries queue.Queue, handler Handler, observer Observer, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = NewConsumerName()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = def.ClaimInterval
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = def.ClaimMinIdle
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	return &Processor{
		log:      log,
		retries:  retries,
		handler:  handler,
		observer: observer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Consumer returns the consumer name used in the group.
func (p *Processor) Consumer() string { return p.cfg.Consumer }

// Run consumes the log until ctx is cancelled. A batch already read is
// finished before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	logger.Info("event processor started", "group", p.cfg.Group, "consumer", p.cfg.Consumer)
	p.lastClaim = p.now()

	for {
		if ctx.Err() != nil {
			logger.Info("event processor stopped", "consumer", p.cfg.Consumer)
			return nil
		}

		if _, err := p.ProcessBatch(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to read event batch", "consumer", p.cfg.Consumer, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if p.now().Sub(p.lastClaim) >= p.cfg.ClaimInterval {
			p.lastClaim = p.now()
			if _, err := p.ReclaimAbandoned(ctx); err != nil {
				logger.Error("failed to reclaim abandoned events", "consumer", p.cfg.Consumer, "error", err)
			}
		}
	}
}

// ProcessBatch reads one batch, blocking up to the configured timeout, and
// processes it. It returns the number of messages handled.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := p.log.ReadBatch(ctx, p.cfg.Group, p.cfg.Consumer, p.cfg.BatchSize, p.cfg.Block)
	if err != nil {
		return 0, err
	}
	p.processAll(context.WithoutCancel(ctx), msgs)
	return len(msgs), nil
}

// ReclaimAbandoned takes over messages left pending by crashed consumers and processes them.
func (p *Processor) ReclaimAbandoned(ctx context.Context) (int, error) {
	msgs, err := p.log.ClaimAbandoned(ctx, p.cfg.Group, p.cfg.Consumer, p.cfg.ClaimMinIdle, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) > 0 {
		logger.Info("reclaimed abandoned events", "consumer", p.cfg.Consumer, "count", len(msgs))
	}
	p.processAll(context.WithoutCancel(ctx), msgs)
	return len(msgs), nil
}

func (p *Processor) processAll(ctx context.Context, msgs []eventlog.Message) {
	for _, msg := range msgs {
		p.processMessage(ctx, msg)
	}
}

func (p *Processor) processMessage(ctx context.Context, msg eventlog.Message) {
	start := p.now()

	e, err := eventlog.Decode(msg.Data)
	if err != nil {
		logger.ErrorDroppedEvent("dropping malformed event", "message_id", msg.ID, "error", err)
		p.ack(ctx, msg.ID)
		p.observe("unknown", StatusMalformed, start)
		return
	}

	err = p.handle(ctx, e)
	if err == nil {
		p.ack(ctx, msg.ID)
		p.observe(string(e.Type), StatusProcessed, start)
		return
	}

	if !e.CanRetry() {
		logger.ErrorExhaustedEvent("event exceeded max retries",
			"event_id", e.ID, "tenant_id", e.TenantID, "event_type", e.Type,
			"retry_count", e.RetryCount, "error", err)
		p.ack(ctx, msg.ID)
		p.observe(string(e.Type), StatusDeadLettered, start)
		return
	}

	if scheduleErr := p.scheduleRetry(ctx, e); scheduleErr != nil {
		// left pending; ReclaimAbandoned picks it up later
		logger.Error("failed to schedule event retry",
			"event_id", e.ID, "message_id", msg.ID, "error", scheduleErr)
		return
	}
	logger.Warn("event processing failed, retry scheduled",
		"event_id", e.ID, "tenant_id", e.TenantID, "retry_count", e.RetryCount, "error", err)
	p.ack(ctx, msg.ID)
	p.observe(string(e.Type), StatusRetried, start)
}

func (p *Processor) handle(ctx context.Context, e *eventlog.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return p.handler.HandleEvent(ctx, e)
}

// RetryDelay returns the wait before retry number n of an event.
func (p *Processor) RetryDelay(n int) time.Duration {
	return queue.Backoff(p.cfg.RetryBase, p.cfg.RetryCap, n)
}

func (p *Processor) scheduleRetry(ctx context.Context, e *eventlog.Event) error {
	retry := *e
	retry.RetryCount++
	task, err := queue.NewTask(queue.KindEventRetry, &retry)
	if err != nil {
		return err
	}
	task.ID = fmt.Sprintf("%s:retry:%d", e.ID, retry.RetryCount)
	return p.retries.Enqueue(ctx, task, p.RetryDelay(retry.RetryCount))
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.log.Acknowledge(ctx, p.cfg.Group, id); err != nil {
		logger.Error("failed to acknowledge event", "message_id", id, "error", err)
	}
}

func (p *Processor) observe(eventType, status string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveEvent(eventType, status, p.now().Sub(start))
	}
}
