// Package metrics exposes pipeline and rule metrics to Prometheus and keeps
// short rolling windows for the monitoring API and alerts.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/rules"
	"github.com/liamcoop/loyaltyrules/webhook"
)

// Options wires the collector's data sources. All fields are optional.
type Options struct {
	Log        eventlog.Log
	Group      string
	Executions rules.ExecutionStore
	Thresholds Thresholds
}

// Collector implements rules.Observer, the processor observer and the
// webhook observer.
type Collector struct {
	eventsProcessed   *prometheus.CounterVec
	ruleExecutions    *prometheus.CounterVec
	ruleDuration      *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	webhookDuration   prometheus.Histogram
	deadLettered      *prometheus.CounterVec
	streamLength      prometheus.Gauge
	consumerLag       prometheus.Gauge
	pendingMessages   prometheus.Gauge
	activeConsumers   prometheus.Gauge

	window     *window
	log        eventlog.Log
	group      string
	executions rules.ExecutionStore
	alerts     *AlertManager
}

// NewCollector creates a collector and registers it with reg.
func NewCollector(reg prometheus.Registerer, opts Options) *Collector {
	if opts.Group == "" {
		opts.Group = eventlog.DefaultGroup
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}

	c := &Collector{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_events_processed_total",
			Help: "Events handled by processors, by event type and outcome",
		}, []string{"event_type", "status"}),
		ruleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_rule_executions_total",
			Help: "Rule evaluations, by event type and outcome",
		}, []string{"event_type", "status"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loyalty_rule_execution_duration_seconds",
			Help:    "Time spent evaluating and executing a rule",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"event_type"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_webhook_deliveries_total",
			Help: "Finished webhook deliveries, by status",
		}, []string{"status"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loyalty_webhook_delivery_duration_seconds",
			Help:    "Time from first attempt to final outcome of a webhook",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_events_dead_lettered_total",
			Help: "Events dropped after exhausting their retries",
		}, []string{"event_type"}),
		streamLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loyalty_stream_length",
			Help: "Entries in the event log",
		}),
		consumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loyalty_consumer_lag",
			Help: "Entries not yet delivered to the consumer group",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loyalty_pending_messages",
			Help: "Entries delivered but not yet acknowledged",
		}),
		activeConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loyalty_active_consumers",
			Help: "Consumers registered in the consumer group",
		}),
		window:     newWindow(24 * time.Hour),
		log:        opts.Log,
		group:      opts.Group,
		executions: opts.Executions,
	}
	c.alerts = NewAlertManager(opts.Thresholds)

	reg.MustRegister(
		c.eventsProcessed, c.ruleExecutions, c.ruleDuration, c.webhookDeliveries, c.webhookDuration,
		c.deadLettered, c.streamLength, c.consumerLag, c.pendingMessages, c.activeConsumers,
	)
	return c
}

// ObserveRule records one rule result.
func (c *Collector) ObserveRule(tenantID string, eventType rules.EventType, result *rules.ExecutionResult) {
	status := "unmatched"
	switch {
	case !result.Success:
		status = "failed"
	case result.ConditionsMet:
		status = "executed"
	}
	c.ruleExecutions.WithLabelValues(string(eventType), status).Inc()
	c.ruleDuration.WithLabelValues(string(eventType)).Observe(result.ExecutionTimeMs / 1000)

	c.window.record(func(b *bucket) {
		b.evaluations++
		b.ruleTimeMs += result.ExecutionTimeMs
		if result.ConditionsMet {
			b.matched++
		}
		if !result.Success {
			b.ruleFailures++
		}
	})
}

// ObserveEvent records one processed log message.
func (c *Collector) ObserveEvent(eventType, status string, duration time.Duration) {
	c.eventsProcessed.WithLabelValues(eventType, status).Inc()
	if status == processor.StatusDeadLettered {
		c.deadLettered.WithLabelValues(eventType).Inc()
	}
	c.window.record(func(b *bucket) {
		b.events++
		if status != processor.StatusProcessed {
			b.eventFailures++
		}
	})
}

// ObserveWebhook records one finished delivery.
func (c *Collector) ObserveWebhook(status string, duration time.Duration) {
	c.webhookDeliveries.WithLabelValues(status).Inc()
	c.webhookDuration.Observe(duration.Seconds())
	c.window.record(func(b *bucket) {
		b.webhooks++
		if status != webhook.StatusDelivered {
			b.webhookFailures++
		}
	})
}

// Stream reads the event log state and refreshes the stream gauges.
// It returns nil when no log is configured.
func (c *Collector) Stream(ctx context.Context) (*eventlog.Info, error) {
	if c.log == nil {
		return nil, nil
	}
	info, err := c.log.Info(ctx, c.group)
	if err != nil {
		return nil, err
	}
	c.streamLength.Set(float64(info.Length))
	c.consumerLag.Set(float64(info.Lag))
	c.pendingMessages.Set(float64(info.Pending))
	c.activeConsumers.Set(float64(info.Consumers))
	return info, nil
}

// RunStreamMonitor refreshes the stream gauges and checks alerts every
// interval until ctx is cancelled.
func (c *Collector) RunStreamMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CheckAlerts(ctx); err != nil {
				logger.Warn("failed to refresh stream metrics", "error", err)
			}
		}
	}
}
