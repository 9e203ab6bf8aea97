package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/rules"
)

// SystemMetrics is the system-wide snapshot served by the monitoring API.
type SystemMetrics struct {
	Timestamp               time.Time        `json:"timestamp"`
	EventsProcessed1h       int64            `json:"events_processed_1h"`
	EventsProcessed24h      int64            `json:"events_processed_24h"`
	RulesEvaluated1h        int64            `json:"rules_evaluated_1h"`
	RulesExecuted1h         int64            `json:"rules_executed_1h"`
	RulesExecuted24h        int64            `json:"rules_executed_24h"`
	AverageProcessingTimeMs float64          `json:"average_processing_time_ms"`
	ErrorRate1h             float64          `json:"error_rate_1h"`
	WebhookSuccessRate1h    float64          `json:"webhook_success_rate_1h"`
	StreamLength            int64            `json:"stream_length"`
	StreamLag               int64            `json:"stream_lag"`
	PendingMessages         int64            `json:"pending_messages"`
	ActiveConsumers         int64            `json:"active_consumers"`
	LogCounters             map[string]int64 `json:"log_counters"`
}

// TenantMetrics summarises one tenant's last hour from the audit log.
type TenantMetrics struct {
	TenantID                string            `json:"tenant_id"`
	RulesEvaluated1h        int64             `json:"rules_evaluated_1h"`
	RulesExecuted1h         int64             `json:"rules_executed_1h"`
	ErrorRate1h             float64           `json:"error_rate_1h"`
	AverageProcessingTimeMs float64           `json:"average_processing_time_ms"`
	TopTriggeredRules       []rules.RuleCount `json:"top_triggered_rules"`
}

// RulePerformance summarises one rule over a period.
type RulePerformance struct {
	RuleID             string  `json:"rule_id"`
	PeriodHours        int     `json:"period_hours"`
	TotalExecutions    int64   `json:"total_executions"`
	ConditionsMetCount int64   `json:"conditions_met_count"`
	ConditionsMetRate  float64 `json:"conditions_met_rate"`
	SuccessRate        float64 `json:"success_rate"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	MaxExecutionTimeMs float64 `json:"max_execution_time_ms"`
}

// percent returns part/total*100, or 0 for an empty total.
func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// System builds a snapshot from the rolling windows and the event log.
func (c *Collector) System(ctx context.Context) (*SystemMetrics, error) {
	hour := c.window.sum(time.Hour)
	day := c.window.sum(24 * time.Hour)

	m := &SystemMetrics{
		Timestamp:          c.window.now().UTC(),
		EventsProcessed1h:  hour.events,
		EventsProcessed24h: day.events,
		RulesEvaluated1h:   hour.evaluations,
		RulesExecuted1h:    hour.matched,
		RulesExecuted24h:   day.matched,
		ErrorRate1h:        percent(hour.ruleFailures+hour.eventFailures, hour.evaluations+hour.events),
		LogCounters:        logger.Snapshot(),
	}
	if hour.evaluations > 0 {
		m.AverageProcessingTimeMs = hour.ruleTimeMs / float64(hour.evaluations)
	}
	m.WebhookSuccessRate1h = 100
	if hour.webhooks > 0 {
		m.WebhookSuccessRate1h = percent(hour.webhooks-hour.webhookFailures, hour.webhooks)
	}

	info, err := c.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	if info != nil {
		m.StreamLength = info.Length
		m.StreamLag = info.Lag
		m.PendingMessages = info.Pending
		m.ActiveConsumers = info.Consumers
	}
	return m, nil
}

// Tenant summarises tenantID from the execution store.
func (c *Collector) Tenant(ctx context.Context, tenantID string) (*TenantMetrics, error) {
	if c.executions == nil {
		return nil, fmt.Errorf("execution store not configured")
	}
	now := c.window.now()
	stats, err := c.executions.Stats(ctx, tenantID, rules.ExecutionFilter{Since: now.Add(-time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant stats: %w", err)
	}
	top, err := c.executions.TopRules(ctx, tenantID, now.Add(-24*time.Hour), 5)
	if err != nil {
		return nil, fmt.Errorf("failed to load top rules: %w", err)
	}
	if top == nil {
		top = []rules.RuleCount{}
	}
	return &TenantMetrics{
		TenantID:                tenantID,
		RulesEvaluated1h:        stats.Total,
		RulesExecuted1h:         stats.ConditionsMet,
		ErrorRate1h:             percent(stats.Failures, stats.Total),
		AverageProcessingTimeMs: stats.AvgExecutionMs,
		TopTriggeredRules:       top,
	}, nil
}

// Rule summarises ruleID over the last hours hours.
func (c *Collector) Rule(ctx context.Context, ruleID string, hours int) (*RulePerformance, error) {
	if c.executions == nil {
		return nil, fmt.Errorf("execution store not configured")
	}
	if hours <= 0 {
		hours = 24
	}
	since := c.window.now().Add(-time.Duration(hours) * time.Hour)
	stats, err := c.executions.Stats(ctx, "", rules.ExecutionFilter{RuleID: ruleID, Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load rule stats: %w", err)
	}
	return &RulePerformance{
		RuleID:             ruleID,
		PeriodHours:        hours,
		TotalExecutions:    stats.Total,
		ConditionsMetCount: stats.ConditionsMet,
		ConditionsMetRate:  stats.ConditionsMetRate() * 100,
		SuccessRate:        stats.SuccessRate() * 100,
		AvgExecutionTimeMs: stats.AvgExecutionMs,
		MaxExecutionTimeMs: stats.MaxExecutionMs,
	}, nil
}
