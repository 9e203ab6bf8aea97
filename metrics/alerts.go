package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// Thresholds trigger alerts when exceeded.
type Thresholds struct {
	ErrorRatePercent          float64 `yaml:"error_rate_percent"`
	ProcessingTimeMs          float64 `yaml:"processing_time_ms"`
	StreamLag                 int64   `yaml:"stream_lag"`
	WebhookFailureRatePercent float64 `yaml:"webhook_failure_rate_percent"`
}

// DefaultThresholds returns 5% errors, 1000ms processing time, 1000
// messages of lag and 10% webhook failures.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRatePercent:          5,
		ProcessingTimeMs:          1000,
		StreamLag:                 1000,
		WebhookFailureRatePercent: 10,
	}
}

// Alert is one threshold currently exceeded.
type Alert struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// AlertManager evaluates thresholds and logs each alert once when it is raised.
type AlertManager struct {
	thresholds Thresholds
	mu         sync.Mutex
	active     map[string]bool
}

// NewAlertManager creates a manager for thresholds.
func NewAlertManager(thresholds Thresholds) *AlertManager {
	return &AlertManager{thresholds: thresholds, active: make(map[string]bool)}
}

// Evaluate returns the alerts raised by m. Alerts no longer firing are cleared.
func (a *AlertManager) Evaluate(m *SystemMetrics) []Alert {
	t := a.thresholds
	var alerts []Alert
	if m.ErrorRate1h > t.ErrorRatePercent {
		alerts = append(alerts, Alert{"error_rate", fmt.Sprintf("High error rate: %.2f%%", m.ErrorRate1h), m.ErrorRate1h, t.ErrorRatePercent})
	}
	if m.AverageProcessingTimeMs > t.ProcessingTimeMs {
		alerts = append(alerts, Alert{"processing_time", fmt.Sprintf("High processing time: %.2fms", m.AverageProcessingTimeMs), m.AverageProcessingTimeMs, t.ProcessingTimeMs})
	}
	if m.StreamLag > t.StreamLag {
		alerts = append(alerts, Alert{"stream_lag", fmt.Sprintf("High stream lag: %d messages", m.StreamLag), float64(m.StreamLag), float64(t.StreamLag)})
	}
	if failure := 100 - m.WebhookSuccessRate1h; failure > t.WebhookFailureRatePercent {
		alerts = append(alerts, Alert{"webhook_failures", fmt.Sprintf("High webhook failure rate: %.2f%%", failure), failure, t.WebhookFailureRatePercent})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	firing := make(map[string]bool, len(alerts))
	for _, alert := range alerts {
		firing[alert.Type] = true
		if !a.active[alert.Type] {
			logger.Warn("alert raised", "type", alert.Type, "message", alert.Message)
		}
	}
	for typ := range a.active {
		if !firing[typ] {
			logger.Info("alert resolved", "type", typ)
		}
	}
	a.active = firing
	return alerts
}

// Active returns the alert types currently firing.
func (a *AlertManager) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	types := make([]string, 0, len(a.active))
	for typ := range a.active {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// CheckAlerts builds a system snapshot and evaluates the thresholds.
func (c *Collector) CheckAlerts(ctx context.Context) ([]Alert, error) {
	m, err := c.System(ctx)
	if err != nil {
		return nil, err
	}
	alerts := c.alerts.Evaluate(m)
	if alerts == nil {
		alerts = []Alert{}
	}
	return alerts, nil
}
