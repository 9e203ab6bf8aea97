package rules

import (
	"context"
	"time"
)

// EffectMeta identifies the rule invocation an effect came from. Key is
// stable across redeliveries of the same event so collaborators can dedupe.
type EffectMeta struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id,omitempty"`
	RuleID     string `json:"rule_id"`
	EventID    string `json:"event_id"`
	Key        string `json:"idempotency_key"`
}

type PointsAdjustment struct {
	EffectMeta
	Operation PointsOperation `json:"operation"`
	Amount    int64           `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

type TierChange struct {
	EffectMeta
	TierName string `json:"tier_name"`
	Reason   string `json:"reason,omitempty"`
}

type BadgeAward struct {
	EffectMeta
	BadgeName   string `json:"badge_name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type TagUpdate struct {
	EffectMeta
	Operation TagOperation `json:"operation"`
	Tags      []string     `json:"tags"`
}

type DiscountRequest struct {
	EffectMeta
	DiscountType DiscountType `json:"discount_type"`
	Value        float64      `json:"value"`
	Code         string       `json:"code"`
	ExpiresAt    time.Time    `json:"expires_at"`
	UsageLimit   int          `json:"usage_limit"`
}

type EmailRequest struct {
	EffectMeta
	Recipient  string         `json:"recipient"`
	TemplateID string         `json:"template_id"`
	Subject    string         `json:"subject,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
}

type WebhookRequest struct {
	EffectMeta
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload"`
}

// Ledger applies loyalty-profile side effects owned by an external service.
type Ledger interface {
	AdjustPoints(ctx context.Context, adj PointsAdjustment) error
	SetTier(ctx context.Context, change TierChange) error
	AwardBadge(ctx context.Context, award BadgeAward) error
	UpdateTags(ctx context.Context, update TagUpdate) error
	CreateDiscount(ctx context.Context, req DiscountRequest) error
}

// Mailer sends templated email.
type Mailer interface {
	SendEmail(ctx context.Context, req EmailRequest) error
}

// WebhookEnqueuer hands a webhook to the delivery subsystem and returns the task id.
type WebhookEnqueuer interface {
	EnqueueWebhook(ctx context.Context, req WebhookRequest) (string, error)
}
