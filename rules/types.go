package rules

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a rule.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// EventType names a business event that rules can react to.
type EventType string

const (
	EventOrderCreated       EventType = "order_created"
	EventOrderPaid          EventType = "order_paid"
	EventOrderFulfilled     EventType = "order_fulfilled"
	EventCustomerCreated    EventType = "customer_created"
	EventReferralSignup     EventType = "referral_signup"
	EventReferralConversion EventType = "referral_conversion"
	EventManualAdjustment   EventType = "manual_adjustment"
	EventTierChange         EventType = "tier_change"
	EventBirthday           EventType = "birthday"
	EventAnniversary        EventType = "anniversary"
	EventProductReview      EventType = "product_review"
	EventSocialShare        EventType = "social_share"
)

var supportedEventTypes = map[EventType]bool{
	EventOrderCreated:       true,
	EventOrderPaid:          true,
	EventOrderFulfilled:     true,
	EventCustomerCreated:    true,
	EventReferralSignup:     true,
	EventReferralConversion: true,
	EventManualAdjustment:   true,
	EventTierChange:         true,
	EventBirthday:           true,
	EventAnniversary:        true,
	EventProductReview:      true,
	EventSocialShare:        true,
}

// IsSupportedEventType reports whether eventType belongs to the fixed event set.
func IsSupportedEventType(eventType string) bool {
	return supportedEventTypes[EventType(eventType)]
}

// SupportedEventTypes returns the fixed event set in a stable order.
func SupportedEventTypes() []EventType {
	return []EventType{
		EventOrderCreated, EventOrderPaid, EventOrderFulfilled, EventCustomerCreated,
		EventReferralSignup, EventReferralConversion, EventManualAdjustment, EventTierChange,
		EventBirthday, EventAnniversary, EventProductReview, EventSocialShare,
	}
}

// DefaultPriority is applied when a definition leaves priority unset.
const DefaultPriority = 100

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRuleArchived      = errors.New("rule is archived")
	ErrVersionConflict   = errors.New("rule version conflict")
)

// Definition is the user-editable part of a rule.
type Definition struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	EventType   EventType     `json:"event_type"`
	Priority    int           `json:"priority,omitempty"`
	Conditions  ConditionTree `json:"conditions"`
	Actions     ActionList    `json:"actions"`
	Tags        []string      `json:"tags,omitempty"`
}

// Rule is a tenant-scoped, versioned definition with lifecycle state.
type Rule struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	EventType      EventType     `json:"event_type"`
	Status         Status        `json:"status"`
	Priority       int           `json:"priority"`
	Conditions     ConditionTree `json:"conditions"`
	Actions        ActionList    `json:"actions"`
	Tags           []string      `json:"tags,omitempty"`
	Version        int           `json:"version"`
	ExecutionCount int64         `json:"execution_count"`
	LastExecutedAt *time.Time    `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CreatedBy      string        `json:"created_by,omitempty"`
	UpdatedBy      string        `json:"updated_by,omitempty"`
}

// Definition returns the editable fields of r.
func (r *Rule) Definition() Definition {
	return Definition{
		Name:        r.Name,
		Description: r.Description,
		EventType:   r.EventType,
		Priority:    r.Priority,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Tags:        r.Tags,
	}
}

func (r *Rule) apply(def Definition) {
	r.Name = def.Name
	r.Description = def.Description
	r.EventType = def.EventType
	r.Priority = def.Priority
	r.Conditions = def.Conditions
	r.Actions = def.Actions
	r.Tags = def.Tags
}

// clone returns a copy that does not share the mutable timestamp pointer.
func (r *Rule) clone() *Rule {
	c := *r
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		c.LastExecutedAt = &t
	}
	c.Tags = append([]string(nil), r.Tags...)
	c.Actions = append(ActionList(nil), r.Actions...)
	return &c
}

// RuleVersion is an immutable snapshot taken on every create or update.
type RuleVersion struct {
	ID            string        `json:"id"`
	RuleID        string        `json:"rule_id"`
	TenantID      string        `json:"tenant_id"`
	VersionNumber int           `json:"version_number"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	EventType     EventType     `json:"event_type"`
	Priority      int           `json:"priority"`
	Conditions    ConditionTree `json:"conditions"`
	Actions       ActionList    `json:"actions"`
	CreatedAt     time.Time     `json:"created_at"`
	CreatedBy     string        `json:"created_by,omitempty"`
	ChangeNotes   string        `json:"change_notes,omitempty"`
}

func snapshot(r *Rule, id, author, notes string, at time.Time) *RuleVersion {
	return &RuleVersion{
		ID:            id,
		RuleID:        r.ID,
		TenantID:      r.TenantID,
		VersionNumber: r.Version,
		Name:          r.Name,
		Description:   r.Description,
		EventType:     r.EventType,
		Priority:      r.Priority,
		Conditions:    r.Conditions,
		Actions:       append(ActionList(nil), r.Actions...),
		CreatedAt:     at,
		CreatedBy:     author,
		ChangeNotes:   notes,
	}
}

// ActionOutcome is the recorded result of one executed action.
type ActionOutcome struct {
	Type    ActionKind     `json:"type"`
	Success bool           `json:"success"`
	Detail  map[string]any `json:"detail,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ExecutionResult describes one rule's handling of one event.
type ExecutionResult struct {
	RuleID          string          `json:"rule_id"`
	RuleName        string          `json:"rule_name"`
	ConditionsMet   bool            `json:"conditions_met"`
	ActionsExecuted []ActionOutcome `json:"actions_executed"`
	FailedAction    *ActionOutcome  `json:"failed_action,omitempty"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
}

// RuleExecution is the audit record of one (rule, event) evaluation.
// The pair (EventID, RuleID) is its natural key.
type RuleExecution struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	TenantID        string          `json:"tenant_id"`
	EventID         string          `json:"event_id"`
	EventType       EventType       `json:"event_type"`
	EventData       map[string]any  `json:"event_data,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	ConditionsMet   bool            `json:"conditions_met"`
	ActionsExecuted []ActionOutcome `json:"actions_executed"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutedAt      time.Time       `json:"executed_at"`
}
