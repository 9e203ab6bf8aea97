package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActionInput is passed to action handlers.
type ActionInput struct {
	Rule    *Rule
	Context *EventContext
	Index   int
	// DryRun handlers compute their outcome without calling collaborators.
	DryRun bool
}

func (in *ActionInput) meta() EffectMeta {
	return EffectMeta{
		TenantID:   in.Rule.TenantID,
		CustomerID: in.Context.CustomerID,
		RuleID:     in.Rule.ID,
		EventID:    in.Context.EventID,
		Key:        fmt.Sprintf("%s:%s:%d", in.Context.EventID, in.Rule.ID, in.Index),
	}
}

// ActionHandler performs one action and returns details for the audit record.
type ActionHandler func(ctx context.Context, action Action, in *ActionInput) (map[string]any, error)

// ExecutorDeps are the collaborators actions act through. Any may be nil, in
// which case actions needing it fail.
type ExecutorDeps struct {
	Ledger      Ledger
	Mailer      Mailer
	Webhooks    WebhookEnqueuer
	Expressions *ExpressionEngine
}

var (
	errNoLedger   = errors.New("no ledger configured")
	errNoMailer   = errors.New("no mailer configured")
	errNoWebhooks = errors.New("no webhook dispatcher configured")
)

// Executor runs a rule's actions in order through a handler registry.
type Executor struct {
	deps     ExecutorDeps
	handlers map[ActionKind]ActionHandler
	now      func() time.Time
	mu       sync.RWMutex
}

// NewExecutor returns an executor with handlers for every built-in action kind.
func NewExecutor(deps ExecutorDeps) *Executor {
	x := &Executor{
		deps:     deps,
		handlers: make(map[ActionKind]ActionHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	x.Register(ActionPoints, x.points)
	x.Register(ActionTier, x.tier)
	x.Register(ActionBadge, x.badge)
	x.Register(ActionWebhook, x.webhook)
	x.Register(ActionEmail, x.email)
	x.Register(ActionDiscount, x.discount)
	x.Register(ActionTag, x.tag)
	return x
}

// Register installs or replaces the handler for kind.
func (x *Executor) Register(kind ActionKind, h ActionHandler) {
	x.mu.Lock()
	x.handlers[kind] = h
	x.mu.Unlock()
}

// ActionError reports the action that stopped a rule's execution.
type ActionError struct {
	Index   int
	Outcome ActionOutcome
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Outcome.Type, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Execute runs rule's actions in declared order. It returns the outcomes of
// the successfully executed prefix; the first failing action stops execution
// and is reported through an *ActionError. Completed actions are not rolled
// back.
func (x *Executor) Execute(ctx context.Context, rule *Rule, ec *EventContext, dryRun bool) ([]ActionOutcome, error) {
	outcomes := make([]ActionOutcome, 0, len(rule.Actions))
	for i, action := range rule.Actions {
		in := &ActionInput{Rule: rule, Context: ec, Index: i, DryRun: dryRun}
		detail, err := x.run(ctx, action, in)
		if err != nil {
			return outcomes, &ActionError{
				Index:   i,
				Outcome: ActionOutcome{Type: action.Kind(), Success: false, Detail: detail, Error: err.Error()},
				Err:     err,
			}
		}
		outcomes = append(outcomes, ActionOutcome{Type: action.Kind(), Success: true, Detail: detail})
	}
	return outcomes, nil
}

func (x *Executor) run(ctx context.Context, action Action, in *ActionInput) (detail map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	h, ok := x.handlers[action.Kind()]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for action type %q", action.Kind())
	}
	return h(ctx, action, in)
}

func (x *Executor) points(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(PointsAction)
	amount := a.Amount
	if a.AmountExpression != "" {
		if x.deps.Expressions == nil {
			return nil, errors.New("amount expression given but no expression engine configured")
		}
		v, err := x.deps.Expressions.EvaluateAmount(a.AmountExpression, in.Context)
		if err != nil {
			return nil, fmt.Errorf("amount expression: %w", err)
		}
		amount = v
	}
	if a.MultiplierField != "" {
		m, ok := toFloat(in.Context.Lookup(a.MultiplierField))
		if !ok {
			return nil, fmt.Errorf("multiplier field %q is missing or not numeric", a.MultiplierField)
		}
		amount = int64(float64(amount) * m)
	}
	if amount < 0 {
		return nil, fmt.Errorf("points amount %d is negative", amount)
	}
	reason := a.Reason
	if reason == "" {
		reason = "Rule-based points adjustment"
	}
	detail := map[string]any{"operation": string(a.Operation), "amount": amount, "reason": reason, "customer_id": in.Context.CustomerID}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Ledger == nil {
		return detail, errNoLedger
	}
	if in.Context.CustomerID == "" {
		return detail, errors.New("event has no customer")
	}
	return detail, x.deps.Ledger.AdjustPoints(ctx, PointsAdjustment{EffectMeta: in.meta(), Operation: a.Operation, Amount: amount, Reason: reason})
}

func (x *Executor) tier(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(TierAction)
	detail := map[string]any{"tier_name": a.TierName}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Ledger == nil {
		return detail, errNoLedger
	}
	if in.Context.CustomerID == "" {
		return detail, errors.New("event has no customer")
	}
	return detail, x.deps.Ledger.SetTier(ctx, TierChange{EffectMeta: in.meta(), TierName: a.TierName, Reason: a.Reason})
}

func (x *Executor) badge(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(BadgeAction)
	detail := map[string]any{"badge_name": a.BadgeName}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Ledger == nil {
		return detail, errNoLedger
	}
	if in.Context.CustomerID == "" {
		return detail, errors.New("event has no customer")
	}
	return detail, x.deps.Ledger.AwardBadge(ctx, BadgeAward{EffectMeta: in.meta(), BadgeName: a.BadgeName, Description: a.Description, Icon: a.Icon})
}

func (x *Executor) tag(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(TagAction)
	detail := map[string]any{"operation": string(a.Operation), "tags": a.Tags}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Ledger == nil {
		return detail, errNoLedger
	}
	if in.Context.CustomerID == "" {
		return detail, errors.New("event has no customer")
	}
	return detail, x.deps.Ledger.UpdateTags(ctx, TagUpdate{EffectMeta: in.meta(), Operation: a.Operation, Tags: a.Tags})
}

// discountCode derives a code that is stable for one (event, rule, action).
func discountCode(prefix string, meta EffectMeta) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(meta.Key))
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	if prefix == "" {
		return suffix
	}
	return strings.ToUpper(prefix) + "-" + suffix
}

func (x *Executor) discount(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(DiscountAction)
	meta := in.meta()
	days := a.ExpiresInDays
	if days <= 0 {
		days = 30
	}
	limit := a.UsageLimit
	if limit <= 0 {
		limit = 1
	}
	req := DiscountRequest{
		EffectMeta:   meta,
		DiscountType: a.DiscountType,
		Value:        a.Value,
		Code:         discountCode(a.CodePrefix, meta),
		ExpiresAt:    x.now().AddDate(0, 0, days),
		UsageLimit:   limit,
	}
	detail := map[string]any{"code": req.Code, "discount_type": string(a.DiscountType), "value": a.Value, "expires_at": req.ExpiresAt}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Ledger == nil {
		return detail, errNoLedger
	}
	return detail, x.deps.Ledger.CreateDiscount(ctx, req)
}

func (x *Executor) email(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(EmailAction)
	recipient := a.Recipient
	if recipient == "" {
		recipient, _ = in.Context.Lookup("customer.email").(string)
	}
	detail := map[string]any{"template_id": a.TemplateID, "recipient": recipient}
	if recipient == "" {
		return detail, errors.New("no recipient: action has none and customer.email is missing")
	}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Mailer == nil {
		return detail, errNoMailer
	}
	return detail, x.deps.Mailer.SendEmail(ctx, EmailRequest{
		EffectMeta: in.meta(),
		Recipient:  recipient,
		TemplateID: a.TemplateID,
		Subject:    a.Subject,
		Variables:  a.Variables,
	})
}

func (x *Executor) webhook(ctx context.Context, action Action, in *ActionInput) (map[string]any, error) {
	a := action.(WebhookAction)
	method := a.Method
	if method == "" {
		method = "POST"
	}
	ec := in.Context
	payload := map[string]any{
		"event_id":    ec.EventID,
		"event_type":  string(ec.EventType),
		"tenant_id":   in.Rule.TenantID,
		"customer_id": ec.CustomerID,
		"rule_id":     in.Rule.ID,
		"rule_name":   in.Rule.Name,
		"timestamp":   x.now().Format(time.RFC3339),
		"payload":     ec.Payload,
	}
	if len(a.PayloadTemplate) > 0 {
		payload["data"] = a.PayloadTemplate
	}
	detail := map[string]any{"url": a.URL, "method": method}
	if in.DryRun {
		return detail, nil
	}
	if x.deps.Webhooks == nil {
		return detail, errNoWebhooks
	}
	taskID, err := x.deps.Webhooks.EnqueueWebhook(ctx, WebhookRequest{
		EffectMeta: in.meta(),
		URL:        a.URL,
		Method:     method,
		Headers:    a.Headers,
		Payload:    payload,
	})
	if err != nil {
		return detail, err
	}
	detail["delivery_id"] = taskID
	return detail, nil
}
