package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Action is one side effect of a matched rule. The set of implementations is closed.
type Action interface {
	Kind() ActionKind
}

// ActionKind is the discriminator of an action.
type ActionKind string

const (
	ActionPoints   ActionKind = "points"
	ActionTier     ActionKind = "tier"
	ActionBadge    ActionKind = "badge"
	ActionWebhook  ActionKind = "webhook"
	ActionEmail    ActionKind = "email"
	ActionDiscount ActionKind = "discount"
	ActionTag      ActionKind = "tag"
)

type PointsOperation string

const (
	PointsAdd      PointsOperation = "add"
	PointsSubtract PointsOperation = "subtract"
	PointsSet      PointsOperation = "set"
)

// PointsAction adjusts the customer's points balance. When AmountExpression is
// set it is evaluated instead of Amount; MultiplierField scales the amount by a
// numeric payload value.
type PointsAction struct {
	Operation        PointsOperation `json:"operation"`
	Amount           int64           `json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	MultiplierField  string          `json:"multiplier_field,omitempty"`
	AmountExpression string          `json:"amount_expression,omitempty"`
}

type TierAction struct {
	TierName string `json:"tier_name"`
	Reason   string `json:"reason,omitempty"`
}

type BadgeAction struct {
	BadgeName   string `json:"badge_name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

type WebhookAction struct {
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	PayloadTemplate map[string]any    `json:"payload_template,omitempty"`
}

type EmailAction struct {
	TemplateID string         `json:"template_id"`
	Subject    string         `json:"subject,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
}

type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFixedAmount  DiscountType = "fixed_amount"
	DiscountFreeShipping DiscountType = "free_shipping"
)

type DiscountAction struct {
	DiscountType  DiscountType `json:"discount_type"`
	Value         float64      `json:"value"`
	CodePrefix    string       `json:"code_prefix,omitempty"`
	ExpiresInDays int          `json:"expires_in_days,omitempty"`
	UsageLimit    int          `json:"usage_limit,omitempty"`
}

type TagOperation string

const (
	TagAdd    TagOperation = "add"
	TagRemove TagOperation = "remove"
)

type TagAction struct {
	Operation TagOperation `json:"operation"`
	Tags      []string     `json:"tags"`
}

// UnknownAction preserves an action whose type is not recognised. Executing it
// fails and validation rejects it.
type UnknownAction struct {
	Type string
	Raw  json.RawMessage
}

func (PointsAction) Kind() ActionKind    { return ActionPoints }
func (TierAction) Kind() ActionKind      { return ActionTier }
func (BadgeAction) Kind() ActionKind     { return ActionBadge }
func (WebhookAction) Kind() ActionKind   { return ActionWebhook }
func (EmailAction) Kind() ActionKind     { return ActionEmail }
func (DiscountAction) Kind() ActionKind  { return ActionDiscount }
func (TagAction) Kind() ActionKind       { return ActionTag }
func (u UnknownAction) Kind() ActionKind { return ActionKind(u.Type) }

func (a PointsAction) MarshalJSON() ([]byte, error) {
	type plain PointsAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionPoints), b, err)
}

func (a TierAction) MarshalJSON() ([]byte, error) {
	type plain TierAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionTier), b, err)
}

func (a BadgeAction) MarshalJSON() ([]byte, error) {
	type plain BadgeAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionBadge), b, err)
}

func (a WebhookAction) MarshalJSON() ([]byte, error) {
	type plain WebhookAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionWebhook), b, err)
}

func (a EmailAction) MarshalJSON() ([]byte, error) {
	type plain EmailAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionEmail), b, err)
}

func (a DiscountAction) MarshalJSON() ([]byte, error) {
	type plain DiscountAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionDiscount), b, err)
}

func (a TagAction) MarshalJSON() ([]byte, error) {
	type plain TagAction
	b, err := json.Marshal(plain(a))
	return tagged(string(ActionTag), b, err)
}

func (u UnknownAction) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return tagged(u.Type, nil, nil)
}

// actionAliases maps verb-style type names to a kind and a default operation.
var actionAliases = map[string]struct {
	kind      ActionKind
	operation string
}{
	"award_points":    {ActionPoints, string(PointsAdd)},
	"deduct_points":   {ActionPoints, string(PointsSubtract)},
	"set_tier":        {ActionTier, ""},
	"award_badge":     {ActionBadge, ""},
	"trigger_webhook": {ActionWebhook, ""},
	"send_email":      {ActionEmail, ""},
	"create_discount": {ActionDiscount, ""},
	"add_tag":         {ActionTag, string(TagAdd)},
	"remove_tag":      {ActionTag, string(TagRemove)},
}

// DecodeAction parses one action, accepting both kind names and verb aliases.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	name := strings.ToLower(strings.TrimSpace(head.Type))
	if name == "" {
		return nil, fmt.Errorf("action is missing a type")
	}
	kind := ActionKind(name)
	defaultOp := ""
	if alias, ok := actionAliases[name]; ok {
		kind = alias.kind
		defaultOp = alias.operation
	}

	var action Action
	var err error
	switch kind {
	case ActionPoints:
		a := PointsAction{}
		err = json.Unmarshal(data, &a)
		a.Operation = PointsOperation(strings.ToLower(string(a.Operation)))
		if a.Operation == "" {
			a.Operation = PointsOperation(defaultOp)
		}
		if a.Operation == "" {
			a.Operation = PointsAdd
		}
		action = a
	case ActionTier:
		a := TierAction{}
		err = json.Unmarshal(data, &a)
		action = a
	case ActionBadge:
		a := BadgeAction{}
		err = json.Unmarshal(data, &a)
		action = a
	case ActionWebhook:
		a := WebhookAction{}
		err = json.Unmarshal(data, &a)
		a.Method = strings.ToUpper(a.Method)
		if a.Method == "" {
			a.Method = "POST"
		}
		action = a
	case ActionEmail:
		a := EmailAction{}
		err = json.Unmarshal(data, &a)
		action = a
	case ActionDiscount:
		a := DiscountAction{ExpiresInDays: 30, UsageLimit: 1}
		err = json.Unmarshal(data, &a)
		a.DiscountType = DiscountType(strings.ToLower(string(a.DiscountType)))
		action = a
	case ActionTag:
		a := TagAction{}
		err = json.Unmarshal(data, &a)
		a.Operation = TagOperation(strings.ToLower(string(a.Operation)))
		if a.Operation == "" {
			a.Operation = TagOperation(defaultOp)
		}
		action = a
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownAction{Type: name, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s action: %w", name, err)
	}
	return action, nil
}

// ActionList is an ordered list of actions that round-trips through JSON.
type ActionList []Action

func (l *ActionList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("actions must be a list: %w", err)
	}
	out := make(ActionList, 0, len(raws))
	for i, raw := range raws {
		a, err := DecodeAction(raw)
		if err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}
