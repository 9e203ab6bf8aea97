package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a node of a rule's condition tree. The set of implementations
// is closed: LogicalNode, the leaf condition types in this file, and
// UnknownCondition for leaf kinds this build does not recognise.
type Condition interface {
	isCondition()
}

// Leaf is a condition that is evaluated by a registered strategy.
type Leaf interface {
	Condition
	Kind() LeafKind
}

// LeafKind is the discriminator of a leaf condition.
type LeafKind string

const (
	KindOrderTotal     LeafKind = "order_total"
	KindOrderItemCount LeafKind = "order_item_count"
	KindProduct        LeafKind = "product"
	KindCustomer       LeafKind = "customer"
	KindDate           LeafKind = "date"
	KindDateRange      LeafKind = "date_range"
	KindMetafield      LeafKind = "metafield"
	KindTier           LeafKind = "tier"
	KindPoints         LeafKind = "points"
	KindFrequency      LeafKind = "frequency"
)

// LogicalOperator combines child conditions.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
	LogicalNot LogicalOperator = "not"
)

func (o *LogicalOperator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = LogicalOperator(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// Operator is a leaf comparison operator. Operators are matched case-insensitively.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
)

func (o *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = normalizeOperator(s)
	return nil
}

func normalizeOperator(s string) Operator {
	return Operator(strings.ToLower(strings.TrimSpace(s)))
}

// LogicalNode is an and/or/not combination of child conditions.
type LogicalNode struct {
	Operator LogicalOperator `json:"operator"`
	Children []Condition     `json:"conditions"`
}

// And, Or and Not build logical nodes.
func And(children ...Condition) LogicalNode {
	return LogicalNode{Operator: LogicalAnd, Children: children}
}
func Or(children ...Condition) LogicalNode {
	return LogicalNode{Operator: LogicalOr, Children: children}
}
func Not(child Condition) LogicalNode {
	return LogicalNode{Operator: LogicalNot, Children: []Condition{child}}
}

type OrderTotalCondition struct {
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
	Currency string   `json:"currency,omitempty"`
}

type OrderItemCountCondition struct {
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// ProductCondition matches the products of an order's line items.
// in/not_in test ids, types and collections; contains/not_contains test tags.
type ProductCondition struct {
	Operator     Operator `json:"operator"`
	ProductIDs   []string `json:"product_ids,omitempty"`
	ProductTags  []string `json:"product_tags,omitempty"`
	ProductTypes []string `json:"product_types,omitempty"`
	Collections  []string `json:"collections,omitempty"`
}

// CustomerCondition compares customer.<Field> in the event payload.
type CustomerCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// DateCondition compares a date field (or the event time for "event_date"/"now").
type DateCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Timezone string   `json:"timezone,omitempty"`
}

// DateRangeCondition matches when the event time falls inside [StartDate, EndDate].
type DateRangeCondition struct {
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	RecurringYearly bool   `json:"recurring_yearly,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// MetafieldTarget selects whose metafields a MetafieldCondition inspects.
type MetafieldTarget string

const (
	TargetProduct  MetafieldTarget = "product"
	TargetCustomer MetafieldTarget = "customer"
	TargetOrder    MetafieldTarget = "order"
)

type MetafieldCondition struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Operator  Operator        `json:"operator"`
	Value     any             `json:"value"`
	Target    MetafieldTarget `json:"target"`
}

type TierCondition struct {
	Operator  Operator `json:"operator"`
	TierNames []string `json:"tier_names"`
}

type PointsCondition struct {
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// FrequencyCondition compares how often the customer produced EventType within
// the last TimeWindowDays days (0 means all time).
type FrequencyCondition struct {
	EventType      EventType `json:"event_type"`
	Operator       Operator  `json:"operator"`
	Value          float64   `json:"value"`
	TimeWindowDays int       `json:"time_window_days,omitempty"`
}

// UnknownCondition preserves a leaf whose kind is not recognised. It always
// evaluates to false and is rejected by validation.
type UnknownCondition struct {
	Type string
	Raw  json.RawMessage
}

func (LogicalNode) isCondition()             {}
func (OrderTotalCondition) isCondition()     {}
func (OrderItemCountCondition) isCondition() {}
func (ProductCondition) isCondition()        {}
func (CustomerCondition) isCondition()       {}
func (DateCondition) isCondition()           {}
func (DateRangeCondition) isCondition()      {}
func (MetafieldCondition) isCondition()      {}
func (TierCondition) isCondition()           {}
func (PointsCondition) isCondition()         {}
func (FrequencyCondition) isCondition()      {}
func (UnknownCondition) isCondition()        {}

func (OrderTotalCondition) Kind() LeafKind     { return KindOrderTotal }
func (OrderItemCountCondition) Kind() LeafKind { return KindOrderItemCount }
func (ProductCondition) Kind() LeafKind        { return KindProduct }
func (CustomerCondition) Kind() LeafKind       { return KindCustomer }
func (DateCondition) Kind() LeafKind           { return KindDate }
func (DateRangeCondition) Kind() LeafKind      { return KindDateRange }
func (MetafieldCondition) Kind() LeafKind      { return KindMetafield }
func (TierCondition) Kind() LeafKind           { return KindTier }
func (PointsCondition) Kind() LeafKind         { return KindPoints }
func (FrequencyCondition) Kind() LeafKind      { return KindFrequency }
func (u UnknownCondition) Kind() LeafKind      { return LeafKind(u.Type) }

// tagged prepends a "type" discriminator to an encoded JSON object.
func tagged(kind string, body []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf(`{"type":%q`, kind)
	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return []byte(prefix + "}"), nil
	}
	return append([]byte(prefix+","), body[1:]...), nil
}

func (n LogicalNode) MarshalJSON() ([]byte, error) {
	children := n.Children
	if children == nil {
		children = []Condition{}
	}
	return json.Marshal(struct {
		Operator   LogicalOperator `json:"operator"`
		Conditions []Condition     `json:"conditions"`
	}{n.Operator, children})
}

func (c OrderTotalCondition) MarshalJSON() ([]byte, error) {
	type plain OrderTotalCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindOrderTotal), b, err)
}

func (c OrderItemCountCondition) MarshalJSON() ([]byte, error) {
	type plain OrderItemCountCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindOrderItemCount), b, err)
}

func (c ProductCondition) MarshalJSON() ([]byte, error) {
	type plain ProductCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindProduct), b, err)
}

func (c CustomerCondition) MarshalJSON() ([]byte, error) {
	type plain CustomerCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindCustomer), b, err)
}

func (c DateCondition) MarshalJSON() ([]byte, error) {
	type plain DateCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindDate), b, err)
}

func (c DateRangeCondition) MarshalJSON() ([]byte, error) {
	type plain DateRangeCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindDateRange), b, err)
}

func (c MetafieldCondition) MarshalJSON() ([]byte, error) {
	type plain MetafieldCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindMetafield), b, err)
}

func (c TierCondition) MarshalJSON() ([]byte, error) {
	type plain TierCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindTier), b, err)
}

func (c PointsCondition) MarshalJSON() ([]byte, error) {
	type plain PointsCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindPoints), b, err)
}

func (c FrequencyCondition) MarshalJSON() ([]byte, error) {
	type plain FrequencyCondition
	b, err := json.Marshal(plain(c))
	return tagged(string(KindFrequency), b, err)
}

func (u UnknownCondition) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}
	return tagged(u.Type, nil, nil)
}

// DecodeCondition parses one node of a condition tree.
func DecodeCondition(data []byte) (Condition, error) {
	var head struct {
		Type       string            `json:"type"`
		Operator   string            `json:"operator"`
		Conditions []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}

	kind := strings.ToLower(strings.TrimSpace(head.Type))
	if kind == "" || kind == "logical" {
		op := LogicalOperator(strings.ToLower(strings.TrimSpace(head.Operator)))
		switch op {
		case LogicalAnd, LogicalOr, LogicalNot:
		default:
			if kind == "" {
				return nil, fmt.Errorf("condition has no type and operator %q is not logical", head.Operator)
			}
		}
		node := LogicalNode{Operator: op, Children: make([]Condition, 0, len(head.Conditions))}
		for i, raw := range head.Conditions {
			child, err := DecodeCondition(raw)
			if err != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, err)
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	var leaf Condition
	var err error
	switch LeafKind(kind) {
	case KindOrderTotal:
		var c OrderTotalCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindOrderItemCount:
		var c OrderItemCountCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindProduct:
		var c ProductCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindCustomer:
		var c CustomerCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindDate:
		var c DateCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindDateRange:
		var c DateRangeCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindMetafield:
		var c MetafieldCondition
		err = json.Unmarshal(data, &c)
		c.Target = MetafieldTarget(strings.ToLower(string(c.Target)))
		leaf = c
	case KindTier:
		var c TierCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindPoints:
		var c PointsCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	case KindFrequency:
		var c FrequencyCondition
		err = json.Unmarshal(data, &c)
		leaf = c
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownCondition{Type: kind, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s condition: %w", kind, err)
	}
	return leaf, nil
}

// ConditionTree wraps the root of a condition tree so it round-trips through JSON.
type ConditionTree struct {
	Root Condition
}

// Tree wraps root in a ConditionTree.
func Tree(root Condition) ConditionTree { return ConditionTree{Root: root} }

func (t ConditionTree) MarshalJSON() ([]byte, error) {
	if t.Root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(t.Root)
}

func (t *ConditionTree) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Root = nil
		return nil
	}
	root, err := DecodeCondition(data)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}
