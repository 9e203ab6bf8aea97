package rules

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	maxNameLength     = 255
	maxConditionDepth = 10
	minPriority       = 1
	maxPriority       = 1000
)

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidationError rejects a malformed definition before it is persisted.
type ValidationError struct {
	Errs     *multierror.Error
	Warnings []string
}

func (e *ValidationError) Error() string {
	if e.Errs == nil {
		return "rule validation failed"
	}
	msgs := make([]string, 0, len(e.Errs.Errors))
	for _, err := range e.Errs.Errors {
		msgs = append(msgs, err.Error())
	}
	return "rule validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Errs.ErrorOrNil() }

// Messages returns the individual error messages.
func (e *ValidationError) Messages() []string {
	if e.Errs == nil {
		return nil
	}
	out := make([]string, 0, len(e.Errs.Errors))
	for _, err := range e.Errs.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Validator checks rule definitions.
type Validator struct {
	evaluator   *Evaluator
	expressions *ExpressionEngine
}

// NewValidator creates a validator. evaluator decides which leaf kinds are
// known; expressions, when set, compile-checks amount expressions.
func NewValidator(evaluator *Evaluator, expressions *ExpressionEngine) *Validator {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	return &Validator{evaluator: evaluator, expressions: expressions}
}

type validation struct {
	errs     *multierror.Error
	warnings []string
}

func (v *validation) errorf(format string, args ...any) {
	v.errs = multierror.Append(v.errs, fmt.Errorf(format, args...))
}

func (v *validation) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

// Validate checks def and reports errors (blocking) and warnings (advisory).
func (val *Validator) Validate(def Definition) ValidationResult {
	v := &validation{}

	name := strings.TrimSpace(def.Name)
	if name == "" {
		v.errorf("name is required")
	} else if len(name) > maxNameLength {
		v.errorf("name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}

	if def.EventType == "" {
		v.errorf("event_type is required")
	} else if !IsSupportedEventType(string(def.EventType)) {
		v.errorf("unsupported event_type %q", def.EventType)
	}

	if def.Priority < minPriority || def.Priority > maxPriority {
		v.warnf("priority %d is outside the recommended range %d-%d", def.Priority, minPriority, maxPriority)
	}

	if def.Conditions.Root == nil {
		v.errorf("conditions are required")
	} else {
		val.condition(v, def.Conditions.Root, "conditions", 1)
	}

	if len(def.Actions) == 0 {
		v.errorf("at least one action is required")
	}
	for i, a := range def.Actions {
		val.action(v, a, fmt.Sprintf("actions[%d]", i))
	}

	for i, tag := range def.Tags {
		if strings.TrimSpace(tag) == "" {
			v.errorf("tags[%d] is empty", i)
		}
	}

	res := ValidationResult{Valid: v.errs == nil, Errors: []string{}, Warnings: v.warnings}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	if v.errs != nil {
		for _, err := range v.errs.Errors {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	return res
}

// Check returns a *ValidationError when def has errors.
func (val *Validator) Check(def Definition) (ValidationResult, error) {
	res := val.Validate(def)
	if res.Valid {
		return res, nil
	}
	var errs *multierror.Error
	for _, msg := range res.Errors {
		errs = multierror.Append(errs, fmt.Errorf("%s", msg))
	}
	return res, &ValidationError{Errs: errs, Warnings: res.Warnings}
}

var numericOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
}

func requireOperator(v *validation, path string, op Operator, allowed map[Operator]bool) {
	if op == "" {
		v.errorf("%s: operator is required", path)
		return
	}
	if !knownOperators[op] {
		v.errorf("%s: unknown operator %q", path, op)
		return
	}
	if allowed != nil && !allowed[op] {
		v.errorf("%s: operator %q is not supported for this condition", path, op)
	}
}

func (val *Validator) condition(v *validation, c Condition, path string, depth int) {
	if depth > maxConditionDepth {
		v.errorf("%s: conditions nested deeper than %d levels", path, maxConditionDepth)
		return
	}
	switch n := c.(type) {
	case LogicalNode:
		switch n.Operator {
		case LogicalAnd, LogicalOr:
			if len(n.Children) == 0 {
				v.warnf("%s: %s with no conditions always evaluates to %t", path, n.Operator, n.Operator == LogicalAnd)
			}
		case LogicalNot:
			if len(n.Children) == 0 {
				v.errorf("%s: not requires exactly one condition", path)
			} else if len(n.Children) > 1 {
				v.warnf("%s: not uses only its first condition, %d ignored", path, len(n.Children)-1)
			}
		default:
			v.errorf("%s: unknown logical operator %q", path, n.Operator)
		}
		for i, child := range n.Children {
			val.condition(v, child, fmt.Sprintf("%s.conditions[%d]", path, i), depth+1)
		}
		return
	case UnknownCondition:
		v.errorf("%s: unknown condition type %q", path, n.Type)
		return
	}

	leaf, ok := c.(Leaf)
	if !ok {
		v.errorf("%s: unsupported condition node %T", path, c)
		return
	}
	if !val.evaluator.Registered(leaf.Kind()) {
		v.errorf("%s: no evaluator registered for condition type %q", path, leaf.Kind())
	}

	switch n := c.(type) {
	case OrderTotalCondition:
		requireOperator(v, path, n.Operator, numericOperators)
		if n.Value < 0 {
			v.errorf("%s: value must not be negative", path)
		}
	case OrderItemCountCondition:
		requireOperator(v, path, n.Operator, numericOperators)
		if n.Value < 0 {
			v.errorf("%s: value must not be negative", path)
		}
	case ProductCondition:
		requireOperator(v, path, n.Operator, map[Operator]bool{OpIn: true, OpNotIn: true, OpContains: true, OpNotContains: true})
		switch n.Operator {
		case OpIn, OpNotIn:
			if len(n.ProductIDs)+len(n.ProductTypes)+len(n.Collections) == 0 {
				v.errorf("%s: %s requires product_ids, product_types or collections", path, n.Operator)
			}
		case OpContains, OpNotContains:
			if len(n.ProductTags) == 0 {
				v.errorf("%s: %s requires product_tags", path, n.Operator)
			}
		}
	case CustomerCondition:
		requireOperator(v, path, n.Operator, nil)
		if err := validatePath(n.Field); err != nil {
			v.errorf("%s: invalid field: %v", path, err)
		}
		if (n.Operator == OpIn || n.Operator == OpNotIn) && !isList(n.Value) {
			v.errorf("%s: %s requires a list value", path, n.Operator)
		}
	case DateCondition:
		requireOperator(v, path, n.Operator, numericOperators)
		switch n.Field {
		case "", "event_date", "now":
		default:
			if err := validatePath(n.Field); err != nil {
				v.errorf("%s: invalid field: %v", path, err)
			}
		}
		loc, ok := loadLocation(n.Timezone)
		if !ok {
			v.errorf("%s: unknown timezone %q", path, n.Timezone)
			loc = nil
		}
		if loc != nil {
			if _, _, ok := parseTimeValue(n.Value, loc); !ok {
				v.errorf("%s: value %q is not a date or RFC 3339 timestamp", path, n.Value)
			}
		}
	case DateRangeCondition:
		loc, ok := loadLocation(n.Timezone)
		if !ok {
			v.errorf("%s: unknown timezone %q", path, n.Timezone)
			return
		}
		start, _, okStart := parseTimeValue(n.StartDate, loc)
		end, _, okEnd := parseTimeValue(n.EndDate, loc)
		if !okStart {
			v.errorf("%s: start_date %q is not a date or RFC 3339 timestamp", path, n.StartDate)
		}
		if !okEnd {
			v.errorf("%s: end_date %q is not a date or RFC 3339 timestamp", path, n.EndDate)
		}
		if okStart && okEnd && !n.RecurringYearly && end.Before(start) {
			v.errorf("%s: end_date is before start_date", path)
		}
	case MetafieldCondition:
		requireOperator(v, path, n.Operator, nil)
		if err := validateMetafieldName(n.Namespace); err != nil {
			v.errorf("%s: invalid namespace: %v", path, err)
		}
		if err := validateMetafieldName(n.Key); err != nil {
			v.errorf("%s: invalid key: %v", path, err)
		}
		switch n.Target {
		case TargetProduct, TargetCustomer, TargetOrder:
		default:
			v.errorf("%s: target must be product, customer or order", path)
		}
	case TierCondition:
		requireOperator(v, path, n.Operator, map[Operator]bool{OpIn: true, OpNotIn: true, OpEquals: true, OpNotEquals: true})
		if len(n.TierNames) == 0 {
			v.errorf("%s: tier_names is required", path)
		}
	case PointsCondition:
		requireOperator(v, path, n.Operator, numericOperators)
	case FrequencyCondition:
		requireOperator(v, path, n.Operator, numericOperators)
		if !IsSupportedEventType(string(n.EventType)) {
			v.errorf("%s: unsupported event_type %q", path, n.EventType)
		}
		if n.TimeWindowDays < 0 {
			v.errorf("%s: time_window_days must not be negative", path)
		}
		if n.Value < 0 {
			v.errorf("%s: value must not be negative", path)
		}
	}
}

func isList(v any) bool {
	_, ok := toList(v)
	return ok
}

var webhookMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

func (val *Validator) action(v *validation, a Action, path string) {
	switch n := a.(type) {
	case UnknownAction:
		v.errorf("%s: unknown action type %q", path, n.Type)
	case PointsAction:
		switch n.Operation {
		case PointsAdd, PointsSubtract, PointsSet:
		default:
			v.errorf("%s: operation must be add, subtract or set", path)
		}
		if n.Amount < 0 {
			v.errorf("%s: amount must not be negative", path)
		}
		if n.AmountExpression != "" {
			if val.expressions == nil {
				v.errorf("%s: amount_expression is not supported", path)
			} else if _, err := val.expressions.Compile(n.AmountExpression); err != nil {
				v.errorf("%s: invalid amount_expression: %v", path, err)
			}
		} else if n.Amount == 0 && n.Operation != PointsSet {
			v.warnf("%s: amount is zero", path)
		}
		if n.MultiplierField != "" {
			if err := validatePath(n.MultiplierField); err != nil {
				v.errorf("%s: invalid multiplier_field: %v", path, err)
			}
		}
	case TierAction:
		if strings.TrimSpace(n.TierName) == "" {
			v.errorf("%s: tier_name is required", path)
		}
	case BadgeAction:
		if strings.TrimSpace(n.BadgeName) == "" {
			v.errorf("%s: badge_name is required", path)
		}
	case WebhookAction:
		u, err := url.Parse(n.URL)
		if n.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.errorf("%s: url must be an absolute http(s) URL", path)
		}
		if n.Method != "" && !webhookMethods[strings.ToUpper(n.Method)] {
			v.errorf("%s: unsupported method %q", path, n.Method)
		}
	case EmailAction:
		if strings.TrimSpace(n.TemplateID) == "" {
			v.errorf("%s: template_id is required", path)
		}
	case DiscountAction:
		switch n.DiscountType {
		case DiscountPercentage:
			if n.Value <= 0 || n.Value > 100 {
				v.errorf("%s: percentage value must be in (0, 100]", path)
			}
		case DiscountFixedAmount:
			if n.Value <= 0 {
				v.errorf("%s: fixed_amount value must be positive", path)
			}
		case DiscountFreeShipping:
		default:
			v.errorf("%s: discount_type must be percentage, fixed_amount or free_shipping", path)
		}
		if n.ExpiresInDays < 0 {
			v.errorf("%s: expires_in_days must not be negative", path)
		}
		if n.UsageLimit < 0 {
			v.errorf("%s: usage_limit must not be negative", path)
		}
	case TagAction:
		if n.Operation != TagAdd && n.Operation != TagRemove {
			v.errorf("%s: operation must be add or remove", path)
		}
		if len(n.Tags) == 0 {
			v.errorf("%s: tags is required", path)
		}
		for i, tag := range n.Tags {
			if strings.TrimSpace(tag) == "" {
				v.errorf("%s: tags[%d] is empty", path, i)
			}
		}
	default:
		v.errorf("%s: unsupported action %T", path, a)
	}
}
