package rules

import (
	"strings"
	"time"
)

func evalOrderTotal(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(OrderTotalCondition)
	if !ok {
		return false
	}
	if c.Currency != "" {
		if currency, ok := ec.Lookup("order.currency").(string); ok && !strings.EqualFold(currency, c.Currency) {
			return false
		}
	}
	return Compare(ec.Lookup("order.total_price"), c.Operator, c.Value)
}

func evalOrderItemCount(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(OrderItemCountCondition)
	if !ok {
		return false
	}
	items, ok := lookupList(ec.Payload, "order.line_items")
	if !ok {
		return false
	}
	var total float64
	for _, item := range items {
		if q, ok := toFloat(lookupPath(item, "quantity")); ok {
			total += q
		}
	}
	return Compare(total, c.Operator, c.Value)
}

// lineItemProducts flattens the product attributes of an order's line items.
type lineItemProducts struct {
	ids         map[string]bool
	tags        map[string]bool
	types       map[string]bool
	collections map[string]bool
}

func collectProducts(items []any) lineItemProducts {
	p := lineItemProducts{
		ids:         map[string]bool{},
		tags:        map[string]bool{},
		types:       map[string]bool{},
		collections: map[string]bool{},
	}
	for _, item := range items {
		attr := func(name, flat string) any {
			if v := lookupPath(item, "product."+name); v != nil {
				return v
			}
			return lookupPath(item, flat)
		}
		if id := attr("id", "product_id"); id != nil {
			p.ids[stringify(id)] = true
		}
		if t, ok := attr("product_type", "product_type").(string); ok && t != "" {
			p.types[strings.ToLower(t)] = true
		}
		for _, tag := range stringValues(attr("tags", "tags"), true) {
			p.tags[strings.ToLower(tag)] = true
		}
		if cols, ok := attr("collections", "collections").([]any); ok {
			for _, col := range cols {
				switch cv := col.(type) {
				case map[string]any:
					for _, k := range []string{"id", "handle", "title"} {
						if v, ok := cv[k]; ok && v != nil {
							p.collections[strings.ToLower(stringify(v))] = true
						}
					}
				default:
					p.collections[strings.ToLower(stringify(cv))] = true
				}
			}
		}
	}
	return p
}

// stringValues accepts a list or, when splitComma is set, a comma-separated string.
func stringValues(v any, splitComma bool) []string {
	switch s := v.(type) {
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, strings.TrimSpace(stringify(item)))
		}
		return out
	case []string:
		return s
	case string:
		if !splitComma {
			return []string{s}
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func anyIn(have map[string]bool, want []string, fold bool) bool {
	for _, w := range want {
		if fold {
			w = strings.ToLower(w)
		}
		if have[w] {
			return true
		}
	}
	return false
}

func evalProduct(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(ProductCondition)
	if !ok {
		return false
	}
	items, ok := lookupList(ec.Payload, "order.line_items")
	if !ok {
		return false
	}
	p := collectProducts(items)

	switch c.Operator {
	case OpIn, OpNotIn:
		criteria := 0
		hit := false
		if len(c.ProductIDs) > 0 {
			criteria++
			hit = hit || anyIn(p.ids, c.ProductIDs, false)
		}
		if len(c.ProductTypes) > 0 {
			criteria++
			hit = hit || anyIn(p.types, c.ProductTypes, true)
		}
		if len(c.Collections) > 0 {
			criteria++
			hit = hit || anyIn(p.collections, c.Collections, true)
		}
		if criteria == 0 {
			return false
		}
		if c.Operator == OpIn {
			return hit
		}
		return !hit
	case OpContains:
		return len(c.ProductTags) > 0 && anyIn(p.tags, c.ProductTags, true)
	case OpNotContains:
		return len(c.ProductTags) > 0 && !anyIn(p.tags, c.ProductTags, true)
	}
	return false
}

func evalCustomer(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(CustomerCondition)
	if !ok || c.Field == "" {
		return false
	}
	return Compare(ec.Lookup("customer."+c.Field), c.Operator, c.Value)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimeValue parses an RFC 3339 timestamp or a bare date. Values without
// a zone are interpreted in loc. dateOnly is set for bare dates.
func parseTimeValue(v any, loc *time.Location) (t time.Time, dateOnly bool, ok bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv.In(loc), false, true
	case string:
		s := strings.TrimSpace(tv)
		if d, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
			return d, true, true
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.ParseInLocation(layout, s, loc); err == nil {
				return parsed.In(loc), false, true
			}
		}
	}
	return time.Time{}, false, false
}

func loadLocation(name string) (*time.Location, bool) {
	if name == "" {
		return time.UTC, true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func calendarDay(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

func compareOrdered(a, b int64, op Operator) bool {
	switch op {
	case OpEquals:
		return a == b
	case OpNotEquals:
		return a != b
	case OpGreaterThan:
		return a > b
	case OpGreaterThanOrEqual:
		return a >= b
	case OpLessThan:
		return a < b
	case OpLessThanOrEqual:
		return a <= b
	}
	return false
}

func evalDate(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(DateCondition)
	if !ok {
		return false
	}
	loc, ok := loadLocation(c.Timezone)
	if !ok {
		return false
	}

	var actual time.Time
	switch c.Field {
	case "", "event_date", "now":
		if ec.OccurredAt.IsZero() {
			return false
		}
		actual = ec.OccurredAt.In(loc)
	default:
		parsed, _, ok := parseTimeValue(ec.Lookup(c.Field), loc)
		if !ok {
			return false
		}
		actual = parsed
	}

	expected, dateOnly, ok := parseTimeValue(c.Value, loc)
	if !ok {
		return false
	}
	if dateOnly {
		return compareOrdered(int64(calendarDay(actual)), int64(calendarDay(expected)), c.Operator)
	}
	return compareOrdered(actual.UnixNano(), expected.UnixNano(), c.Operator)
}

func evalDateRange(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(DateRangeCondition)
	if !ok || ec.OccurredAt.IsZero() {
		return false
	}
	loc, ok := loadLocation(c.Timezone)
	if !ok {
		return false
	}
	start, startDateOnly, ok := parseTimeValue(c.StartDate, loc)
	if !ok {
		return false
	}
	end, endDateOnly, ok := parseTimeValue(c.EndDate, loc)
	if !ok {
		return false
	}
	at := ec.OccurredAt.In(loc)

	if c.RecurringYearly {
		md := int(at.Month())*100 + at.Day()
		s := int(start.Month())*100 + start.Day()
		e := int(end.Month())*100 + end.Day()
		if s <= e {
			return md >= s && md <= e
		}
		return md >= s || md <= e
	}

	afterStart := !at.Before(start)
	if startDateOnly {
		afterStart = calendarDay(at) >= calendarDay(start)
	}
	beforeEnd := !at.After(end)
	if endDateOnly {
		beforeEnd = calendarDay(at) <= calendarDay(end)
	}
	return afterStart && beforeEnd
}

// metafieldValue finds namespace/key in a list of {namespace,key,value}
// entries, a flat "namespace.key" map or a nested namespace map.
func metafieldValue(container any, namespace, key string) any {
	switch mf := container.(type) {
	case []any:
		for _, entry := range mf {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if stringify(m["namespace"]) == namespace && stringify(m["key"]) == key {
				return m["value"]
			}
		}
	case map[string]any:
		if v, ok := mf[namespace+"."+key]; ok {
			return v
		}
		if ns, ok := mf[namespace].(map[string]any); ok {
			return ns[key]
		}
	}
	return nil
}

func evalMetafield(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(MetafieldCondition)
	if !ok || c.Namespace == "" || c.Key == "" {
		return false
	}
	switch c.Target {
	case TargetProduct:
		items, ok := lookupList(ec.Payload, "order.line_items")
		if !ok {
			return false
		}
		for _, item := range items {
			container := lookupPath(item, "product.metafields")
			if container == nil {
				container = lookupPath(item, "metafields")
			}
			if Compare(metafieldValue(container, c.Namespace, c.Key), c.Operator, c.Value) {
				return true
			}
		}
		return false
	case TargetCustomer:
		return Compare(metafieldValue(ec.Lookup("customer.metafields"), c.Namespace, c.Key), c.Operator, c.Value)
	case TargetOrder, "":
		return Compare(metafieldValue(ec.Lookup("order.metafields"), c.Namespace, c.Key), c.Operator, c.Value)
	}
	return false
}

func firstPresent(ec *EventContext, paths ...string) any {
	for _, p := range paths {
		if v := ec.Lookup(p); v != nil {
			return v
		}
	}
	return nil
}

func evalTier(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(TierCondition)
	if !ok {
		return false
	}
	tier, ok := firstPresent(ec, "loyalty.tier", "customer.tier").(string)
	if !ok || tier == "" {
		return false
	}
	member := false
	for _, name := range c.TierNames {
		if strings.EqualFold(name, tier) {
			member = true
			break
		}
	}
	switch c.Operator {
	case OpIn, OpEquals:
		return member
	case OpNotIn, OpNotEquals:
		return !member
	}
	return false
}

func evalPoints(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(PointsCondition)
	if !ok {
		return false
	}
	return Compare(firstPresent(ec, "loyalty.points_balance", "customer.points_balance"), c.Operator, c.Value)
}

func evalFrequency(leaf Leaf, ec *EventContext) bool {
	c, ok := leaf.(FrequencyCondition)
	if !ok || c.EventType == "" {
		return false
	}
	if count, ok := ec.FrequencyCounts[frequencyKey(c.EventType, c.TimeWindowDays)]; ok {
		return Compare(count, c.Operator, c.Value)
	}
	return Compare(ec.Lookup("event_counts."+string(c.EventType)), c.Operator, c.Value)
}
