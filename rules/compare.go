package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpContains: true, OpNotContains: true,
	OpIn: true, OpNotIn: true,
	OpStartsWith: true, OpEndsWith: true,
}

// orderingOperators require both operands to be numeric.
var orderingOperators = map[Operator]bool{
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
}

// Compare applies op to actual and expected. A nil actual (missing field) or
// operands of incompatible types yield false. Numeric strings are coerced
// when the other operand is numeric.
func Compare(actual any, op Operator, expected any) bool {
	if actual == nil {
		return false
	}
	switch op {
	case OpEquals:
		return equalValues(actual, expected)
	case OpNotEquals:
		if expected == nil {
			return true
		}
		if !comparableKinds(actual, expected) {
			return false
		}
		return !equalValues(actual, expected)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		e, ok := toFloat(expected)
		if !ok {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > e
		case OpGreaterThanOrEqual:
			return a >= e
		case OpLessThan:
			return a < e
		default:
			return a <= e
		}
	case OpContains:
		return containsValue(actual, expected)
	case OpNotContains:
		if _, isList := toList(actual); !isList && !isScalar(actual) {
			return false
		}
		return !containsValue(actual, expected)
	case OpIn:
		list, ok := toList(expected)
		if !ok {
			return false
		}
		return memberOf(actual, list)
	case OpNotIn:
		list, ok := toList(expected)
		if !ok {
			return false
		}
		return !memberOf(actual, list)
	case OpStartsWith:
		a, e, ok := stringPair(actual, expected)
		return ok && strings.HasPrefix(a, e)
	case OpEndsWith:
		a, e, ok := stringPair(actual, expected)
		return ok && strings.HasSuffix(a, e)
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		if isNumber(a) || isNumber(b) {
			return af == bf
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	if !isScalar(a) || !isScalar(b) {
		aj, err1 := json.Marshal(a)
		bj, err2 := json.Marshal(b)
		return err1 == nil && err2 == nil && string(aj) == string(bj)
	}
	return false
}

// comparableKinds reports whether a and b could ever be equal, so that a
// type mismatch makes not_equals false rather than vacuously true.
func comparableKinds(a, b any) bool {
	_, aNum := toFloat(a)
	_, bNum := toFloat(b)
	if aNum && bNum {
		return true
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr && bStr {
		return true
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool && bBool {
		return true
	}
	return !isScalar(a) && !isScalar(b)
}

func containsValue(actual, expected any) bool {
	if expected == nil {
		return false
	}
	if list, ok := toList(actual); ok {
		needle := strings.ToLower(stringify(expected))
		for _, item := range list {
			if strings.ToLower(stringify(item)) == needle {
				return true
			}
		}
		return false
	}
	if !isScalar(actual) {
		return false
	}
	return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
}

func memberOf(actual any, list []any) bool {
	for _, item := range list {
		if equalValues(actual, item) {
			return true
		}
		if stringify(actual) == stringify(item) && isScalar(actual) && isScalar(item) {
			return true
		}
	}
	return false
}

func stringPair(actual, expected any) (string, string, bool) {
	if !isScalar(actual) || !isScalar(expected) || expected == nil {
		return "", "", false
	}
	return strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)), true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	return isNumber(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case json.Number:
		return s.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
