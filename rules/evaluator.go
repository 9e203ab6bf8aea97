package rules

import (
	"fmt"
	"sync"

	"github.com/liamcoop/loyaltyrules/internal/logger"
)

// LeafEvaluator decides a single leaf condition against an event.
type LeafEvaluator func(leaf Leaf, ec *EventContext) bool

// Evaluator walks condition trees, dispatching leaves to registered strategies.
// It is safe for concurrent use.
type Evaluator struct {
	leaves map[LeafKind]LeafEvaluator
	mu     sync.RWMutex
}

// NewEvaluator returns an evaluator with every built-in leaf kind registered.
func NewEvaluator() *Evaluator {
	ev := &Evaluator{leaves: make(map[LeafKind]LeafEvaluator)}
	ev.Register(KindOrderTotal, evalOrderTotal)
	ev.Register(KindOrderItemCount, evalOrderItemCount)
	ev.Register(KindProduct, evalProduct)
	ev.Register(KindCustomer, evalCustomer)
	ev.Register(KindDate, evalDate)
	ev.Register(KindDateRange, evalDateRange)
	ev.Register(KindMetafield, evalMetafield)
	ev.Register(KindTier, evalTier)
	ev.Register(KindPoints, evalPoints)
	ev.Register(KindFrequency, evalFrequency)
	return ev
}

// Register installs or replaces the strategy for kind.
func (ev *Evaluator) Register(kind LeafKind, fn LeafEvaluator) {
	ev.mu.Lock()
	ev.leaves[kind] = fn
	ev.mu.Unlock()
}

// Registered reports whether kind has a strategy.
func (ev *Evaluator) Registered(kind LeafKind) bool {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	_, ok := ev.leaves[kind]
	return ok
}

// Evaluate reports whether cond holds for ec. It never panics; anomalies
// resolve to false.
func (ev *Evaluator) Evaluate(cond Condition, ec *EventContext) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCondition("condition evaluation panicked", "panic", fmt.Sprint(r))
			matched = false
		}
	}()
	if ec == nil {
		ec = NewEventContext("", nil)
	}
	return ev.eval(cond, ec)
}

func (ev *Evaluator) eval(cond Condition, ec *EventContext) bool {
	switch c := cond.(type) {
	case nil:
		return false
	case LogicalNode:
		return ev.evalLogical(c, ec)
	case *LogicalNode:
		if c == nil {
			return false
		}
		return ev.evalLogical(*c, ec)
	case Leaf:
		ev.mu.RLock()
		fn, ok := ev.leaves[c.Kind()]
		ev.mu.RUnlock()
		if !ok {
			logger.WarnCondition("no evaluator registered for condition", "kind", string(c.Kind()))
			return false
		}
		return fn(c, ec)
	}
	logger.WarnCondition("unsupported condition node", "node", fmt.Sprintf("%T", cond))
	return false
}

func (ev *Evaluator) evalLogical(n LogicalNode, ec *EventContext) bool {
	switch n.Operator {
	case LogicalAnd:
		for _, child := range n.Children {
			if !ev.eval(child, ec) {
				return false
			}
		}
		return true
	case LogicalOr:
		for _, child := range n.Children {
			if ev.eval(child, ec) {
				return true
			}
		}
		return false
	case LogicalNot:
		if len(n.Children) == 0 {
			return false
		}
		return !ev.eval(n.Children[0], ec)
	}
	logger.WarnCondition("unknown logical operator", "operator", string(n.Operator))
	return false
}

// FrequencyRequirements returns the distinct frequency leaves referenced by cond.
func FrequencyRequirements(cond Condition) []FrequencyCondition {
	var out []FrequencyCondition
	seen := make(map[string]bool)
	var walk func(Condition)
	walk = func(c Condition) {
		switch n := c.(type) {
		case LogicalNode:
			for _, child := range n.Children {
				walk(child)
			}
		case *LogicalNode:
			if n != nil {
				walk(*n)
			}
		case FrequencyCondition:
			key := frequencyKey(n.EventType, n.TimeWindowDays)
			if !seen[key] {
				seen[key] = true
				out = append(out, n)
			}
		}
	}
	walk(cond)
	return out
}
