package rules

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the work a single expression may do.
const costLimit = 1000000

// ExpressionEngine compiles and evaluates CEL expressions used for computed
// point amounts. Compiled programs are cached by source text.
// Thread-safe for concurrent compilation and evaluation.
type ExpressionEngine struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewExpressionEngine creates an engine whose expressions can reference the
// payload's top-level objects (order, customer, loyalty) plus event and payload.
func NewExpressionEngine() (*ExpressionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("order", cel.DynType),
		cel.Variable("customer", cel.DynType),
		cel.Variable("loyalty", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks and caches expression.
func (e *ExpressionEngine) Compile(expression string) (cel.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// EvaluateAmount runs expression against ec and returns a whole number of points.
// Fractional results are truncated toward zero.
func (e *ExpressionEngine) EvaluateAmount(expression string, ec *EventContext) (int64, error) {
	prog, err := e.Compile(expression)
	if err != nil {
		return 0, err
	}
	vars := map[string]any{
		"order":    orEmpty(ec.Payload["order"]),
		"customer": orEmpty(ec.Payload["customer"]),
		"loyalty":  orEmpty(ec.Payload["loyalty"]),
		"payload":  ec.Payload,
		"event": map[string]any{
			"type":        string(ec.EventType),
			"id":          ec.EventID,
			"customer_id": ec.CustomerID,
			"tenant_id":   ec.TenantID,
		},
	}
	out, _, err := prog.Eval(vars)
	if err != nil {
		return 0, fmt.Errorf("evaluation error: %w", err)
	}
	f, ok := toFloat(out.Value())
	if !ok {
		return 0, fmt.Errorf("expression returned %T, want a number", out.Value())
	}
	if math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
		return 0, fmt.Errorf("expression result %v out of range", f)
	}
	return int64(f), nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
