// Package condition implements the deterministic condition evaluator used by
// workflow edges, condition nodes, trigger gates, and webhook bindings.
//
// Evaluation is pure: conditions read the supplied variable map and never
// mutate it, perform I/O, or depend on evaluation order beyond the documented
// AND/OR short-circuiting.
package condition

import (
	"fmt"
	"sync"
	"time"

	"github.com/steeldragon666/omniflow/engine/value"
)

// Operator names the comparison applied by a condition.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpRegex      Operator = "regex"
	OpExists     Operator = "exists"
	OpEmpty      Operator = "empty"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpBetween    Operator = "between"
	OpIsNull     Operator = "isNull"
	OpIsTrue     Operator = "isTrue"
	OpIsFalse    Operator = "isFalse"
	OpHasLength  Operator = "hasLength"
	OpHasKey     Operator = "hasKey"
	OpMatch      Operator = "match"
	OpCustom     Operator = "custom"
)

// Logic combines conditions within a group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is one atomic check against a dotted field path.
type Condition struct {
	ID            string      `json:"id,omitempty"`
	Field         string      `json:"field"`
	Operator      Operator    `json:"operator"`
	Value         value.Value `json:"value,omitempty"`
	CaseSensitive *bool       `json:"case_sensitive,omitempty"`
}

func (c Condition) caseSensitive() bool {
	if c.CaseSensitive == nil {
		return true
	}
	return *c.CaseSensitive
}

// Group is a boolean tree over conditions and nested groups.
type Group struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions,omitempty"`
	Groups     []Group     `json:"groups,omitempty"`
	Negate     bool        `json:"negate,omitempty"`
}

// Detail records the outcome of one atomic condition.
type Detail struct {
	ConditionID string      `json:"condition_id,omitempty"`
	Field       string      `json:"field"`
	Operator    Operator    `json:"operator"`
	Expected    value.Value `json:"expected"`
	Actual      value.Value `json:"actual"`
	Result      bool        `json:"result"`
	Error       string      `json:"error,omitempty"`
}

// Result is the outcome of an evaluation. Success reports that evaluation
// itself completed (bad operators or resolver failures clear it); Result is
// the boolean answer.
type Result struct {
	Success       bool          `json:"success"`
	Result        bool          `json:"result"`
	Details       []Detail      `json:"details"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Func is a registered pure function callable as @name(args) in condition
// values.
type Func func(args []value.Value) (value.Value, error)

// Predicate is a registered custom operator implementation.
type Predicate func(actual value.Value, c Condition) (bool, error)

// Evaluator evaluates conditions and groups. Safe for concurrent use once
// registration is complete.
type Evaluator struct {
	mu         sync.RWMutex
	functions  map[string]Func
	predicates map[string]Predicate
	exprs      *exprCache
	now        func() time.Time
}

// New returns an evaluator with the standard function set registered.
func New() *Evaluator {
	e := &Evaluator{
		functions:  make(map[string]Func),
		predicates: make(map[string]Predicate),
		exprs:      newExprCache(),
		now:        time.Now,
	}
	registerBuiltins(e)
	return e
}

// RegisterFunction makes fn callable as @name(...). Later registrations
// replace earlier ones.
func (e *Evaluator) RegisterFunction(name string, fn Func) {
	e.mu.Lock()
	e.functions[name] = fn
	e.mu.Unlock()
}

// RegisterPredicate installs a named predicate for the custom operator.
func (e *Evaluator) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	e.predicates[name] = p
	e.mu.Unlock()
}

// Evaluate checks a single condition against the variable map.
func (e *Evaluator) Evaluate(c Condition, vars map[string]value.Value) Result {
	start := time.Now()
	detail := e.evalCondition(c, vars)
	return Result{
		Success:       detail.Error == "",
		Result:        detail.Result,
		Details:       []Detail{detail},
		ExecutionTime: time.Since(start),
	}
}

// EvaluateGroup walks the boolean tree. AND short-circuits on the first
// false, OR on the first true; details include only the conditions actually
// evaluated.
func (e *Evaluator) EvaluateGroup(g Group, vars map[string]value.Value) Result {
	start := time.Now()
	res, details, ok := e.evalGroup(g, vars)
	return Result{
		Success:       ok,
		Result:        res,
		Details:       details,
		ExecutionTime: time.Since(start),
	}
}

// EvaluateAll requires every condition in the list to pass (AND).
func (e *Evaluator) EvaluateAll(conds []Condition, vars map[string]value.Value) Result {
	return e.EvaluateGroup(Group{Logic: LogicAnd, Conditions: conds}, vars)
}

func (e *Evaluator) evalGroup(g Group, vars map[string]value.Value) (bool, []Detail, bool) {
	logic := g.Logic
	if logic == "" {
		logic = LogicAnd
	}

	var details []Detail
	success := true

	// Lazy members preserve short-circuit order: conditions first, then
	// nested groups, each in declaration order.
	members := make([]func() bool, 0, len(g.Conditions)+len(g.Groups))
	for _, c := range g.Conditions {
		cond := c
		members = append(members, func() bool {
			d := e.evalCondition(cond, vars)
			details = append(details, d)
			if d.Error != "" {
				success = false
			}
			return d.Result
		})
	}
	for _, sub := range g.Groups {
		sub := sub
		members = append(members, func() bool {
			r, ds, ok := e.evalGroup(sub, vars)
			details = append(details, ds...)
			if !ok {
				success = false
			}
			return r
		})
	}

	// An empty group is vacuously true under AND, false under OR.
	combined := logic == LogicAnd
	for _, member := range members {
		r := member()
		if logic == LogicAnd {
			combined = combined && r
			if !combined {
				break
			}
		} else {
			combined = combined || r
			if combined {
				break
			}
		}
	}

	if g.Negate {
		combined = !combined
	}
	return combined, details, success
}

func (e *Evaluator) evalCondition(c Condition, vars map[string]value.Value) Detail {
	detail := Detail{
		ConditionID: c.ID,
		Field:       c.Field,
		Operator:    c.Operator,
	}

	expected, err := e.Resolve(c.Value, vars)
	if err != nil {
		detail.Error = fmt.Sprintf("resolve value: %v", err)
		return detail
	}
	detail.Expected = expected

	actual, found := value.Lookup(vars, c.Field)
	detail.Actual = actual

	res, evalErr := e.apply(c, expected, actual, found, vars)
	if evalErr != nil {
		detail.Error = evalErr.Error()
		return detail
	}
	detail.Result = res
	return detail
}
