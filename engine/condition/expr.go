package condition

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/steeldragon666/omniflow/engine/value"
)

// exprCache compiles expr-lang programs once per source string. Condition
// sets are declared up front and reused across evaluations, so the cache is
// never evicted.
type exprCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]*vm.Program)}
}

// run compiles (or reuses) the program and executes it against env.
func (c *exprCache) run(src string, env map[string]interface{}) (interface{}, error) {
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	c.mu.RLock()
	program, ok := c.programs[src]
	c.mu.RUnlock()

	if !ok {
		var err error
		program, err = expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile: %w", err)
		}
		c.mu.Lock()
		c.programs[src] = program
		c.mu.Unlock()
	}

	return expr.Run(program, env)
}

// EvaluateExpression compiles (once) and runs an expression against the
// variable map. Every variable is addressable by name. Code nodes and data
// transforms evaluate through here so compiled programs are shared with the
// matches_expression operator.
func (e *Evaluator) EvaluateExpression(src string, vars map[string]value.Value) (value.Value, error) {
	env := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		env[k] = v.Interface()
	}
	out, err := e.exprs.run(src, env)
	if err != nil {
		return value.Value{}, err
	}
	return value.From(out), nil
}

// exprEnv builds the evaluation environment for a match expression: every
// context variable is addressable by name, and the field's resolved value is
// bound to "value".
func exprEnv(vars map[string]value.Value, actual value.Value) map[string]interface{} {
	env := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		env[k] = v.Interface()
	}
	env["value"] = actual.Interface()
	return env
}
