package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Handler executes one node type. Implementations receive a resolved node
// context and return the node's output value. Returning an error marks the
// node failed; the workflow's error_handling setting decides what happens
// next.
type Handler interface {
	Execute(ctx context.Context, nc *NodeContext) (value.Value, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, nc *NodeContext) (value.Value, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, nc *NodeContext) (value.Value, error) {
	return f(ctx, nc)
}

// NodeContext is the view a handler gets of the running execution. The run
// loop is single-goroutine per execution, so handlers may read and write
// through it without locking; mutations land in the execution context after
// the handler returns.
type NodeContext struct {
	Node        Node
	WorkflowID  string
	ExecutionID string
	TriggerType TriggerType
	Logger      zerolog.Logger

	// Input is the execution's trigger input.
	Input map[string]value.Value
	// Variables is the live variable map: workflow defaults, trigger input
	// merges, and every prior node's output keyed by node id.
	Variables map[string]value.Value
	// Previous holds prior node outputs keyed by node id.
	Previous map[string]value.Value
	// Results lists prior node results in execution order.
	Results []NodeResult
	// Metadata carries execution metadata such as the sub-workflow chain.
	Metadata map[string]value.Value

	engine *Engine
	run    *run

	// sets collects variable writes; the loop merges them into the
	// canonical context only when the handler succeeds.
	sets map[string]value.Value
}

// Config returns a configuration value with $variable and @function
// references resolved against the execution context, recursively through
// lists and maps. Handlers that need the raw form (condition specs resolve
// at evaluation time) read Node.Config directly.
func (nc *NodeContext) Config(key string) (value.Value, bool) {
	raw, ok := nc.Node.Config[key]
	if !ok {
		return value.Value{}, false
	}
	return resolveDeep(nc.engine.conditions, raw, nc.Env()), true
}

// resolveDeep resolves $variable and @function references in every string
// leaf of v. Unresolvable references are kept literal.
func resolveDeep(ev *condition.Evaluator, v value.Value, env map[string]value.Value) value.Value {
	switch v.Kind() {
	case value.KindString:
		resolved, err := ev.Resolve(v, env)
		if err != nil {
			return v
		}
		return resolved
	case value.KindList:
		items, _ := v.AsList()
		out := make([]value.Value, len(items))
		for i, item := range items {
			out[i] = resolveDeep(ev, item, env)
		}
		return value.List(out...)
	case value.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]value.Value, len(m))
		for k, item := range m {
			out[k] = resolveDeep(ev, item, env)
		}
		return value.Map(out)
	default:
		return v
	}
}

// ConfigString returns a string config entry, or def when missing or not a
// string.
func (nc *NodeContext) ConfigString(key, def string) string {
	v, ok := nc.Config(key)
	if !ok {
		return def
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}

// ConfigNumber returns a numeric config entry, or def. Numeric strings are
// accepted.
func (nc *NodeContext) ConfigNumber(key string, def float64) float64 {
	v, ok := nc.Config(key)
	if !ok {
		return def
	}
	if n, ok := v.AsNumber(); ok {
		return n
	}
	if s, ok := v.AsString(); ok {
		var n float64
		if _, err := fmt.Sscanf(s, "%g", &n); err == nil {
			return n
		}
	}
	return def
}

// ConfigBool returns a boolean config entry, or def.
func (nc *NodeContext) ConfigBool(key string, def bool) bool {
	v, ok := nc.Config(key)
	if !ok {
		return def
	}
	if b, ok := v.AsBool(); ok {
		return b
	}
	return def
}

// ConfigDuration reads a duration config entry: either a number of
// milliseconds or a Go duration string such as "1500ms" or "2s".
func (nc *NodeContext) ConfigDuration(key string, def time.Duration) time.Duration {
	v, ok := nc.Config(key)
	if !ok {
		return def
	}
	if n, ok := v.AsNumber(); ok {
		return time.Duration(n) * time.Millisecond
	}
	if s, ok := v.AsString(); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// ConfigMap returns a map config entry, or nil.
func (nc *NodeContext) ConfigMap(key string) map[string]value.Value {
	v, ok := nc.Config(key)
	if !ok {
		return nil
	}
	m, _ := v.AsMap()
	return m
}

// SetVariable writes a context variable visible to subsequent nodes. The
// write lands only if the node succeeds.
func (nc *NodeContext) SetVariable(key string, v value.Value) {
	nc.Variables[key] = v
	nc.sets[key] = v
}

// Secret returns a secret by name. Secrets never appear in output,
// snapshots, or logs.
func (nc *NodeContext) Secret(name string) (string, bool) {
	s, ok := nc.run.exec.Context.Secrets[name]
	return s, ok
}

// Env builds the evaluation environment: every variable at the top level
// plus the reserved input, metadata, and previous_outputs trees.
func (nc *NodeContext) Env() map[string]value.Value {
	env := make(map[string]value.Value, len(nc.Variables)+3)
	for k, v := range nc.Variables {
		env[k] = v
	}
	env["input"] = value.Map(nc.Input)
	env["metadata"] = value.Map(nc.Metadata)
	env["previous_outputs"] = value.Map(nc.Previous)
	return env
}

// Evaluate runs a condition against the execution environment.
func (nc *NodeContext) Evaluate(c condition.Condition) condition.Result {
	return nc.engine.conditions.Evaluate(c, nc.Env())
}

// EvaluateGroup runs a condition group against the execution environment.
func (nc *NodeContext) EvaluateGroup(g condition.Group) condition.Result {
	return nc.engine.conditions.EvaluateGroup(g, nc.Env())
}

// StartChild launches a child execution of another workflow and returns its
// execution id without waiting for it to finish. The child inherits this
// execution's chain metadata for recursion protection and runs with
// trigger type chain.
func (nc *NodeContext) StartChild(ctx context.Context, workflowID string, input map[string]value.Value) (string, error) {
	return nc.engine.startChild(ctx, nc, workflowID, input)
}
