package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/schedule"
	"github.com/steeldragon666/omniflow/engine/value"
)

// registerBuiltinHandlers installs the intrinsic node types: triggers echo
// their firing context, flow-control nodes route and pace the graph, and
// code nodes evaluate expressions. Action-kind node types are registered
// separately through the action executor.
func registerBuiltinHandlers(e *Engine) {
	intrinsic := map[string]HandlerFunc{
		"manual-trigger":    manualTriggerNode,
		"webhook-trigger":   webhookTriggerNode,
		"schedule-trigger":  scheduleTriggerNode,
		"condition":         conditionNode,
		"switch-condition":  switchConditionNode,
		"delay":             delayNode,
		"data-transform":    dataTransformNode,
		"variable-setter":   variableSetterNode,
		"logger":            loggerNode,
		"javascript-action": javascriptNode,
		"sub-workflow":      subWorkflowNode,
	}
	for t, h := range intrinsic {
		e.handlers[t] = h
	}
}

func manualTriggerNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	return value.Map(map[string]value.Value{
		"triggered": value.Bool(true),
		"timestamp": value.String(nc.engine.now().UTC().Format(time.RFC3339)),
		"data":      value.Map(nc.Input),
	}), nil
}

func webhookTriggerNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	return value.Map(map[string]value.Value{
		"webhook":       value.Bool(true),
		"method":        value.String(nc.ConfigString("method", "POST")),
		"path":          value.String(nc.ConfigString("path", "/")),
		"received_data": value.Map(nc.Input),
	}), nil
}

func scheduleTriggerNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	expr := nc.ConfigString("cron", nc.ConfigString("expression", ""))
	if expr == "" {
		return value.Value{}, fmt.Errorf("schedule-trigger: cron expression is required")
	}
	tz := nc.ConfigString("timezone", "UTC")
	next, err := schedule.NextRun(expr, tz, nc.engine.now())
	if err != nil {
		return value.Value{}, fmt.Errorf("schedule-trigger: %w", err)
	}
	return value.Map(map[string]value.Value{
		"scheduled": value.Bool(true),
		"cron":      value.String(expr),
		"timezone":  value.String(tz),
		"next_run":  value.String(next.Format(time.RFC3339)),
	}), nil
}

// conditionNode evaluates the node's condition set and reports both the
// boolean answer and the per-condition evaluation details. Outgoing edges
// usually guard on previous_outputs.<id>.result.
func conditionNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	res, err := evalNodeConditions(nc)
	if err != nil {
		return value.Value{}, err
	}
	if !res.Success {
		return value.Value{}, fmt.Errorf("condition: %s", firstDetailError(res.Details))
	}
	return value.Map(map[string]value.Value{
		"result":     value.Bool(res.Result),
		"evaluation": detailsValue(res.Details),
	}), nil
}

func evalNodeConditions(nc *NodeContext) (condition.Result, error) {
	if raw, ok := nc.Node.Config["conditions"]; ok {
		var conds []condition.Condition
		if err := decodeConfig(raw, &conds); err != nil {
			return condition.Result{}, fmt.Errorf("condition: decode conditions: %w", err)
		}
		logic := condition.LogicAnd
		if strings.EqualFold(nc.ConfigString("logic", "and"), "or") {
			logic = condition.LogicOr
		}
		return nc.EvaluateGroup(condition.Group{Logic: logic, Conditions: conds}), nil
	}
	if raw, ok := nc.Node.Config["group"]; ok {
		var g condition.Group
		if err := decodeConfig(raw, &g); err != nil {
			return condition.Result{}, fmt.Errorf("condition: decode group: %w", err)
		}
		return nc.EvaluateGroup(g), nil
	}
	if raw, ok := nc.Node.Config["condition"]; ok {
		var c condition.Condition
		if err := decodeConfig(raw, &c); err != nil {
			return condition.Result{}, fmt.Errorf("condition: decode condition: %w", err)
		}
		return nc.Evaluate(c), nil
	}
	return condition.Result{}, fmt.Errorf("condition: one of conditions, group, or condition is required")
}

// switchConditionNode picks the first case whose condition passes. Cases are
// checked in declared order; when none match the configured default label is
// reported instead.
func switchConditionNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	raw, ok := nc.Node.Config["cases"]
	if !ok {
		return value.Value{}, fmt.Errorf("switch-condition: cases is required")
	}
	items, ok := raw.AsList()
	if !ok {
		return value.Value{}, fmt.Errorf("switch-condition: cases must be a list")
	}

	env := nc.Env()
	for i, item := range items {
		m, ok := item.AsMap()
		if !ok {
			return value.Value{}, fmt.Errorf("switch-condition: case %d must be an object", i)
		}
		name := caseName(m, i)
		cond, ok := m["condition"]
		if !ok {
			cond, ok = m["when"]
		}
		if !ok {
			return value.Value{}, fmt.Errorf("switch-condition: case %q has no condition", name)
		}
		pass, err := evalCaseCondition(nc, cond, env)
		if err != nil {
			return value.Value{}, fmt.Errorf("switch-condition: case %q: %w", name, err)
		}
		if pass {
			return value.Map(map[string]value.Value{
				"matched":      value.Bool(true),
				"matched_case": value.String(name),
			}), nil
		}
	}
	return value.Map(map[string]value.Value{
		"matched":      value.Bool(false),
		"default_case": value.String(nc.ConfigString("default", "default")),
	}), nil
}

func caseName(m map[string]value.Value, index int) string {
	for _, key := range []string{"name", "case", "label"} {
		if v, ok := m[key]; ok {
			if s, ok := v.AsString(); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("case_%d", index)
}

func evalCaseCondition(nc *NodeContext, raw value.Value, env map[string]value.Value) (bool, error) {
	if _, isList := raw.AsList(); isList {
		var conds []condition.Condition
		if err := decodeConfig(raw, &conds); err != nil {
			return false, err
		}
		res := nc.EvaluateGroup(condition.Group{Logic: condition.LogicAnd, Conditions: conds})
		if !res.Success {
			return false, fmt.Errorf("%s", firstDetailError(res.Details))
		}
		return res.Result, nil
	}
	return nc.engine.evalConditionValue(raw, env)
}

// delayNode sleeps for the configured duration. The sleep is cancellable:
// execution cancel and the node time budget both cut it short.
func delayNode(ctx context.Context, nc *NodeContext) (value.Value, error) {
	raw, ok := nc.Config("duration")
	if !ok {
		return value.Value{}, fmt.Errorf("delay: duration is required")
	}

	var d time.Duration
	switch {
	case raw.Kind() == value.KindNumber:
		n, _ := raw.AsNumber()
		mult, err := delayUnit(nc.ConfigString("unit", "ms"))
		if err != nil {
			return value.Value{}, err
		}
		d = time.Duration(n * float64(mult))
	case raw.Kind() == value.KindString:
		s, _ := raw.AsString()
		var err error
		d, err = time.ParseDuration(s)
		if err != nil {
			return value.Value{}, fmt.Errorf("delay: parse duration %q: %w", s, err)
		}
	default:
		return value.Value{}, fmt.Errorf("delay: duration must be a number or duration string")
	}
	if d < 0 {
		return value.Value{}, fmt.Errorf("delay: negative duration")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return value.Value{}, ctx.Err()
	case <-timer.C:
	}
	return value.Map(map[string]value.Value{
		"delayed":  value.Bool(true),
		"duration": value.Number(float64(d.Milliseconds())),
	}), nil
}

func delayUnit(unit string) (time.Duration, error) {
	switch strings.ToLower(unit) {
	case "ms", "millisecond", "milliseconds":
		return time.Millisecond, nil
	case "s", "sec", "second", "seconds":
		return time.Second, nil
	case "m", "min", "minute", "minutes":
		return time.Minute, nil
	case "h", "hour", "hours":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("delay: unsupported unit %q", unit)
	}
}

// dataTransformNode reshapes context data. Three operations: map and filter
// run an expression per element of a list, format assembles an object from
// resolved mappings.
func dataTransformNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	op := strings.ToLower(nc.ConfigString("operation", "format"))

	var data value.Value
	switch op {
	case "map", "filter":
		src, ok := nc.Config("data")
		if !ok {
			return value.Value{}, fmt.Errorf("data-transform: data is required for %s", op)
		}
		items, ok := src.AsList()
		if !ok {
			return value.Value{}, fmt.Errorf("data-transform: %s requires list data", op)
		}
		expr := rawConfigString(nc, "expression", "script")
		if expr == "" {
			return value.Value{}, fmt.Errorf("data-transform: expression is required for %s", op)
		}
		out := make([]value.Value, 0, len(items))
		for i, item := range items {
			vars := nc.Env()
			vars["item"] = item
			vars["index"] = value.Number(float64(i))
			res, err := nc.engine.conditions.EvaluateExpression(expr, vars)
			if err != nil {
				return value.Value{}, fmt.Errorf("data-transform: element %d: %w", i, err)
			}
			if op == "map" {
				out = append(out, res)
			} else if res.Truthy() {
				out = append(out, item)
			}
		}
		data = value.List(out...)

	case "format":
		mappings := nc.ConfigMap("mappings")
		if mappings == nil {
			return value.Value{}, fmt.Errorf("data-transform: mappings is required for format")
		}
		data = value.Map(mappings)

	default:
		return value.Value{}, fmt.Errorf("data-transform: unsupported operation %q", op)
	}

	return value.Map(map[string]value.Value{
		"transformed": value.Bool(true),
		"data":        data,
	}), nil
}

func variableSetterNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	vars := nc.ConfigMap("variables")
	if vars == nil {
		return value.Value{}, fmt.Errorf("variable-setter: variables is required")
	}
	for k, v := range vars {
		nc.SetVariable(k, v)
	}
	return value.Map(map[string]value.Value{
		"set":   value.Bool(true),
		"count": value.Number(float64(len(vars))),
	}), nil
}

func loggerNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	msg := nc.ConfigString("message", "")
	ev := nc.Logger.Info()
	switch strings.ToLower(nc.ConfigString("level", "info")) {
	case "debug":
		ev = nc.Logger.Debug()
	case "warn", "warning":
		ev = nc.Logger.Warn()
	case "error":
		ev = nc.Logger.Error()
	}
	ev.Str("node_id", nc.Node.ID).Msg(msg)
	return value.Map(map[string]value.Value{
		"logged": value.Bool(true),
	}), nil
}

// javascriptNode evaluates an expression program against the execution
// context. The script is read raw (no reference resolution) because the
// expression language addresses variables by name itself.
func javascriptNode(_ context.Context, nc *NodeContext) (value.Value, error) {
	src := rawConfigString(nc, "script", "code", "expression")
	if src == "" {
		return value.Value{}, fmt.Errorf("javascript-action: script is required")
	}
	result, err := nc.engine.conditions.EvaluateExpression(src, nc.Env())
	if err != nil {
		return value.Value{}, fmt.Errorf("javascript-action: %w", err)
	}
	return value.Map(map[string]value.Value{
		"executed": value.Bool(true),
		"result":   result,
	}), nil
}

func subWorkflowNode(ctx context.Context, nc *NodeContext) (value.Value, error) {
	workflowID := nc.ConfigString("workflow_id", "")
	if workflowID == "" {
		return value.Value{}, fmt.Errorf("sub-workflow: workflow_id is required")
	}
	childID, err := nc.StartChild(ctx, workflowID, nc.ConfigMap("input"))
	if err != nil {
		return value.Value{}, err
	}
	return value.Map(map[string]value.Value{
		"workflow_execution_id": value.String(childID),
	}), nil
}

// decodeConfig converts a config value into a typed spec through its JSON
// form.
func decodeConfig(v value.Value, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// rawConfigString reads the first present key directly from the node config,
// skipping reference resolution.
func rawConfigString(nc *NodeContext, keys ...string) string {
	for _, key := range keys {
		if v, ok := nc.Node.Config[key]; ok {
			if s, ok := v.AsString(); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func detailsValue(details []condition.Detail) value.Value {
	out := make([]value.Value, 0, len(details))
	for _, d := range details {
		entry := map[string]value.Value{
			"field":    value.String(d.Field),
			"operator": value.String(string(d.Operator)),
			"expected": d.Expected,
			"actual":   d.Actual,
			"result":   value.Bool(d.Result),
		}
		if d.ConditionID != "" {
			entry["condition_id"] = value.String(d.ConditionID)
		}
		if d.Error != "" {
			entry["error"] = value.String(d.Error)
		}
		out = append(out, value.Map(entry))
	}
	return value.List(out...)
}

func firstDetailError(details []condition.Detail) string {
	for _, d := range details {
		if d.Error != "" {
			return d.Error
		}
	}
	return "evaluation failed"
}
