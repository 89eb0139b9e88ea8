package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/value"
)

// captureEmitter records every event for order and payload assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (c *captureEmitter) Emit(ev emit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) all() []emit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emit.Event(nil), c.events...)
}

func (c *captureEmitter) count(name emit.Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// gateHandler blocks inside a node until released, signalling entry so tests
// can pause or cancel executions with a node reliably in flight.
type gateHandler struct {
	entered chan struct{}
	release chan struct{}
}

func newGateHandler() *gateHandler {
	return &gateHandler{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gateHandler) Execute(ctx context.Context, _ *NodeContext) (value.Value, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return value.Map(map[string]value.Value{"gated": value.Bool(true)}), nil
	case <-ctx.Done():
		return value.Value{}, ctx.Err()
	}
}

type notifyRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (n *notifyRecorder) Notify(_ context.Context, channel, title, message string, _ map[string]value.Value) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, channel+"|"+title+"|"+message)
	return nil
}

func (n *notifyRecorder) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// newTestEngine builds and starts an engine. The lifecycle context is
// cancelled and the engine drained on cleanup.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	eng, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})
	return eng
}

func testNode(id, typ string, cfg map[string]value.Value) Node {
	return Node{ID: id, Name: id, Type: typ, Config: cfg}
}

func link(source, target string) Edge {
	return Edge{ID: source + "->" + target, Source: source, Target: target}
}

func guarded(source, target string, c condition.Condition) Edge {
	e := link(source, target)
	e.Condition = &c
	return e
}

func testDef(id string, nodes []Node, edges ...Edge) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:     id,
		Name:   id,
		Active: true,
		Nodes:  nodes,
		Edges:  edges,
	}
}

// linearDef is a trigger-then-log two-node workflow for tests that only need
// something executable.
func linearDef(id string) *WorkflowDefinition {
	return testDef(id,
		[]Node{
			testNode("ping", "manual-trigger", nil),
			testNode("pong", "logger", map[string]value.Value{"message": value.String("pong")}),
		},
		link("ping", "pong"),
	)
}

func mustRegister(t *testing.T, eng *Engine, def *WorkflowDefinition) *WorkflowDefinition {
	t.Helper()
	stored, err := eng.Register(def)
	if err != nil {
		t.Fatalf("Register %s: %v", def.ID, err)
	}
	return stored
}

func mustExecute(t *testing.T, eng *Engine, workflowID string, input map[string]value.Value) *Execution {
	t.Helper()
	ex, err := eng.Execute(context.Background(), workflowID, input, TriggerManual)
	if err != nil {
		t.Fatalf("Execute %s: %v", workflowID, err)
	}
	return ex
}

func waitStatus(t *testing.T, eng *Engine, id string, want Status) *Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ex, err := eng.GetExecution(id)
		if err != nil {
			t.Fatalf("GetExecution %s: %v", id, err)
		}
		if ex.Status == want {
			return ex
		}
		time.Sleep(2 * time.Millisecond)
	}
	last := "unknown"
	if ex, err := eng.GetExecution(id); err == nil {
		last = string(ex.Status)
	}
	t.Fatalf("execution %s never reached %s (last status %s)", id, want, last)
	return nil
}

func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func resultFor(t *testing.T, ex *Execution, nodeID string) NodeResult {
	t.Helper()
	for _, res := range ex.NodeResults {
		if res.NodeID == nodeID {
			return res
		}
	}
	t.Fatalf("execution %s has no result for node %s", ex.ID, nodeID)
	return NodeResult{}
}

func skipReason(t *testing.T, res NodeResult) string {
	t.Helper()
	m, ok := res.Output.AsMap()
	if !ok {
		t.Fatalf("skip output for node %s is not a map", res.NodeID)
	}
	s, _ := m["reason"].AsString()
	return s
}

func hasIssue(res ValidationResult, code string) bool {
	for _, issue := range res.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestRegisterLifecycle(t *testing.T) {
	eng := newTestEngine(t)

	t.Run("nil definition is rejected", func(t *testing.T) {
		_, err := eng.Register(nil)
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != CodeInvalidWorkflow {
			t.Fatalf("expected INVALID_WORKFLOW engine error, got %v", err)
		}
	})

	t.Run("validation failure surfaces the first issue", func(t *testing.T) {
		_, err := eng.Register(&WorkflowDefinition{ID: "empty", Name: "empty", Active: true})
		var ee *EngineError
		if !errors.As(err, &ee) {
			t.Fatalf("expected engine error, got %v", err)
		}
		if ee.Code != CodeInvalidWorkflow || !strings.Contains(ee.Message, "failed validation") {
			t.Errorf("unexpected rejection: %v", err)
		}
	})

	t.Run("new workflow gets version 1", func(t *testing.T) {
		stored := mustRegister(t, eng, linearDef("order-flow"))
		if stored.Version != 1 {
			t.Errorf("expected version 1, got %d", stored.Version)
		}
		if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be stamped")
		}
	})

	t.Run("caller supplied versions are preserved", func(t *testing.T) {
		def := linearDef("versioned-flow")
		def.Version = 7
		stored := mustRegister(t, eng, def)
		if stored.Version != 7 {
			t.Errorf("expected version 7, got %d", stored.Version)
		}
	})

	t.Run("identical re-register is a no-op", func(t *testing.T) {
		again := mustRegister(t, eng, linearDef("order-flow"))
		if again.Version != 1 {
			t.Errorf("expected version to stay 1, got %d", again.Version)
		}
	})

	t.Run("changed content bumps the version", func(t *testing.T) {
		first, err := eng.GetWorkflow("order-flow")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		changed := linearDef("order-flow")
		changed.Description = "handles purchase orders"
		stored := mustRegister(t, eng, changed)
		if stored.Version != 2 {
			t.Errorf("expected version 2, got %d", stored.Version)
		}
		if !stored.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("expected created_at preserved across versions, got %v want %v", stored.CreatedAt, first.CreatedAt)
		}
	})

	t.Run("returned definitions are copies", func(t *testing.T) {
		got, err := eng.GetWorkflow("order-flow")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		got.Nodes[0].Name = "mutated"
		fresh, err := eng.GetWorkflow("order-flow")
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if fresh.Nodes[0].Name == "mutated" {
			t.Error("mutating a returned definition leaked into the stored copy")
		}
	})

	t.Run("workflows are listed sorted by id", func(t *testing.T) {
		mustRegister(t, eng, linearDef("alpha-flow"))
		defs := eng.Workflows()
		ids := make([]string, len(defs))
		for i, d := range defs {
			ids[i] = d.ID
		}
		if !sort.StringsAreSorted(ids) {
			t.Errorf("expected sorted workflow ids, got %v", ids)
		}
	})

	t.Run("deregister refuses unknown id", func(t *testing.T) {
		if err := eng.Deregister("nope"); !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
	})

	t.Run("deregister refuses while executions run", func(t *testing.T) {
		gate := newGateHandler()
		if err := eng.RegisterNodeHandler("gate", gate); err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		mustRegister(t, eng, testDef("busy-flow", []Node{testNode("hold", "gate", nil)}))
		ex, err := eng.ExecuteAsync("busy-flow", nil, TriggerManual)
		if err != nil {
			t.Fatalf("ExecuteAsync: %v", err)
		}
		awaitSignal(t, gate.entered, "gate node to start")

		if err := eng.Deregister("busy-flow"); !errors.Is(err, ErrExecutionsRunning) {
			t.Fatalf("expected ErrExecutionsRunning, got %v", err)
		}

		close(gate.release)
		waitStatus(t, eng, ex.ID, StatusCompleted)
		if err := eng.Deregister("busy-flow"); err != nil {
			t.Fatalf("Deregister after completion: %v", err)
		}
		if _, err := eng.GetWorkflow("busy-flow"); !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound after deregister, got %v", err)
		}
	})
}

func TestValidateDefinition(t *testing.T) {
	eng := newTestEngine(t)

	cases := []struct {
		name     string
		def      *WorkflowDefinition
		wantCode string
	}{
		{
			name:     "missing workflow id",
			def:      testDef("", []Node{testNode("a", "logger", nil)}),
			wantCode: CodeInvalidWorkflow,
		},
		{
			name:     "no nodes",
			def:      testDef("empty", nil),
			wantCode: CodeInvalidWorkflow,
		},
		{
			name: "duplicate node ids",
			def: testDef("dup", []Node{
				testNode("a", "logger", nil),
				testNode("a", "logger", nil),
			}),
			wantCode: CodeInvalidWorkflow,
		},
		{
			name:     "empty node id",
			def:      testDef("anon", []Node{testNode("", "logger", nil)}),
			wantCode: CodeInvalidWorkflow,
		},
		{
			name:     "unknown node type",
			def:      testDef("mystery", []Node{testNode("a", "quantum-resolver", nil)}),
			wantCode: CodeUnknownNodeType,
		},
		{
			name: "edge references missing node",
			def: testDef("dangling",
				[]Node{testNode("a", "logger", nil)},
				link("a", "ghost"),
			),
			wantCode: CodeInvalidWorkflow,
		},
		{
			name: "no start node",
			def: testDef("loop",
				[]Node{testNode("a", "logger", nil), testNode("b", "logger", nil)},
				link("a", "b"), link("b", "a"),
			),
			wantCode: CodeNoStartNode,
		},
		{
			name: "cycle detected",
			def: testDef("cycle",
				[]Node{testNode("a", "logger", nil), testNode("b", "logger", nil)},
				link("a", "b"), link("b", "a"),
			),
			wantCode: CodeCycleDetected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := eng.Validate(tc.def)
			if res.Valid {
				t.Fatal("expected validation to fail")
			}
			if !hasIssue(res, tc.wantCode) {
				t.Errorf("expected issue %s, got %+v", tc.wantCode, res.Errors)
			}
		})
	}

	t.Run("valid definition passes", func(t *testing.T) {
		res := eng.Validate(linearDef("fine"))
		if !res.Valid || len(res.Errors) != 0 {
			t.Errorf("expected valid result, got %+v", res.Errors)
		}
	})
}

func TestRegisterNodeHandler(t *testing.T) {
	eng := newTestEngine(t)

	t.Run("empty type is rejected", func(t *testing.T) {
		err := eng.RegisterNodeHandler("", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			return value.Value{}, nil
		}))
		if err == nil {
			t.Fatal("expected error for empty node type")
		}
	})

	t.Run("nil handler is rejected", func(t *testing.T) {
		if err := eng.RegisterNodeHandler("custom", nil); err == nil {
			t.Fatal("expected error for nil handler")
		}
	})

	t.Run("custom types appear in the sorted registry", func(t *testing.T) {
		err := eng.RegisterNodeHandler("audit-log", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			return value.Bool(true), nil
		}))
		if err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		types := eng.NodeTypes()
		if !sort.StringsAreSorted(types) {
			t.Errorf("expected sorted node types, got %v", types)
		}
		found := false
		for _, typ := range types {
			if typ == "audit-log" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected audit-log in node types, got %v", types)
		}
	})

	t.Run("later registration replaces builtins", func(t *testing.T) {
		err := eng.RegisterNodeHandler("logger", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			return value.String("replaced"), nil
		}))
		if err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		mustRegister(t, eng, testDef("override-flow", []Node{testNode("say", "logger", nil)}))
		ex := mustExecute(t, eng, "override-flow", nil)
		out, ok := ex.Context.Output["say"]
		if !ok {
			t.Fatal("expected output from say node")
		}
		if s, _ := out.AsString(); s != "replaced" {
			t.Errorf("expected replacement handler output, got %v", out)
		}
	})
}

func TestExecuteLinearFlow(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, testDef("greeting",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("set", "variable-setter", map[string]value.Value{
				"variables": value.Map(map[string]value.Value{"greeting": value.String("hello")}),
			}),
			testNode("script", "javascript-action", map[string]value.Value{
				"script": value.String(`greeting + " world"`),
			}),
		},
		link("start", "set"), link("set", "script"),
	))

	ex := mustExecute(t, eng, "greeting", nil)

	if ex.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error %q)", ex.Status, ex.Error)
	}
	if ex.Progress != 100 {
		t.Errorf("expected progress 100, got %d", ex.Progress)
	}
	if ex.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if ex.WorkflowName != "greeting" || ex.Version != 1 {
		t.Errorf("expected workflow name/version stamped, got %q v%d", ex.WorkflowName, ex.Version)
	}

	if len(ex.NodeResults) != 3 {
		t.Fatalf("expected 3 node results, got %d", len(ex.NodeResults))
	}
	for i, want := range []string{"start", "set", "script"} {
		if ex.NodeResults[i].NodeID != want {
			t.Errorf("result %d: expected node %s, got %s", i, want, ex.NodeResults[i].NodeID)
		}
		if ex.NodeResults[i].Status != NodeSuccess {
			t.Errorf("result %d: expected success, got %s", i, ex.NodeResults[i].Status)
		}
	}

	if g, _ := ex.Context.Variables["greeting"].AsString(); g != "hello" {
		t.Errorf("expected SetVariable write to land, got %v", ex.Context.Variables["greeting"])
	}
	if _, ok := ex.Context.Variables["start"]; !ok {
		t.Error("expected node output recorded under its id")
	}

	if len(ex.Context.Output) != 1 {
		t.Fatalf("expected one leaf output, got %v", ex.Context.Output)
	}
	out, ok := ex.Context.Output["script"]
	if !ok {
		t.Fatal("expected leaf output keyed by node id")
	}
	m, ok := out.AsMap()
	if !ok {
		t.Fatalf("expected map output, got %v", out)
	}
	if s, _ := m["result"].AsString(); s != "hello world" {
		t.Errorf("expected expression result %q, got %v", "hello world", m["result"])
	}

	if ex.Stats == nil {
		t.Fatal("expected terminal stats")
	}
	if ex.Stats.Nodes != 3 || ex.Stats.Succeeded != 3 || ex.Stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", ex.Stats)
	}
	if ex.Stats.ByType["variable-setter"].Count != 1 {
		t.Errorf("expected by-type counts, got %+v", ex.Stats.ByType)
	}
}

func TestExecuteDefaultsToManualTrigger(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, linearDef("default-trigger"))

	ex, err := eng.Execute(context.Background(), "default-trigger", nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ex.TriggerType != TriggerManual {
		t.Errorf("expected manual trigger, got %s", ex.TriggerType)
	}
}

func TestExecuteGates(t *testing.T) {
	t.Run("unknown workflow", func(t *testing.T) {
		eng := newTestEngine(t)
		_, err := eng.Execute(context.Background(), "missing", nil, TriggerManual)
		if !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
	})

	t.Run("engine not started", func(t *testing.T) {
		eng, err := New(WithLogger(zerolog.Nop()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Register(linearDef("early")); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := eng.Execute(context.Background(), "early", nil, TriggerManual); !errors.Is(err, ErrEngineStopped) {
			t.Fatalf("expected ErrEngineStopped, got %v", err)
		}
	})

	t.Run("double start is rejected", func(t *testing.T) {
		eng := newTestEngine(t)
		if err := eng.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "already started") {
			t.Fatalf("expected already-started error, got %v", err)
		}
	})

	t.Run("inactive workflow blocks automated triggers", func(t *testing.T) {
		eng := newTestEngine(t)
		def := linearDef("dormant")
		def.Active = false
		mustRegister(t, eng, def)

		_, err := eng.Execute(context.Background(), "dormant", nil, TriggerWebhook)
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != CodeInvalidWorkflow {
			t.Fatalf("expected INVALID_WORKFLOW for automated trigger, got %v", err)
		}

		ex := mustExecute(t, eng, "dormant", nil)
		if ex.Status != StatusCompleted {
			t.Errorf("expected manual run of inactive workflow to complete, got %s", ex.Status)
		}
	})
}

func TestErrorHandlingStop(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	mustRegister(t, eng, testDef("brittle",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("boom", "explode", nil),
			testNode("after", "logger", nil),
		},
		link("start", "boom"), link("boom", "after"),
	))

	ex := mustExecute(t, eng, "brittle", nil)

	if ex.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", ex.Status)
	}
	if !strings.Contains(ex.Error, "exploded on purpose") {
		t.Errorf("expected node error on the execution, got %q", ex.Error)
	}
	if len(ex.NodeResults) != 2 {
		t.Fatalf("expected execution to stop after the failure, got %d results", len(ex.NodeResults))
	}
	if res := resultFor(t, ex, "boom"); res.Status != NodeFailure {
		t.Errorf("expected boom to fail, got %s", res.Status)
	}
	if ex.CurrentNode != "boom" {
		t.Errorf("expected failed node to stay visible as current_node, got %q", ex.CurrentNode)
	}
}

func TestErrorHandlingContinue(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	def := testDef("resilient",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("boom", "explode", nil),
			testNode("after", "logger", nil),
		},
		link("start", "boom"), link("boom", "after"),
	)
	def.Settings.ErrorHandling = ErrorHandlingContinue
	mustRegister(t, eng, def)

	ex := mustExecute(t, eng, "resilient", nil)

	if ex.Status != StatusCompleted {
		t.Fatalf("expected completed under continue, got %s (error %q)", ex.Status, ex.Error)
	}
	if len(ex.NodeResults) != 3 {
		t.Fatalf("expected all 3 nodes dispatched, got %d", len(ex.NodeResults))
	}
	if res := resultFor(t, ex, "after"); res.Status != NodeSuccess {
		t.Errorf("expected successor of failed node to run under continue, got %s", res.Status)
	}
	if ex.Stats.Failed != 1 || ex.Stats.Succeeded != 2 {
		t.Errorf("unexpected stats %+v", ex.Stats)
	}
}

func TestErrorHandlingRetry(t *testing.T) {
	retrySettings := func(maxRetries int) Settings {
		return Settings{
			ErrorHandling: ErrorHandlingRetry,
			RetryPolicy: &fault.RetryPolicy{
				Enabled:      true,
				MaxRetries:   maxRetries,
				Backoff:      fault.BackoffFixed,
				InitialDelay: time.Millisecond,
			},
		}
	}

	t.Run("retryable failure eventually succeeds", func(t *testing.T) {
		eng := newTestEngine(t)
		var calls atomic.Int32
		err := eng.RegisterNodeHandler("flaky", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			if calls.Add(1) <= 2 {
				return value.Value{}, errors.New("upstream connection refused")
			}
			return value.Bool(true), nil
		}))
		if err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		def := testDef("flaky-flow", []Node{testNode("fetch", "flaky", nil)})
		def.Settings = retrySettings(3)
		mustRegister(t, eng, def)

		ex := mustExecute(t, eng, "flaky-flow", nil)

		if ex.Status != StatusCompleted {
			t.Fatalf("expected completed, got %s (error %q)", ex.Status, ex.Error)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("expected 3 handler calls, got %d", got)
		}
		if res := resultFor(t, ex, "fetch"); res.RetryCount != 2 {
			t.Errorf("expected retry count 2 on the result, got %d", res.RetryCount)
		}
		if ex.RetryCount != 2 {
			t.Errorf("expected execution retry count 2, got %d", ex.RetryCount)
		}
	})

	t.Run("non-retryable failure stops immediately", func(t *testing.T) {
		eng := newTestEngine(t)
		var calls atomic.Int32
		err := eng.RegisterNodeHandler("rigid", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			calls.Add(1)
			return value.Value{}, errors.New("validation failed: bad payload")
		}))
		if err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		def := testDef("rigid-flow", []Node{testNode("check", "rigid", nil)})
		def.Settings = retrySettings(3)
		mustRegister(t, eng, def)

		ex := mustExecute(t, eng, "rigid-flow", nil)

		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("expected a single attempt for a non-retryable error, got %d", got)
		}
		if res := resultFor(t, ex, "check"); res.RetryCount != 0 {
			t.Errorf("expected retry count 0, got %d", res.RetryCount)
		}
	})

	t.Run("exhausted retries fail the execution", func(t *testing.T) {
		eng := newTestEngine(t)
		var calls atomic.Int32
		err := eng.RegisterNodeHandler("doomed", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
			calls.Add(1)
			return value.Value{}, errors.New("connection refused by peer")
		}))
		if err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		def := testDef("doomed-flow", []Node{testNode("dial", "doomed", nil)})
		def.Settings = retrySettings(2)
		mustRegister(t, eng, def)

		ex := mustExecute(t, eng, "doomed-flow", nil)

		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("expected initial try plus 2 retries, got %d calls", got)
		}
		if res := resultFor(t, ex, "dial"); res.RetryCount != 2 {
			t.Errorf("expected retry count 2, got %d", res.RetryCount)
		}
		if ex.MaxRetries != 2 {
			t.Errorf("expected max retries stamped from the policy, got %d", ex.MaxRetries)
		}
	})
}

func TestEdgeGuards(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, testDef("routing",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("big", "logger", nil),
			testNode("small", "logger", nil),
		},
		guarded("start", "big", condition.Condition{Field: "amount", Operator: condition.OpGt, Value: value.Number(100)}),
		guarded("start", "small", condition.Condition{Field: "amount", Operator: condition.OpLte, Value: value.Number(100)}),
	))

	ex := mustExecute(t, eng, "routing", map[string]value.Value{"amount": value.Number(250)})

	if ex.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error %q)", ex.Status, ex.Error)
	}
	if res := resultFor(t, ex, "big"); res.Status != NodeSuccess {
		t.Errorf("expected big branch to run, got %s", res.Status)
	}
	small := resultFor(t, ex, "small")
	if small.Status != NodeSkipped {
		t.Fatalf("expected small branch skipped, got %s", small.Status)
	}
	if reason := skipReason(t, small); reason != "no active incoming edge" {
		t.Errorf("unexpected skip reason %q", reason)
	}
	if ex.Stats.Skipped != 1 {
		t.Errorf("expected 1 skipped node in stats, got %d", ex.Stats.Skipped)
	}
}

func TestDisabledNodeSkipPropagation(t *testing.T) {
	eng := newTestEngine(t)
	def := testDef("dormant-middle",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("mid", "logger", nil),
			testNode("end", "logger", nil),
		},
		link("start", "mid"), link("mid", "end"),
	)
	def.Nodes[1].Disabled = true
	mustRegister(t, eng, def)

	ex := mustExecute(t, eng, "dormant-middle", nil)

	if ex.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", ex.Status)
	}
	mid := resultFor(t, ex, "mid")
	if mid.Status != NodeSkipped || skipReason(t, mid) != "node disabled" {
		t.Errorf("expected mid skipped as disabled, got %s %q", mid.Status, skipReason(t, mid))
	}
	end := resultFor(t, ex, "end")
	if end.Status != NodeSkipped || skipReason(t, end) != "no active incoming edge" {
		t.Errorf("expected skip to propagate to end, got %s %q", end.Status, skipReason(t, end))
	}
	if ex.Stats.Skipped != 2 || ex.Stats.Succeeded != 1 {
		t.Errorf("unexpected stats %+v", ex.Stats)
	}
}

func TestPreconditions(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, testDef("conditional-step",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("send", "logger", map[string]value.Value{
				"precondition": value.Map(map[string]value.Value{
					"field":    value.String("notify"),
					"operator": value.String("isTrue"),
				}),
			}),
		},
		link("start", "send"),
	))

	t.Run("false precondition skips the node", func(t *testing.T) {
		ex := mustExecute(t, eng, "conditional-step", map[string]value.Value{"notify": value.Bool(false)})
		if ex.Status != StatusCompleted {
			t.Fatalf("expected completed, got %s", ex.Status)
		}
		send := resultFor(t, ex, "send")
		if send.Status != NodeSkipped || skipReason(t, send) != "precondition not met" {
			t.Errorf("expected precondition skip, got %s %q", send.Status, skipReason(t, send))
		}
	})

	t.Run("true precondition runs the node", func(t *testing.T) {
		ex := mustExecute(t, eng, "conditional-step", map[string]value.Value{"notify": value.Bool(true)})
		if res := resultFor(t, ex, "send"); res.Status != NodeSuccess {
			t.Errorf("expected send to run, got %s", res.Status)
		}
	})

	t.Run("bare boolean precondition", func(t *testing.T) {
		mustRegister(t, eng, testDef("hard-off",
			[]Node{
				testNode("start", "manual-trigger", nil),
				testNode("never", "logger", map[string]value.Value{
					"precondition": value.Bool(false),
				}),
			},
			link("start", "never"),
		))
		ex := mustExecute(t, eng, "hard-off", nil)
		if res := resultFor(t, ex, "never"); res.Status != NodeSkipped {
			t.Errorf("expected literal false precondition to skip, got %s", res.Status)
		}
	})
}

func TestPauseResume(t *testing.T) {
	capture := &captureEmitter{}
	eng := newTestEngine(t, WithEmitter(capture))
	gate := newGateHandler()
	if err := eng.RegisterNodeHandler("gate", gate); err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	mustRegister(t, eng, testDef("pausable",
		[]Node{
			testNode("hold", "gate", nil),
			testNode("tail", "logger", nil),
		},
		link("hold", "tail"),
	))

	ex, err := eng.ExecuteAsync("pausable", nil, TriggerManual)
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	awaitSignal(t, gate.entered, "gate node to start")

	if err := eng.Pause(ex.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// A second pause while the request is pending is a no-op.
	if err := eng.Pause(ex.ID); err != nil {
		t.Fatalf("repeat Pause: %v", err)
	}

	close(gate.release)
	waitStatus(t, eng, ex.ID, StatusPaused)

	if err := eng.Pause(ex.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition pausing a paused execution, got %v", err)
	}

	if err := eng.Resume(ex.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final := waitStatus(t, eng, ex.ID, StatusCompleted)
	if res := resultFor(t, final, "tail"); res.Status != NodeSuccess {
		t.Errorf("expected tail to run after resume, got %s", res.Status)
	}

	if err := eng.Resume(ex.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition resuming a completed execution, got %v", err)
	}

	if capture.count(emit.WorkflowPaused) != 1 {
		t.Errorf("expected 1 paused event, got %d", capture.count(emit.WorkflowPaused))
	}
	if capture.count(emit.WorkflowResumed) != 1 {
		t.Errorf("expected 1 resumed event, got %d", capture.count(emit.WorkflowResumed))
	}

	t.Run("pause requires a running execution", func(t *testing.T) {
		if err := eng.Pause(ex.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if err := eng.Pause("exec_missing"); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("expected ErrExecutionNotFound, got %v", err)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("cancel interrupts the node in flight", func(t *testing.T) {
		eng := newTestEngine(t)
		gate := newGateHandler()
		if err := eng.RegisterNodeHandler("gate", gate); err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		mustRegister(t, eng, testDef("cancellable", []Node{testNode("hold", "gate", nil)}))

		ex, err := eng.ExecuteAsync("cancellable", nil, TriggerManual)
		if err != nil {
			t.Fatalf("ExecuteAsync: %v", err)
		}
		awaitSignal(t, gate.entered, "gate node to start")

		if err := eng.Cancel(ex.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		final := waitStatus(t, eng, ex.ID, StatusCancelled)
		if final.Error != "execution cancelled" {
			t.Errorf("unexpected terminal error %q", final.Error)
		}
		if res := resultFor(t, final, "hold"); res.Status != NodeFailure || !strings.Contains(res.Error, "context canceled") {
			t.Errorf("expected interrupted node recorded as failure, got %s %q", res.Status, res.Error)
		}

		if err := eng.Cancel(ex.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition cancelling a terminal execution, got %v", err)
		}
	})

	t.Run("cancel while waiting for a slot", func(t *testing.T) {
		eng := newTestEngine(t, WithConfig(Config{MaxConcurrent: 1}))
		gate := newGateHandler()
		if err := eng.RegisterNodeHandler("gate", gate); err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		mustRegister(t, eng, testDef("slot-hog", []Node{testNode("hold", "gate", nil)}))
		mustRegister(t, eng, linearDef("queued"))

		holder, err := eng.ExecuteAsync("slot-hog", nil, TriggerManual)
		if err != nil {
			t.Fatalf("ExecuteAsync: %v", err)
		}
		awaitSignal(t, gate.entered, "gate node to start")

		queued, err := eng.ExecuteAsync("queued", nil, TriggerManual)
		if err != nil {
			t.Fatalf("ExecuteAsync: %v", err)
		}
		if err := eng.Cancel(queued.ID); err != nil {
			t.Fatalf("Cancel pending execution: %v", err)
		}
		final := waitStatus(t, eng, queued.ID, StatusCancelled)
		if final.Error != "cancelled before start" {
			t.Errorf("unexpected terminal error %q", final.Error)
		}
		if len(final.NodeResults) != 0 {
			t.Errorf("expected no node results for an execution cancelled in pending, got %d", len(final.NodeResults))
		}

		close(gate.release)
		waitStatus(t, eng, holder.ID, StatusCompleted)
	})

	t.Run("cancel unknown execution", func(t *testing.T) {
		eng := newTestEngine(t)
		if err := eng.Cancel("exec_missing"); !errors.Is(err, ErrExecutionNotFound) {
			t.Fatalf("expected ErrExecutionNotFound, got %v", err)
		}
	})
}

func TestNodeTimeouts(t *testing.T) {
	slow := HandlerFunc(func(ctx context.Context, _ *NodeContext) (value.Value, error) {
		select {
		case <-ctx.Done():
			return value.Value{}, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return value.Bool(true), nil
		}
	})

	t.Run("node timeout wins", func(t *testing.T) {
		eng := newTestEngine(t)
		if err := eng.RegisterNodeHandler("slow", slow); err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		def := testDef("sluggish", []Node{testNode("crawl", "slow", nil)})
		def.Nodes[0].Timeout = 15 * time.Millisecond
		mustRegister(t, eng, def)

		ex := mustExecute(t, eng, "sluggish", nil)

		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		res := resultFor(t, ex, "crawl")
		if !strings.Contains(res.Error, CodeNodeTimeout) || !strings.Contains(res.Error, "timed out") {
			t.Errorf("expected timeout error, got %q", res.Error)
		}
	})

	t.Run("workflow settings timeout applies when the node has none", func(t *testing.T) {
		eng := newTestEngine(t)
		if err := eng.RegisterNodeHandler("slow", slow); err != nil {
			t.Fatalf("RegisterNodeHandler: %v", err)
		}
		def := testDef("sluggish-settings", []Node{testNode("crawl", "slow", nil)})
		def.Settings.Timeout = 15 * time.Millisecond
		mustRegister(t, eng, def)

		ex := mustExecute(t, eng, "sluggish-settings", nil)

		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		if res := resultFor(t, ex, "crawl"); !strings.Contains(res.Error, CodeNodeTimeout) {
			t.Errorf("expected timeout error, got %q", res.Error)
		}
	})
}

func TestHandlerPanicContainment(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("kaboom", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		panic("wires crossed")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	mustRegister(t, eng, testDef("panicky", []Node{testNode("boom", "kaboom", nil)}))
	mustRegister(t, eng, linearDef("healthy"))

	ex := mustExecute(t, eng, "panicky", nil)

	if ex.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", ex.Status)
	}
	res := resultFor(t, ex, "boom")
	if !strings.Contains(res.Error, CodeNodePanic) || !strings.Contains(res.Error, "wires crossed") {
		t.Errorf("expected contained panic error, got %q", res.Error)
	}

	// The engine survives the panic.
	if after := mustExecute(t, eng, "healthy", nil); after.Status != StatusCompleted {
		t.Errorf("expected engine to keep running after a panic, got %s", after.Status)
	}
}

func TestSubWorkflow(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, testDef("child-flow", []Node{
		testNode("greet", "logger", map[string]value.Value{"message": value.String("hello from child")}),
	}))
	mustRegister(t, eng, testDef("parent-flow", []Node{
		testNode("spawn", "sub-workflow", map[string]value.Value{
			"workflow_id": value.String("child-flow"),
			"input":       value.Map(map[string]value.Value{"from": value.String("parent")}),
		}),
	}))

	ex := mustExecute(t, eng, "parent-flow", nil)
	if ex.Status != StatusCompleted {
		t.Fatalf("expected parent completed, got %s (error %q)", ex.Status, ex.Error)
	}

	out, ok := ex.Context.Output["spawn"]
	if !ok {
		t.Fatal("expected spawn output")
	}
	m, _ := out.AsMap()
	childID, _ := m["workflow_execution_id"].AsString()
	if childID == "" {
		t.Fatal("expected child execution id in spawn output")
	}

	child := waitStatus(t, eng, childID, StatusCompleted)
	if child.TriggerType != TriggerChain {
		t.Errorf("expected chain trigger on the child, got %s", child.TriggerType)
	}
	if parent, _ := child.Context.Metadata["parent_execution_id"].AsString(); parent != ex.ID {
		t.Errorf("expected parent execution id %s in child metadata, got %q", ex.ID, parent)
	}
	if from, _ := child.Context.Input["from"].AsString(); from != "parent" {
		t.Errorf("expected child input forwarded, got %v", child.Context.Input)
	}
	chain, _ := child.Context.Metadata["chain"].AsList()
	if len(chain) != 2 {
		t.Fatalf("expected 2-link chain, got %v", chain)
	}
	if first, _ := chain[0].AsString(); first != "parent-flow" {
		t.Errorf("expected chain to start at parent-flow, got %q", first)
	}
	if second, _ := chain[1].AsString(); second != "child-flow" {
		t.Errorf("expected chain to end at child-flow, got %q", second)
	}
}

func TestSubWorkflowRecursionLimits(t *testing.T) {
	t.Run("self reference is refused", func(t *testing.T) {
		eng := newTestEngine(t)
		mustRegister(t, eng, testDef("loop-flow", []Node{
			testNode("spawn", "sub-workflow", map[string]value.Value{
				"workflow_id": value.String("loop-flow"),
			}),
		}))

		ex := mustExecute(t, eng, "loop-flow", nil)
		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		if !strings.Contains(ex.Error, "recursion limit") {
			t.Errorf("expected recursion limit error, got %q", ex.Error)
		}
	})

	t.Run("chain depth is capped", func(t *testing.T) {
		eng := newTestEngine(t, WithConfig(Config{MaxChainDepth: 1}))
		mustRegister(t, eng, linearDef("leaf-flow"))
		mustRegister(t, eng, testDef("deep-flow", []Node{
			testNode("spawn", "sub-workflow", map[string]value.Value{
				"workflow_id": value.String("leaf-flow"),
			}),
		}))

		ex := mustExecute(t, eng, "deep-flow", nil)
		if ex.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", ex.Status)
		}
		if !strings.Contains(ex.Error, "recursion limit") {
			t.Errorf("expected recursion limit error, got %q", ex.Error)
		}
	})
}

func TestLeafOutputs(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	def := testDef("fan-out",
		[]Node{
			testNode("root", "manual-trigger", nil),
			testNode("good", "javascript-action", map[string]value.Value{"script": value.String("1 + 1")}),
			testNode("bad", "explode", nil),
		},
		link("root", "good"), link("root", "bad"),
	)
	def.Settings.ErrorHandling = ErrorHandlingContinue
	mustRegister(t, eng, def)

	ex := mustExecute(t, eng, "fan-out", nil)

	if ex.Status != StatusCompleted {
		t.Fatalf("expected completed under continue, got %s", ex.Status)
	}
	if len(ex.Context.Output) != 1 {
		t.Fatalf("expected only the successful leaf in output, got %v", ex.Context.Output)
	}
	out, ok := ex.Context.Output["good"]
	if !ok {
		t.Fatal("expected good leaf in output")
	}
	m, _ := out.AsMap()
	if n, _ := m["result"].AsNumber(); n != 2 {
		t.Errorf("expected expression result 2, got %v", m["result"])
	}
	if _, ok := ex.Context.Output["root"]; ok {
		t.Error("nodes with outgoing edges must not appear in output")
	}
	if _, ok := ex.Context.Output["bad"]; ok {
		t.Error("failed leaves must not appear in output")
	}
}

func TestEventSequence(t *testing.T) {
	capture := &captureEmitter{}
	eng := newTestEngine(t, WithEmitter(capture))
	mustRegister(t, eng, linearDef("observed"))

	ex := mustExecute(t, eng, "observed", nil)

	evs := capture.all()
	want := []emit.Name{
		emit.WorkflowStarted,
		emit.NodeStarted, emit.NodeSuccess, emit.ExecutionProgress,
		emit.NodeStarted, emit.NodeSuccess, emit.ExecutionProgress,
		emit.WorkflowCompleted,
	}
	if len(evs) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(evs), evs)
	}
	for i, name := range want {
		if evs[i].Name != name {
			t.Errorf("event %d: expected %s, got %s", i, name, evs[i].Name)
		}
		if evs[i].Seq != i+1 {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, evs[i].Seq)
		}
		if evs[i].ExecutionID != ex.ID || evs[i].WorkflowID != "observed" {
			t.Errorf("event %d: wrong identifiers %s/%s", i, evs[i].ExecutionID, evs[i].WorkflowID)
		}
	}

	if tt, _ := evs[0].Meta["trigger_type"].(string); tt != "manual" {
		t.Errorf("expected trigger_type meta on start event, got %v", evs[0].Meta)
	}
	if evs[1].NodeID != "ping" || evs[4].NodeID != "pong" {
		t.Errorf("expected node ids on node events, got %q and %q", evs[1].NodeID, evs[4].NodeID)
	}
	if p, ok := evs[3].Meta["progress"].(int); !ok || p != 50 {
		t.Errorf("expected progress 50 after first node, got %v", evs[3].Meta["progress"])
	}
	if p, ok := evs[6].Meta["progress"].(int); !ok || p != 100 {
		t.Errorf("expected progress 100 after last node, got %v", evs[6].Meta["progress"])
	}
	if st, _ := evs[7].Meta["status"].(string); st != "completed" {
		t.Errorf("expected terminal status meta, got %v", evs[7].Meta)
	}
}

func TestListExecutions(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	mustRegister(t, eng, linearDef("list-ok"))
	mustRegister(t, eng, testDef("list-bad", []Node{testNode("boom", "explode", nil)}))

	first := mustExecute(t, eng, "list-ok", nil)
	failed := mustExecute(t, eng, "list-bad", nil)
	second := mustExecute(t, eng, "list-ok", nil)

	t.Run("newest first", func(t *testing.T) {
		all := eng.ListExecutions(ExecutionFilter{})
		if len(all) != 3 {
			t.Fatalf("expected 3 executions, got %d", len(all))
		}
		wantOrder := []string{second.ID, failed.ID, first.ID}
		for i, want := range wantOrder {
			if all[i].ID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, all[i].ID)
			}
		}
	})

	t.Run("filter by workflow", func(t *testing.T) {
		got := eng.ListExecutions(ExecutionFilter{WorkflowID: "list-ok"})
		if len(got) != 2 {
			t.Fatalf("expected 2 executions, got %d", len(got))
		}
		for _, ex := range got {
			if ex.WorkflowID != "list-ok" {
				t.Errorf("unexpected workflow %s in filtered list", ex.WorkflowID)
			}
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		got := eng.ListExecutions(ExecutionFilter{Status: StatusFailed})
		if len(got) != 1 || got[0].ID != failed.ID {
			t.Fatalf("expected only the failed execution, got %+v", got)
		}
	})

	t.Run("limit", func(t *testing.T) {
		got := eng.ListExecutions(ExecutionFilter{Limit: 1})
		if len(got) != 1 || got[0].ID != second.ID {
			t.Fatalf("expected just the newest execution, got %+v", got)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		if got := eng.ListExecutions(ExecutionFilter{WorkflowID: "absent"}); len(got) != 0 {
			t.Fatalf("expected empty list, got %d", len(got))
		}
	})
}

func TestMaxTrackedEviction(t *testing.T) {
	eng := newTestEngine(t, WithConfig(Config{MaxTracked: 2}))
	mustRegister(t, eng, linearDef("churn"))

	first := mustExecute(t, eng, "churn", nil)
	second := mustExecute(t, eng, "churn", nil)
	third := mustExecute(t, eng, "churn", nil)

	if _, err := eng.GetExecution(first.ID); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected oldest terminal execution evicted, got %v", err)
	}
	remaining := eng.ListExecutions(ExecutionFilter{})
	if len(remaining) != 2 {
		t.Fatalf("expected 2 tracked executions, got %d", len(remaining))
	}
	if remaining[0].ID != third.ID || remaining[1].ID != second.ID {
		t.Errorf("unexpected retained executions %s, %s", remaining[0].ID, remaining[1].ID)
	}
}

func TestEngineStatus(t *testing.T) {
	eng := newTestEngine(t)
	mustRegister(t, eng, linearDef("status-flow"))
	mustExecute(t, eng, "status-flow", nil)

	st := eng.Status()
	if !st.Running {
		t.Error("expected running true")
	}
	if st.Workflows != 1 {
		t.Errorf("expected 1 workflow, got %d", st.Workflows)
	}
	if st.NodeTypes == 0 {
		t.Error("expected builtin node types registered")
	}
	if st.Tracked != 1 {
		t.Errorf("expected 1 tracked execution, got %d", st.Tracked)
	}
	if st.Active != 0 || st.Pending != 0 || st.Paused != 0 {
		t.Errorf("expected no live executions, got %+v", st)
	}
	if st.Usage.Executions != 1 || st.Usage.Completed != 1 {
		t.Errorf("unexpected usage in status %+v", st.Usage)
	}
	if st.Time.IsZero() {
		t.Error("expected status timestamp")
	}

	t.Run("stopped engine reports not running", func(t *testing.T) {
		idle, err := New(WithLogger(zerolog.Nop()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if idle.Status().Running {
			t.Error("expected running false before Start")
		}
	})
}

func TestUsageReport(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}
	mustRegister(t, eng, linearDef("usage-ok"))
	mustRegister(t, eng, testDef("usage-bad",
		[]Node{
			testNode("start", "manual-trigger", nil),
			testNode("boom", "explode", nil),
		},
		link("start", "boom"),
	))

	mustExecute(t, eng, "usage-ok", nil)
	mustExecute(t, eng, "usage-ok", nil)
	mustExecute(t, eng, "usage-bad", nil)

	rep := eng.Usage()
	if rep.Executions != 3 || rep.Completed != 2 || rep.Failed != 1 {
		t.Errorf("unexpected execution totals %+v", rep)
	}
	if rep.Nodes != 6 {
		t.Errorf("expected 6 node dispatches, got %d", rep.Nodes)
	}
	if rep.ByType["manual-trigger"].Count != 3 {
		t.Errorf("expected 3 manual-trigger dispatches, got %d", rep.ByType["manual-trigger"].Count)
	}
	if rep.ByType["explode"].Failures != 1 {
		t.Errorf("expected 1 explode failure, got %d", rep.ByType["explode"].Failures)
	}
}

func TestTerminalNotifications(t *testing.T) {
	rec := &notifyRecorder{}
	eng := newTestEngine(t, WithNotificationProvider(rec))
	err := eng.RegisterNodeHandler("explode", HandlerFunc(func(context.Context, *NodeContext) (value.Value, error) {
		return value.Value{}, errors.New("exploded on purpose")
	}))
	if err != nil {
		t.Fatalf("RegisterNodeHandler: %v", err)
	}

	okDef := linearDef("notify-ok")
	okDef.Settings.NotifyOnSuccess = true
	mustRegister(t, eng, okDef)

	badDef := testDef("notify-bad", []Node{testNode("boom", "explode", nil)})
	badDef.Settings.NotifyOnFailure = true
	mustRegister(t, eng, badDef)

	mustRegister(t, eng, linearDef("notify-quiet"))

	mustExecute(t, eng, "notify-ok", nil)
	mustExecute(t, eng, "notify-bad", nil)
	mustExecute(t, eng, "notify-quiet", nil)

	calls := rec.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(calls), calls)
	}
	if !strings.HasPrefix(calls[0], "workflows|notify-ok|") || !strings.Contains(calls[0], "finished with status completed") {
		t.Errorf("unexpected success notification %q", calls[0])
	}
	if !strings.HasPrefix(calls[1], "workflows|notify-bad|") || !strings.Contains(calls[1], "finished with status failed") {
		t.Errorf("unexpected failure notification %q", calls[1])
	}
}

func TestTopoOrder(t *testing.T) {
	t.Run("diamond respects dependencies", func(t *testing.T) {
		def := testDef("diamond",
			[]Node{
				testNode("a", "logger", nil),
				testNode("b", "logger", nil),
				testNode("c", "logger", nil),
				testNode("d", "logger", nil),
			},
			link("a", "b"), link("a", "c"), link("b", "d"), link("c", "d"),
		)
		got := topoOrder(def)
		want := []string{"a", "b", "c", "d"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, got)
			}
		}
	})

	t.Run("ties break by declaration order", func(t *testing.T) {
		def := testDef("ties",
			[]Node{
				testNode("a", "logger", nil),
				testNode("c", "logger", nil),
				testNode("b", "logger", nil),
				testNode("d", "logger", nil),
			},
			link("a", "b"), link("a", "c"), link("b", "d"), link("c", "d"),
		)
		got := topoOrder(def)
		want := []string{"a", "c", "b", "d"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, got)
			}
		}
	})

	t.Run("disconnected nodes keep declaration order", func(t *testing.T) {
		def := testDef("islands",
			[]Node{
				testNode("x", "logger", nil),
				testNode("y", "logger", nil),
			},
		)
		got := topoOrder(def)
		if len(got) != 2 || got[0] != "x" || got[1] != "y" {
			t.Fatalf("expected [x y], got %v", got)
		}
	})
}

func TestFindCycle(t *testing.T) {
	t.Run("self loop", func(t *testing.T) {
		def := testDef("self", []Node{testNode("a", "logger", nil)}, link("a", "a"))
		id, ok := findCycle(def)
		if !ok || id != "a" {
			t.Fatalf("expected cycle at a, got %q %v", id, ok)
		}
	})

	t.Run("three node cycle", func(t *testing.T) {
		def := testDef("ring",
			[]Node{
				testNode("a", "logger", nil),
				testNode("b", "logger", nil),
				testNode("c", "logger", nil),
			},
			link("a", "b"), link("b", "c"), link("c", "a"),
		)
		id, ok := findCycle(def)
		if !ok || id != "a" {
			t.Fatalf("expected deterministic cycle report at a, got %q %v", id, ok)
		}
	})

	t.Run("acyclic graph", func(t *testing.T) {
		def := testDef("dag",
			[]Node{
				testNode("a", "logger", nil),
				testNode("b", "logger", nil),
			},
			link("a", "b"),
		)
		if id, ok := findCycle(def); ok {
			t.Fatalf("expected no cycle, got %q", id)
		}
	})
}
