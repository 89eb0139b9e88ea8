// Package engine implements the workflow engine: a definition registry with
// validation, deterministic graph scheduling, and an execution loop that
// evaluates conditions, delegates work to the action executor, and persists
// progress through the state manager.
//
// A workflow is a directed acyclic graph of typed nodes. Executions run the
// nodes in a deterministic topological order, one node at a time per
// execution, with a bounded number of executions in flight engine-wide.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/action"
	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/state"
	"github.com/steeldragon666/omniflow/engine/state/store"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Engine registers workflow definitions and runs executions of them.
type Engine struct {
	cfg        Config
	logger     zerolog.Logger
	emitter    emit.Emitter
	states     *state.Manager
	actions    *action.Executor
	conditions *condition.Evaluator
	faults     *fault.Handler
	usage      *UsageTracker
	providers  providerSet
	secrets    map[string]string
	now        func() time.Time

	// Components built by New are started by Start; components supplied
	// through options are owned and started by the caller.
	ownsStates  bool
	ownsActions bool

	mu        sync.RWMutex
	workflows map[string]*WorkflowDefinition
	handlers  map[string]Handler
	runs      map[string]*run
	order     []string
	started   bool
	baseCtx   context.Context

	sem chan struct{}
	wg  sync.WaitGroup
}

// run is the engine-internal shell around one execution: the canonical
// record, its control channels, and the precomputed node order. All reads
// and writes of exec go through mu.
type run struct {
	exec  *Execution
	def   *WorkflowDefinition
	order []string

	mu     sync.Mutex
	seq    int
	pause  bool
	resume chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine. Without options it is fully self-contained: memory
// state store, silent logger, in-memory providers, default limits.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         DefaultConfig(),
		logger:      zerolog.Nop(),
		emitter:     emit.NewNullEmitter(),
		conditions:  condition.New(),
		usage:       NewUsageTracker(),
		now:         time.Now,
		ownsStates:  true,
		ownsActions: true,
		workflows:   make(map[string]*WorkflowDefinition),
		handlers:    make(map[string]Handler),
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.states == nil {
		e.states = state.NewManager(store.NewMemoryStore(), e.emitter, state.DefaultConfig(), e.logger)
	}
	if e.actions == nil {
		e.actions = action.NewExecutor(action.DefaultConfig(), e.logger)
	}
	if e.faults == nil {
		e.faults = fault.NewHandler(fault.Config{}, e.logger)
	}
	if e.providers.HTTP == nil {
		e.providers.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if e.providers.Email == nil {
		e.providers.Email = logEmailProvider{logger: e.logger}
	}
	if e.providers.Database == nil {
		e.providers.Database = newMemoryDatabase()
	}
	if e.providers.Social == nil {
		e.providers.Social = logSocialProvider{logger: e.logger}
	}
	if e.providers.Storage == nil {
		e.providers.Storage = newMemoryStorage()
	}
	if e.providers.Notification == nil {
		e.providers.Notification = logNotificationProvider{logger: e.logger}
	}

	e.sem = make(chan struct{}, e.cfg.MaxConcurrent)
	registerBuiltinHandlers(e)
	registerBuiltinActions(e)
	return e, nil
}

// Start makes the engine accept executions. Owned components (the default
// state manager and action executor) are started here; everything stops when
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.baseCtx = ctx
	e.mu.Unlock()

	if e.ownsActions {
		e.actions.Start(ctx)
	}
	if e.ownsStates {
		go e.states.Run(ctx)
	}
	e.logger.Info().
		Int("max_concurrent", e.cfg.MaxConcurrent).
		Dur("default_timeout", e.cfg.DefaultTimeout).
		Msg("workflow engine started")
	return nil
}

// Wait blocks until every in-flight execution has reached a terminal status.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// States exposes the state manager for recovery and inspection.
func (e *Engine) States() *state.Manager { return e.states }

// Actions exposes the action executor.
func (e *Engine) Actions() *action.Executor { return e.actions }

// Conditions exposes the shared condition evaluator.
func (e *Engine) Conditions() *condition.Evaluator { return e.conditions }

// Faults exposes the error handler.
func (e *Engine) Faults() *fault.Handler { return e.faults }

// Usage exposes engine-wide usage totals.
func (e *Engine) Usage() UsageReport { return e.usage.Report() }

// RegisterNodeHandler installs a handler for a node type. Later
// registrations replace earlier ones; built-in types can be overridden.
func (e *Engine) RegisterNodeHandler(nodeType string, h Handler) error {
	if nodeType == "" || h == nil {
		return fmt.Errorf("engine: node type and handler are required")
	}
	e.mu.Lock()
	e.handlers[nodeType] = h
	e.mu.Unlock()
	return nil
}

// NodeTypes returns the registered node types, sorted.
func (e *Engine) NodeTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks a definition against the current handler registry without
// storing it.
func (e *Engine) Validate(def *WorkflowDefinition) ValidationResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return validate(def, func(t string) bool {
		_, ok := e.handlers[t]
		return ok
	})
}

// Register validates and stores a workflow definition. Re-registering
// identical content is a no-op; changed content replaces the stored
// definition and bumps its version. Returns the stored copy.
func (e *Engine) Register(def *WorkflowDefinition) (*WorkflowDefinition, error) {
	if def == nil {
		return nil, &EngineError{Code: CodeInvalidWorkflow, Message: "nil workflow definition"}
	}
	if res := e.Validate(def); !res.Valid {
		return nil, &EngineError{
			Code:    CodeInvalidWorkflow,
			Message: fmt.Sprintf("workflow %q failed validation: %s", def.ID, res.Errors[0].Message),
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	cp := def.Clone()
	if cur, ok := e.workflows[def.ID]; ok {
		if cur.contentEqual(cp) {
			return cur.Clone(), nil
		}
		cp.Version = cur.Version + 1
		cp.CreatedAt = cur.CreatedAt
	} else {
		if cp.Version <= 0 {
			cp.Version = 1
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	e.workflows[cp.ID] = cp
	e.logger.Info().
		Str("workflow_id", cp.ID).
		Str("name", cp.Name).
		Int("version", cp.Version).
		Int("nodes", len(cp.Nodes)).
		Msg("workflow registered")
	return cp.Clone(), nil
}

// Deregister removes a workflow definition. It refuses while the workflow
// has non-terminal executions; cancel them first.
func (e *Engine) Deregister(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[workflowID]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	for _, r := range e.runs {
		r.mu.Lock()
		live := r.exec.WorkflowID == workflowID && !r.exec.Status.Terminal()
		r.mu.Unlock()
		if live {
			return fmt.Errorf("%w: %s", ErrExecutionsRunning, workflowID)
		}
	}
	delete(e.workflows, workflowID)
	e.logger.Info().Str("workflow_id", workflowID).Msg("workflow deregistered")
	return nil
}

// GetWorkflow returns a copy of a stored definition.
func (e *Engine) GetWorkflow(workflowID string) (*WorkflowDefinition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return def.Clone(), nil
}

// Workflows returns copies of all stored definitions, sorted by id.
func (e *Engine) Workflows() []*WorkflowDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute runs a workflow and blocks until the execution reaches a terminal
// status, returning its final record. The execution itself runs under the
// engine's lifecycle context; ctx bounds only the wait, so a caller giving
// up early leaves the execution running (track it via GetExecution).
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]value.Value, trigger TriggerType) (*Execution, error) {
	r, err := e.begin(workflowID, input, trigger, nil)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return e.GetExecution(r.id())
	case <-ctx.Done():
		ex, _ := e.GetExecution(r.id())
		return ex, ctx.Err()
	}
}

// ExecuteAsync starts a workflow execution and returns its record
// immediately, usually still pending.
func (e *Engine) ExecuteAsync(workflowID string, input map[string]value.Value, trigger TriggerType) (*Execution, error) {
	r, err := e.begin(workflowID, input, trigger, nil)
	if err != nil {
		return nil, err
	}
	return e.GetExecution(r.id())
}

// Launch runs a workflow synchronously and reports failure as an error.
// Trigger, webhook, and scheduler firings use it so their stats reflect
// real execution outcomes.
func (e *Engine) Launch(ctx context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error) {
	ex, err := e.Execute(ctx, workflowID, input, TriggerType(trigger))
	if err != nil {
		if ex != nil {
			return ex.ID, err
		}
		return "", err
	}
	switch ex.Status {
	case StatusFailed:
		return ex.ID, fmt.Errorf("execution %s failed: %s", ex.ID, ex.Error)
	case StatusCancelled:
		return ex.ID, fmt.Errorf("execution %s cancelled", ex.ID)
	default:
		return ex.ID, nil
	}
}

// LaunchAsync starts a workflow without waiting and returns its execution
// id. The event bus dispatches through it so publishing from inside a
// running execution cannot deadlock on the concurrency semaphore.
func (e *Engine) LaunchAsync(_ context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error) {
	ex, err := e.ExecuteAsync(workflowID, input, TriggerType(trigger))
	if err != nil {
		return "", err
	}
	return ex.ID, nil
}

// GetExecution returns a copy of an execution record.
func (e *Engine) GetExecution(id string) (*Execution, error) {
	r, err := e.runFor(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.clone(), nil
}

// ListExecutions returns copies of tracked executions, newest first.
func (e *Engine) ListExecutions(f ExecutionFilter) []*Execution {
	e.mu.RLock()
	ids := append([]string(nil), e.order...)
	runs := make([]*run, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if r, ok := e.runs[ids[i]]; ok {
			runs = append(runs, r)
		}
	}
	e.mu.RUnlock()

	out := make([]*Execution, 0)
	for _, r := range runs {
		r.mu.Lock()
		matched := (f.WorkflowID == "" || r.exec.WorkflowID == f.WorkflowID) &&
			(f.Status == "" || r.exec.Status == f.Status)
		var cp *Execution
		if matched {
			cp = r.exec.clone()
		}
		r.mu.Unlock()
		if cp != nil {
			out = append(out, cp)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

// Pause requests that a running execution stop before its next node. The
// pause takes effect between nodes; the node in flight finishes first.
func (e *Engine) Pause(id string) error {
	r, err := e.runFor(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status != StatusRunning {
		return fmt.Errorf("%w: cannot pause %s execution", ErrInvalidTransition, r.exec.Status)
	}
	if r.pause {
		return nil
	}
	r.pause = true
	r.resume = make(chan struct{})
	return nil
}

// Resume lifts a pause. Resuming before the pause took effect cancels the
// request.
func (e *Engine) Resume(id string) error {
	r, err := e.runFor(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pause {
		return fmt.Errorf("%w: execution %s is not paused", ErrInvalidTransition, id)
	}
	r.pause = false
	close(r.resume)
	return nil
}

// Cancel stops an execution. The node in flight is interrupted through its
// context; paused and pending executions wake and terminate.
func (e *Engine) Cancel(id string) error {
	r, err := e.runFor(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		status := r.exec.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, id, status)
	}
	r.mu.Unlock()
	r.cancel()
	return nil
}

// EngineStatus is a point-in-time summary for the management API.
type EngineStatus struct {
	Running          bool        `json:"running"`
	Workflows        int         `json:"workflows"`
	NodeTypes        int         `json:"node_types"`
	Active           int         `json:"active_executions"`
	Pending          int         `json:"pending_executions"`
	Paused           int         `json:"paused_executions"`
	Tracked          int         `json:"tracked_executions"`
	ActionQueueDepth int         `json:"action_queue_depth"`
	ActionInflight   int         `json:"action_inflight"`
	Usage            UsageReport `json:"usage"`
	Time             time.Time   `json:"time"`
}

// Status summarizes the engine.
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	st := EngineStatus{
		Running:   e.started,
		Workflows: len(e.workflows),
		NodeTypes: len(e.handlers),
		Tracked:   len(e.runs),
		Time:      e.now(),
	}
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		switch r.exec.Status {
		case StatusRunning:
			st.Active++
		case StatusPending:
			st.Pending++
		case StatusPaused:
			st.Paused++
		}
		r.mu.Unlock()
	}
	st.ActionQueueDepth = e.actions.QueueDepth()
	st.ActionInflight = e.actions.Inflight()
	st.Usage = e.usage.Report()
	return st
}

func (r *run) id() string {
	return r.exec.ID
}

func (e *Engine) runFor(id string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return r, nil
}

// begin validates the request, creates the execution record, and starts the
// run goroutine.
func (e *Engine) begin(workflowID string, input map[string]value.Value, trigger TriggerType, meta map[string]value.Value) (*run, error) {
	e.mu.RLock()
	started := e.started
	baseCtx := e.baseCtx
	def, ok := e.workflows[workflowID]
	if ok {
		def = def.Clone()
	}
	e.mu.RUnlock()

	if !started {
		return nil, ErrEngineStopped
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	// The active flag gates automated firing; manual runs and parent-driven
	// chains are always allowed.
	if !def.Active && trigger != TriggerManual && trigger != TriggerChain {
		return nil, &EngineError{
			Code:    CodeInvalidWorkflow,
			Message: fmt.Sprintf("workflow %q is inactive and cannot be started by trigger %q", workflowID, trigger),
		}
	}

	if meta == nil {
		meta = make(map[string]value.Value)
	}
	chain, _ := meta["chain"].AsList()
	chain = append(chain, value.String(workflowID))
	meta["chain"] = value.List(chain...)
	meta["trigger_type"] = value.String(string(trigger))

	vars := cloneValues(def.Variables)
	if vars == nil {
		vars = make(map[string]value.Value)
	}
	for k, v := range input {
		vars[k] = v.Clone()
	}

	maxRetries := 0
	if rp := def.Settings.RetryPolicy; rp != nil {
		maxRetries = rp.MaxRetries
	}
	now := e.now()
	exec := &Execution{
		ID:           "exec_" + uuid.NewString(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Version:      def.Version,
		Status:       StatusPending,
		TriggerType:  trigger,
		StartedAt:    now,
		MaxRetries:   maxRetries,
		Context: Context{
			Variables: vars,
			Input:     cloneValues(input),
			Metadata:  meta,
			Secrets:   e.secrets,
		},
		NodeResults: []NodeResult{},
	}

	runCtx, cancel := context.WithCancel(baseCtx)
	r := &run{
		exec:   exec,
		def:    def,
		order:  topoOrder(def),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.track(r)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runExecution(runCtx, r)
	return r, nil
}

// track records a run, evicting the oldest terminal runs past the retention
// bound. Caller holds e.mu.
func (e *Engine) track(r *run) {
	e.runs[r.id()] = r
	e.order = append(e.order, r.id())
	if max := e.cfg.MaxTracked; len(e.order) > max {
		over := len(e.order) - max
		kept := e.order[:0]
		for _, id := range e.order {
			old, ok := e.runs[id]
			if over > 0 && ok {
				old.mu.Lock()
				terminal := old.exec.Status.Terminal()
				old.mu.Unlock()
				if terminal {
					delete(e.runs, id)
					over--
					continue
				}
			}
			kept = append(kept, id)
		}
		e.order = kept
	}
}

// runExecution is the per-execution loop: one goroutine, one node at a time.
func (e *Engine) runExecution(ctx context.Context, r *run) {
	defer e.wg.Done()
	defer r.cancel()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		e.finish(r, StatusCancelled, "cancelled before start")
		return
	}
	defer func() { <-e.sem }()

	r.mu.Lock()
	r.exec.Status = StatusRunning
	vars := cloneValues(r.exec.Context.Variables)
	r.mu.Unlock()

	st, err := e.states.CreateState(ctx, r.exec.WorkflowID, r.id(), vars)
	if err != nil {
		e.reportFault(r, "", fmt.Errorf("create state: %w", err))
		e.finish(r, StatusFailed, fmt.Sprintf("create state: %v", err))
		return
	}
	r.mu.Lock()
	r.exec.StateID = st.ID
	r.mu.Unlock()

	e.event(r, emit.WorkflowStarted, "", map[string]interface{}{
		"trigger_type": string(r.exec.TriggerType),
	})
	e.logger.Info().
		Str("execution_id", r.id()).
		Str("workflow_id", r.exec.WorkflowID).
		Str("trigger_type", string(r.exec.TriggerType)).
		Msg("execution started")

	mode := r.def.Settings.ErrorHandling
	if mode == "" {
		mode = e.cfg.ErrorHandling
	}

	for _, nodeID := range r.order {
		if ctx.Err() != nil {
			e.finish(r, StatusCancelled, "execution cancelled")
			return
		}
		if !e.waitIfPaused(ctx, r) {
			e.finish(r, StatusCancelled, "execution cancelled")
			return
		}

		node, ok := r.def.node(nodeID)
		if !ok {
			continue
		}

		if skip, reason := e.shouldSkip(r, node, mode); skip {
			now := e.now()
			e.record(ctx, r, node, NodeResult{
				NodeID:      node.ID,
				NodeName:    node.Name,
				NodeType:    node.Type,
				Status:      NodeSkipped,
				Output:      value.Map(map[string]value.Value{"skipped": value.Bool(true), "reason": value.String(reason)}),
				StartedAt:   now,
				CompletedAt: now,
			})
			continue
		}

		res := e.dispatchNode(ctx, r, node, mode)
		e.record(ctx, r, node, res)

		if res.Status == NodeFailure {
			if ctx.Err() != nil {
				e.finish(r, StatusCancelled, "execution cancelled")
				return
			}
			if mode != ErrorHandlingContinue {
				e.finish(r, StatusFailed, res.Error)
				return
			}
		}
	}
	e.finish(r, StatusCompleted, "")
}

// waitIfPaused parks the loop while a pause is in effect. Returns false when
// the execution was cancelled while paused.
func (e *Engine) waitIfPaused(ctx context.Context, r *run) bool {
	r.mu.Lock()
	if !r.pause {
		r.mu.Unlock()
		return true
	}
	r.exec.Status = StatusPaused
	resume := r.resume
	stateID := r.exec.StateID
	r.mu.Unlock()

	e.event(r, emit.WorkflowPaused, "", nil)
	if stateID != "" {
		if _, err := e.states.PauseState(ctx, stateID); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Msg("pause state")
		}
	}
	e.logger.Info().Str("execution_id", r.id()).Msg("execution paused")

	select {
	case <-resume:
	case <-ctx.Done():
		return false
	}

	r.mu.Lock()
	r.exec.Status = StatusRunning
	r.mu.Unlock()
	if stateID != "" {
		if _, err := e.states.ResumeState(ctx, stateID); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Msg("resume state")
		}
	}
	e.event(r, emit.WorkflowResumed, "", nil)
	e.logger.Info().Str("execution_id", r.id()).Msg("execution resumed")
	return true
}

// shouldSkip decides whether a node is skipped: disabled nodes, nodes whose
// precondition evaluates false, and nodes with no active incoming edge
// (every predecessor failed or was skipped, or every edge guard failed).
func (e *Engine) shouldSkip(r *run, node Node, mode ErrorHandling) (bool, string) {
	if node.Disabled {
		return true, "node disabled"
	}

	r.mu.Lock()
	env := e.envLocked(r)
	incoming := make([]Edge, 0, 2)
	for _, edge := range r.def.Edges {
		if edge.Target == node.ID {
			incoming = append(incoming, edge)
		}
	}
	results := make(map[string]NodeStatus, len(r.exec.NodeResults))
	for _, res := range r.exec.NodeResults {
		results[res.NodeID] = res.Status
	}
	r.mu.Unlock()

	if len(incoming) > 0 {
		activated := false
		for _, edge := range incoming {
			status, ok := results[edge.Source]
			if !ok {
				continue
			}
			srcOK := status == NodeSuccess ||
				(mode == ErrorHandlingContinue && status == NodeFailure)
			if !srcOK {
				continue
			}
			if edge.Condition != nil {
				res := e.conditions.Evaluate(*edge.Condition, env)
				if !res.Success {
					e.logger.Warn().
						Str("execution_id", r.id()).
						Str("edge_id", edge.ID).
						Msg("edge guard evaluation error")
				}
				if !res.Result {
					continue
				}
			}
			activated = true
			break
		}
		if !activated {
			return true, "no active incoming edge"
		}
	}

	if raw, ok := node.Config["precondition"]; ok {
		pass, err := e.evalConditionValue(raw, env)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("execution_id", r.id()).
				Str("node_id", node.ID).
				Msg("precondition evaluation error")
			return true, fmt.Sprintf("precondition error: %v", err)
		}
		if !pass {
			return true, "precondition not met"
		}
	}
	return false, ""
}

// evalConditionValue decodes a config value holding either a single
// condition or a condition group and evaluates it.
func (e *Engine) evalConditionValue(raw value.Value, env map[string]value.Value) (bool, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	if m, ok := raw.AsMap(); ok {
		if _, isCond := m["operator"]; isCond {
			var c condition.Condition
			if err := json.Unmarshal(data, &c); err != nil {
				return false, err
			}
			res := e.conditions.Evaluate(c, env)
			if !res.Success {
				return false, fmt.Errorf("condition evaluation failed")
			}
			return res.Result, nil
		}
		var g condition.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return false, err
		}
		res := e.conditions.EvaluateGroup(g, env)
		if !res.Success {
			return false, fmt.Errorf("condition evaluation failed")
		}
		return res.Result, nil
	}
	// A bare boolean or truthy literal works too.
	return raw.Truthy(), nil
}

// envLocked builds the evaluation environment from the execution context.
// Caller holds r.mu.
func (e *Engine) envLocked(r *run) map[string]value.Value {
	env := make(map[string]value.Value, len(r.exec.Context.Variables)+3)
	for k, v := range r.exec.Context.Variables {
		env[k] = v.Clone()
	}
	prev := make(map[string]value.Value, len(r.exec.NodeResults))
	for _, res := range r.exec.NodeResults {
		prev[res.NodeID] = res.Output.Clone()
	}
	env["input"] = value.Map(cloneValues(r.exec.Context.Input))
	env["metadata"] = value.Map(cloneValues(r.exec.Context.Metadata))
	env["previous_outputs"] = value.Map(prev)
	return env
}

// nodeContext assembles the handler view of the execution. Variable and
// result copies keep abandoned handler goroutines from racing the loop.
func (e *Engine) nodeContext(r *run, node Node) *NodeContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := make(map[string]value.Value, len(r.exec.NodeResults))
	results := make([]NodeResult, len(r.exec.NodeResults))
	for i, res := range r.exec.NodeResults {
		results[i] = res
		results[i].Output = res.Output.Clone()
		prev[res.NodeID] = res.Output.Clone()
	}
	return &NodeContext{
		Node:        node,
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.id(),
		TriggerType: r.exec.TriggerType,
		Logger: e.logger.With().
			Str("execution_id", r.id()).
			Str("node_id", node.ID).
			Logger(),
		Input:     cloneValues(r.exec.Context.Input),
		Variables: cloneValues(r.exec.Context.Variables),
		Previous:  prev,
		Results:   results,
		Metadata:  cloneValues(r.exec.Context.Metadata),
		engine:    e,
		run:       r,
		sets:      make(map[string]value.Value),
	}
}

// dispatchNode runs one node: timeout wrapping, panic containment, and the
// workflow-level retry loop when error_handling is retry.
func (e *Engine) dispatchNode(ctx context.Context, r *run, node Node, mode ErrorHandling) NodeResult {
	started := e.now()
	r.mu.Lock()
	r.exec.CurrentNode = node.ID
	r.mu.Unlock()

	e.event(r, emit.NodeStarted, node.ID, map[string]interface{}{"node_type": node.Type})

	e.mu.RLock()
	handler := e.handlers[node.Type]
	e.mu.RUnlock()

	res := NodeResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		NodeType:  node.Type,
		StartedAt: started,
	}

	if handler == nil {
		res.Status = NodeFailure
		res.Error = fmt.Sprintf("no handler registered for node type %q", node.Type)
		res.CompletedAt = e.now()
		e.reportFault(r, node.ID, &NodeError{Message: res.Error, Code: CodeUnknownNodeType, NodeID: node.ID})
		return res
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = r.def.Settings.Timeout
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	var policy *fault.RetryPolicy
	if mode == ErrorHandlingRetry {
		policy = r.def.Settings.RetryPolicy
		if policy == nil {
			p := e.faults.Policy()
			policy = &p
		}
	}

	for attempt := 0; ; attempt++ {
		out, nc, err := e.invokeNode(ctx, r, node, handler, timeout)
		if err == nil {
			e.applySets(r, nc)
			res.Status = NodeSuccess
			res.Output = out
			res.RetryCount = attempt
			res.CompletedAt = e.now()
			res.Duration = res.CompletedAt.Sub(res.StartedAt)
			return res
		}

		e.reportFault(r, node.ID, err)

		if ctx.Err() == nil && policy != nil && attempt < policy.MaxRetries {
			classified := fault.Classify(err, fault.ErrorContext{
				WorkflowID:  r.exec.WorkflowID,
				ExecutionID: r.id(),
				NodeID:      node.ID,
				Component:   "workflow_engine",
				Operation:   node.Type,
			})
			if policy.Retryable(classified.Type) {
				delay := policy.Delay(attempt+1, nil)
				e.logger.Warn().
					Str("execution_id", r.id()).
					Str("node_id", node.ID).
					Int("attempt", attempt+1).
					Dur("delay", delay).
					Err(err).
					Msg("node failed; retrying")
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
					continue
				case <-ctx.Done():
					timer.Stop()
				}
			}
		}

		res.Status = NodeFailure
		res.Error = err.Error()
		res.RetryCount = attempt
		res.CompletedAt = e.now()
		res.Duration = res.CompletedAt.Sub(res.StartedAt)
		return res
	}
}

// invokeNode races the handler against the node timeout. On overrun the
// handler goroutine is abandoned with its context cancelled; it worked on
// copies, so nothing it does afterwards is visible.
func (e *Engine) invokeNode(ctx context.Context, r *run, node Node, handler Handler, timeout time.Duration) (value.Value, *NodeContext, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc := e.nodeContext(r, node)

	type result struct {
		out value.Value
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: &NodeError{
					Message: fmt.Sprintf("handler panic: %v", rec),
					Code:    CodeNodePanic,
					NodeID:  node.ID,
				}}
			}
		}()
		out, err := handler.Execute(nodeCtx, nc)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-nodeCtx.Done():
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return value.Value{}, nil, &NodeError{
				Message: fmt.Sprintf("node timed out after %s", timeout),
				Code:    CodeNodeTimeout,
				NodeID:  node.ID,
				Cause:   context.DeadlineExceeded,
			}
		}
		return value.Value{}, nil, newNodeError(node.ID, CodeNodeFailed, nodeCtx.Err())
	case res := <-ch:
		if res.err != nil {
			return value.Value{}, nil, newNodeError(node.ID, CodeNodeFailed, res.err)
		}
		return res.out, nc, nil
	}
}

// applySets merges a successful handler's variable writes into the
// canonical context.
func (e *Engine) applySets(r *run, nc *NodeContext) {
	if nc == nil || len(nc.sets) == 0 {
		return
	}
	r.mu.Lock()
	for k, v := range nc.sets {
		r.exec.Context.Variables[k] = v.Clone()
	}
	r.mu.Unlock()
}

// record appends a node result, updates variables and progress, persists
// through the state manager, and emits node and progress events. A failed
// node stays visible as current_node so terminal records show where the
// execution stopped.
func (e *Engine) record(ctx context.Context, r *run, node Node, res NodeResult) {
	r.mu.Lock()
	r.exec.NodeResults = append(r.exec.NodeResults, res)
	r.exec.RetryCount += res.RetryCount
	if res.Status != NodeSkipped {
		r.exec.Context.Variables[node.ID] = res.Output.Clone()
	}
	r.exec.Progress = len(r.exec.NodeResults) * 100 / len(r.order)
	if res.Status != NodeFailure {
		r.exec.CurrentNode = ""
	}
	progress := r.exec.Progress
	stateID := r.exec.StateID
	r.mu.Unlock()

	if stateID != "" && res.Status != NodeSkipped {
		if err := e.states.SetVariable(ctx, stateID, node.ID, res.Output); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Str("node_id", node.ID).Msg("persist node output")
		}
		if _, err := e.states.CreateCheckpoint(ctx, stateID, node.ID, res.Status == NodeSuccess, res.Duration); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Str("node_id", node.ID).Msg("create checkpoint")
		}
	}

	e.usage.recordNode(node.Type, res.Duration, res.Status, res.RetryCount)

	switch res.Status {
	case NodeSuccess:
		meta := map[string]interface{}{"duration_ms": res.Duration.Milliseconds()}
		if res.RetryCount > 0 {
			meta["retries"] = res.RetryCount
		}
		e.event(r, emit.NodeSuccess, node.ID, meta)
	case NodeFailure:
		meta := map[string]interface{}{
			"duration_ms": res.Duration.Milliseconds(),
			"error":       res.Error,
		}
		if res.RetryCount > 0 {
			meta["retries"] = res.RetryCount
		}
		e.event(r, emit.NodeFailure, node.ID, meta)
		e.logger.Warn().
			Str("execution_id", r.id()).
			Str("node_id", node.ID).
			Str("error", res.Error).
			Msg("node failed")
	case NodeSkipped:
		e.event(r, emit.NodeSkipped, node.ID, nil)
	}
	e.event(r, emit.ExecutionProgress, node.ID, map[string]interface{}{"progress": progress})
}

// finish stamps a terminal status, settles state and snapshot, and emits the
// terminal event. Safe to call more than once; only the first wins.
func (e *Engine) finish(r *run, status Status, errMsg string) {
	now := e.now()
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.Duration = now.Sub(r.exec.StartedAt)
	if errMsg != "" {
		r.exec.Error = errMsg
	}
	if status == StatusCompleted {
		r.exec.Progress = 100
	}
	outputs := make(map[string]value.Value)
	hasOutgoing := make(map[string]bool, len(r.def.Edges))
	for _, edge := range r.def.Edges {
		hasOutgoing[edge.Source] = true
	}
	for _, res := range r.exec.NodeResults {
		if res.Status == NodeSuccess && !hasOutgoing[res.NodeID] {
			outputs[res.NodeID] = res.Output.Clone()
		}
	}
	r.exec.Context.Output = outputs
	stats := usageFor(r.exec)
	r.exec.Stats = &stats
	stateID := r.exec.StateID
	duration := r.exec.Duration
	r.mu.Unlock()

	// Terminal bookkeeping must land even when the run context is gone.
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stateID != "" {
		var stErr error
		var reason state.SnapshotReason
		switch status {
		case StatusCompleted:
			_, stErr = e.states.CompleteState(bg, stateID)
			reason = state.ReasonAuto
		case StatusFailed:
			_, stErr = e.states.FailState(bg, stateID)
			reason = state.ReasonError
		case StatusCancelled:
			_, stErr = e.states.CancelState(bg, stateID)
			reason = state.ReasonManual
		}
		if stErr != nil {
			e.logger.Warn().Err(stErr).Str("execution_id", r.id()).Msg("settle terminal state")
		} else if _, err := e.states.CreateSnapshot(bg, stateID, reason); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Msg("terminal snapshot")
		}
	}

	e.usage.recordExecution(status)

	meta := map[string]interface{}{
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	}
	var name emit.Name
	switch status {
	case StatusCompleted:
		name = emit.WorkflowCompleted
	case StatusCancelled:
		name = emit.WorkflowCancelled
	default:
		name = emit.WorkflowFailed
		if errMsg != "" {
			meta["error"] = errMsg
		}
	}
	e.event(r, name, "", meta)

	if (status == StatusCompleted && r.def.Settings.NotifyOnSuccess) ||
		(status == StatusFailed && r.def.Settings.NotifyOnFailure) {
		msg := fmt.Sprintf("execution %s finished with status %s", r.id(), status)
		if err := e.providers.Notification.Notify(bg, "workflows", r.exec.WorkflowName, msg, nil); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", r.id()).Msg("terminal notification")
		}
	}

	evt := e.logger.Info()
	if status == StatusFailed {
		evt = e.logger.Warn().Str("error", errMsg)
	}
	evt.
		Str("execution_id", r.id()).
		Str("workflow_id", r.exec.WorkflowID).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("execution finished")

	close(r.done)
}

// event emits one observability event with a per-execution sequence number.
func (e *Engine) event(r *run, name emit.Name, nodeID string, meta map[string]interface{}) {
	r.mu.Lock()
	r.seq++
	evt := emit.Event{
		ExecutionID: r.id(),
		WorkflowID:  r.exec.WorkflowID,
		Seq:         r.seq,
		NodeID:      nodeID,
		Name:        name,
		Time:        e.now(),
		Meta:        meta,
	}
	r.mu.Unlock()
	e.emitter.Emit(evt)
}

// reportFault routes a node error through the error handler for
// classification, dead-lettering, and reporting.
func (e *Engine) reportFault(r *run, nodeID string, err error) {
	e.faults.Handle(err, fault.ErrorContext{
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.id(),
		NodeID:      nodeID,
		Component:   "workflow_engine",
		Operation:   "execute_node",
	})
}

// startChild launches a sub-workflow execution after recursion checks.
func (e *Engine) startChild(_ context.Context, nc *NodeContext, workflowID string, input map[string]value.Value) (string, error) {
	chainVal := nc.Metadata["chain"]
	chain, _ := chainVal.AsList()
	if len(chain) >= e.cfg.MaxChainDepth {
		return "", fmt.Errorf("%w: depth %d", ErrRecursionLimit, len(chain))
	}
	for _, link := range chain {
		if id, ok := link.AsString(); ok && id == workflowID {
			return "", fmt.Errorf("%w: workflow %s is already in the call chain", ErrRecursionLimit, workflowID)
		}
	}

	meta := map[string]value.Value{
		"chain":               value.List(chain...).Clone(),
		"parent_execution_id": value.String(nc.ExecutionID),
	}
	r, err := e.begin(workflowID, input, TriggerChain, meta)
	if err != nil {
		return "", err
	}
	return r.id(), nil
}
