package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Config bounds the executor.
type Config struct {
	// MaxConcurrent is the worker pool size. Default 20.
	MaxConcurrent int `json:"max_concurrent_executions"`

	// QueueCapacity bounds pending executions. Default 1000.
	QueueCapacity int `json:"queue_capacity"`

	// MaxTracked bounds retained execution records; the oldest terminal
	// records are evicted first. Default 1000.
	MaxTracked int `json:"max_tracked"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 20, QueueCapacity: 1000, MaxTracked: 1000}
}

// Request submits one action run.
type Request struct {
	ActionID string
	Input    map[string]value.Value
	Priority int

	// ExecutionID and NodeID tie the action to the workflow execution that
	// submitted it, when there is one.
	ExecutionID string
	NodeID      string
}

// Executor runs registered actions on a bounded worker pool with a priority
// queue, per-definition rate limits, timeouts, and retry policies.
type Executor struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	defs     map[string]*Definition
	limiters map[string]*rate.Limiter
	execs    map[string]*Execution
	order    []string
	running  map[string]context.CancelFunc

	queue *queue
	seq   atomic.Uint64
	wg    sync.WaitGroup
}

// NewExecutor wires an executor from config.
func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = def.MaxTracked
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "action_executor").Logger(),
		now:      time.Now,
		defs:     make(map[string]*Definition),
		limiters: make(map[string]*rate.Limiter),
		execs:    make(map[string]*Execution),
		running:  make(map[string]context.CancelFunc),
		queue:    newQueue(cfg.QueueCapacity),
	}
}

// RegisterAction adds or replaces a definition. The rate limiter, when
// configured, admits at most MaxRequests submissions per Window.
func (x *Executor) RegisterAction(def Definition) error {
	if def.ID == "" || def.Handler == nil {
		return fmt.Errorf("%w: id and handler are required", ErrInvalidDefinition)
	}
	if def.RetryPolicy != nil {
		if err := def.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.ID, err)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.defs[def.ID] = &def
	if rl := def.RateLimit; rl != nil && rl.MaxRequests > 0 && rl.Window > 0 {
		x.limiters[def.ID] = rate.NewLimiter(
			rate.Every(rl.Window/time.Duration(rl.MaxRequests)),
			rl.MaxRequests,
		)
	} else {
		delete(x.limiters, def.ID)
	}
	return nil
}

// DeregisterAction removes a definition. Queued executions for it fail at
// dispatch.
func (x *Executor) DeregisterAction(id string) {
	x.mu.Lock()
	delete(x.defs, id)
	delete(x.limiters, id)
	x.mu.Unlock()
}

// Definitions returns the registered definitions.
func (x *Executor) Definitions() []Definition {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Definition, 0, len(x.defs))
	for _, d := range x.defs {
		out = append(out, *d)
	}
	return out
}

// Submit validates and enqueues one action run. It fails immediately when
// the action is unknown, its rate limit is exhausted, the input violates the
// schema, or the queue is full.
func (x *Executor) Submit(req Request) (*Execution, error) {
	x.mu.RLock()
	def, ok := x.defs[req.ActionID]
	limiter := x.limiters[req.ActionID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, req.ActionID)
	}

	if limiter != nil && !limiter.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.ActionID)
	}
	if err := def.InputSchema.Validate(def.ID, req.Input); err != nil {
		return nil, err
	}

	now := x.now()
	e := &Execution{
		ID:          "act_" + uuid.NewString(),
		ActionID:    def.ID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Status:      StatusPending,
		Input:       value.CloneMap(req.Input),
		Priority:    req.Priority,
		QueuedAt:    now,
		Logs:        []LogEntry{{Time: now, Level: "info", Message: "queued"}},
		seq:         x.seq.Add(1),
		done:        make(chan struct{}),
	}

	x.mu.Lock()
	x.track(e)
	x.mu.Unlock()

	if err := x.queue.enqueue(e); err != nil {
		x.mu.Lock()
		x.finishLocked(e, StatusFailed, err.Error())
		x.mu.Unlock()
		return nil, err
	}
	return e.copyOut(), nil
}

// Start launches the worker pool. Workers exit when ctx is done; Wait blocks
// until they have.
func (x *Executor) Start(ctx context.Context) {
	for i := 0; i < x.cfg.MaxConcurrent; i++ {
		x.wg.Add(1)
		go x.worker(ctx)
	}
	x.logger.Info().Int("workers", x.cfg.MaxConcurrent).Msg("action executor started")
}

// Wait blocks until all workers have exited.
func (x *Executor) Wait() {
	x.wg.Wait()
}

// Await blocks until the execution reaches a terminal status and returns its
// final record. It returns early with the context error when ctx is done;
// the execution itself keeps running in that case.
func (x *Executor) Await(ctx context.Context, id string) (*Execution, error) {
	x.mu.RLock()
	e, ok := x.execs[id]
	var done chan struct{}
	if ok {
		done = e.done
	}
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if done != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
	return x.Get(id)
}

// Get returns a copy of an execution record.
func (x *Executor) Get(id string) (*Execution, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return e.copyOut(), nil
}

// List returns copies of tracked executions, oldest first. Empty filter
// fields match everything.
func (x *Executor) List(actionID string, status Status) []*Execution {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Execution, 0)
	for _, id := range x.order {
		e, ok := x.execs[id]
		if !ok {
			continue
		}
		if actionID != "" && e.ActionID != actionID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e.copyOut())
	}
	return out
}

// Cancel stops an execution. Pending executions are dequeued synchronously;
// running ones receive a cancellation signal their handler must observe.
func (x *Executor) Cancel(id string) error {
	x.mu.Lock()
	e, ok := x.execs[id]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	switch e.Status {
	case StatusPending:
		x.queue.remove(id)
		x.appendLogLocked(e, "info", "cancelled while pending")
		x.finishLocked(e, StatusCancelled, "")
		x.mu.Unlock()
		return nil
	case StatusRunning:
		cancel := x.running[id]
		x.appendLogLocked(e, "info", "cancellation requested")
		x.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		status := e.Status
		x.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, status)
	}
}

// QueueDepth returns the number of queued executions.
func (x *Executor) QueueDepth() int {
	return x.queue.depth()
}

// Inflight returns the number of executions currently running.
func (x *Executor) Inflight() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.running)
}

func (x *Executor) worker(ctx context.Context) {
	defer x.wg.Done()
	for {
		e, err := x.queue.dequeue(ctx)
		if err != nil {
			return
		}
		x.dispatch(ctx, e)
	}
}

func (x *Executor) dispatch(ctx context.Context, e *Execution) {
	x.mu.Lock()
	if e.Status != StatusPending {
		x.mu.Unlock()
		return
	}
	def, ok := x.defs[e.ActionID]
	if !ok {
		x.appendLogLocked(e, "error", "action definition removed before dispatch")
		x.finishLocked(e, StatusFailed, ErrActionNotFound.Error())
		x.mu.Unlock()
		return
	}
	e.Status = StatusRunning
	started := x.now()
	e.StartedAt = &started
	runCtx, cancel := context.WithCancel(ctx)
	x.running[e.ID] = cancel
	x.appendLogLocked(e, "info", fmt.Sprintf("attempt %d started", e.RetryCount+1))
	x.mu.Unlock()
	defer cancel()

	out, err := x.invoke(runCtx, def, e)

	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.running, e.ID)

	if err == nil {
		e.Output = out
		x.appendLogLocked(e, "info", "completed")
		x.finishLocked(e, StatusCompleted, "")
		return
	}

	// Cancelled by Cancel or shutdown: never retried.
	if runCtx.Err() == context.Canceled || ctx.Err() != nil {
		x.appendLogLocked(e, "info", "cancelled while running")
		x.finishLocked(e, StatusCancelled, err.Error())
		return
	}

	if x.retryLocked(ctx, def, e, err) {
		return
	}

	status := StatusFailed
	if errors.Is(err, context.DeadlineExceeded) {
		status = StatusTimeout
	}
	x.appendLogLocked(e, "error", fmt.Sprintf("attempt %d failed: %v", e.RetryCount+1, err))
	x.finishLocked(e, status, err.Error())
}

// invoke races the handler against the per-action timeout. On overrun the
// handler keeps the cancelled context and is abandoned; the buffered channel
// lets it finish without leaking.
func (x *Executor) invoke(ctx context.Context, def *Definition, e *Execution) (value.Value, error) {
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	type result struct {
		out value.Value
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("action handler panic: %v", r)}
			}
		}()
		out, err := def.Handler(ctx, e.Input)
		ch <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return value.Value{}, ctx.Err()
	case r := <-ch:
		return r.out, r.err
	}
}

// retryLocked consults the retry policy and, when allowed, schedules a
// re-enqueue after the computed backoff. Returns true if a retry was
// scheduled. Caller holds x.mu.
func (x *Executor) retryLocked(ctx context.Context, def *Definition, e *Execution, err error) bool {
	policy := def.RetryPolicy
	if policy == nil || e.RetryCount >= policy.MaxRetries {
		return false
	}
	classified := fault.Classify(err, fault.ErrorContext{
		ExecutionID: e.ExecutionID,
		NodeID:      e.NodeID,
		Component:   "action_executor",
		Operation:   def.ID,
	})
	if !policy.Retryable(classified.Type) {
		return false
	}

	e.RetryCount++
	delay := policy.Delay(e.RetryCount, nil)
	e.Status = StatusPending
	x.appendLogLocked(e, "warn",
		fmt.Sprintf("attempt %d failed: %v; retry %d of %d in %s",
			e.RetryCount, err, e.RetryCount, policy.MaxRetries, delay))

	go x.requeueAfter(ctx, e, delay)
	return true
}

// requeueAfter re-enqueues a retry once its backoff elapses, unless the
// execution was cancelled or the executor is shutting down.
func (x *Executor) requeueAfter(ctx context.Context, e *Execution, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		x.mu.Lock()
		if e.Status == StatusPending {
			x.finishLocked(e, StatusCancelled, "")
		}
		x.mu.Unlock()
		return
	case <-timer.C:
	}

	x.mu.Lock()
	if e.Status != StatusPending {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	if err := x.queue.enqueue(e); err != nil {
		x.mu.Lock()
		x.finishLocked(e, StatusFailed, err.Error())
		x.mu.Unlock()
	}
}

// finishLocked stamps a terminal status and releases waiters. Caller holds
// x.mu.
func (x *Executor) finishLocked(e *Execution, status Status, errMsg string) {
	e.Status = status
	if errMsg != "" {
		e.Error = errMsg
	}
	done := x.now()
	e.CompletedAt = &done
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// appendLogLocked appends one log line. Caller holds x.mu.
func (x *Executor) appendLogLocked(e *Execution, level, msg string) {
	e.Logs = append(e.Logs, LogEntry{Time: x.now(), Level: level, Message: msg})
}

// track records a new execution, evicting the oldest terminal records past
// the retention bound. Caller holds x.mu.
func (x *Executor) track(e *Execution) {
	x.execs[e.ID] = e
	x.order = append(x.order, e.ID)
	if max := x.cfg.MaxTracked; len(x.order) > max {
		over := len(x.order) - max
		kept := x.order[:0]
		for _, id := range x.order {
			old, ok := x.execs[id]
			if over > 0 && ok && old.Status.Terminal() {
				delete(x.execs, id)
				over--
				continue
			}
			kept = append(kept, id)
		}
		x.order = kept
	}
}
