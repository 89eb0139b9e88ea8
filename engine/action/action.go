// Package action runs side-effect actions independently of the workflow
// scheduler: a priority queue feeds a bounded worker pool, with per-action
// rate limits, timeouts, retries, and cooperative cancellation.
package action

import (
	"context"
	"errors"
	"time"

	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Errors returned by the executor.
var (
	ErrActionNotFound    = errors.New("action not found")
	ErrExecutionNotFound = errors.New("action execution not found")
	ErrRateLimited       = errors.New("action rate limit exceeded")
	ErrQueueFull         = errors.New("action queue full")
	ErrNotCancellable    = errors.New("action execution not cancellable")
	ErrInvalidDefinition = errors.New("invalid action definition")
)

// Handler performs the action's side effect. It must observe ctx: the
// executor cancels it on timeout and on Cancel.
type Handler func(ctx context.Context, input map[string]value.Value) (value.Value, error)

// RateLimit bounds submissions per definition. When the limit is exhausted,
// Submit fails immediately rather than queueing.
type RateLimit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Definition describes a registered action.
type Definition struct {
	ID      string
	Name    string
	Type    string
	Handler Handler

	// Timeout bounds each attempt. Zero means no per-action timeout.
	Timeout time.Duration

	// RetryPolicy, when non-nil and enabled, re-enqueues failed attempts
	// after the computed backoff delay.
	RetryPolicy *fault.RetryPolicy

	// RateLimit, when non-nil, gates submissions.
	RateLimit *RateLimit

	// InputSchema, when non-nil, validates input at submission.
	InputSchema *Schema
}

// Status is the lifecycle status of one action execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// LogEntry is one append-only log line on an execution.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Execution tracks one submitted action through its lifecycle.
type Execution struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`

	// ExecutionID and NodeID identify the owning workflow execution and
	// node, when the action was submitted by the engine.
	ExecutionID string `json:"execution_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`

	Status     Status                 `json:"status"`
	Input      map[string]value.Value `json:"input,omitempty"`
	Output     value.Value            `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`

	// Logs is append-only; entries are never mutated after append.
	Logs []LogEntry `json:"logs"`

	Priority    int        `json:"priority"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// seq breaks priority ties in submission order.
	seq uint64

	// done closes when the execution reaches a terminal status. Await
	// blocks on it; copies handed to callers carry nil.
	done chan struct{}
}

// copyOut returns a detached copy safe to hand to callers.
func (e *Execution) copyOut() *Execution {
	cp := *e
	cp.done = nil
	cp.Input = value.CloneMap(e.Input)
	cp.Output = e.Output.Clone()
	cp.Logs = append([]LogEntry(nil), e.Logs...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
