package engine

import (
	"time"

	"github.com/steeldragon666/omniflow/engine/value"
)

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TriggerType records what started an execution.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
	TriggerEvent     TriggerType = "event"
	TriggerChain     TriggerType = "chain"
)

// NodeStatus is the outcome of a single node dispatch.
type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeFailure NodeStatus = "failure"
	NodeSkipped NodeStatus = "skipped"
)

// NodeResult records the outcome of one node in execution order.
type NodeResult struct {
	NodeID      string        `json:"node_id"`
	NodeName    string        `json:"node_name,omitempty"`
	NodeType    string        `json:"node_type,omitempty"`
	Status      NodeStatus    `json:"status"`
	Output      value.Value   `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count,omitempty"`
}

// Context carries the mutable data threaded through an execution. Secrets
// are deliberately excluded from serialization so they never reach logs,
// snapshots, or API responses.
type Context struct {
	Variables map[string]value.Value `json:"variables"`
	Input     map[string]value.Value `json:"input,omitempty"`
	Output    map[string]value.Value `json:"output,omitempty"`
	Metadata  map[string]value.Value `json:"metadata,omitempty"`
	Secrets   map[string]string      `json:"-"`
}

func (c *Context) clone() Context {
	cp := Context{
		Variables: cloneValues(c.Variables),
		Input:     cloneValues(c.Input),
		Output:    cloneValues(c.Output),
		Metadata:  cloneValues(c.Metadata),
	}
	if c.Secrets != nil {
		cp.Secrets = make(map[string]string, len(c.Secrets))
		for k, v := range c.Secrets {
			cp.Secrets[k] = v
		}
	}
	return cp
}

func cloneValues(in map[string]value.Value) map[string]value.Value {
	if in == nil {
		return nil
	}
	out := make(map[string]value.Value, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// Execution is one run of a workflow. The engine owns the canonical copy;
// accessors hand out deep copies so readers never race the run loop.
type Execution struct {
	ID           string        `json:"id"`
	WorkflowID   string        `json:"workflow_id"`
	WorkflowName string        `json:"workflow_name,omitempty"`
	Version      int           `json:"version"`
	Status       Status        `json:"status"`
	TriggerType  TriggerType   `json:"trigger_type"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Progress     int           `json:"progress"`
	CurrentNode  string        `json:"current_node,omitempty"`
	Context      Context       `json:"context"`
	NodeResults  []NodeResult  `json:"node_results"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	Error        string        `json:"error,omitempty"`
	StateID      string        `json:"state_id,omitempty"`
	Stats        *UsageStats   `json:"stats,omitempty"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.Context = e.Context.clone()
	cp.NodeResults = make([]NodeResult, len(e.NodeResults))
	for i, r := range e.NodeResults {
		cp.NodeResults[i] = r
		cp.NodeResults[i].Output = r.Output.Clone()
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.Stats != nil {
		st := e.Stats.clone()
		cp.Stats = &st
	}
	return &cp
}

// result returns the recorded result for a node id, if any.
func (e *Execution) result(nodeID string) (NodeResult, bool) {
	for _, r := range e.NodeResults {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return NodeResult{}, false
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	Status     Status
	Limit      int
}
