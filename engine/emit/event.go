package emit

import "time"

// Name identifies an execution event. Components emit only the enumerated
// names below; observers can switch on them without string plumbing.
type Name string

const (
	WorkflowStarted   Name = "workflow:started"
	WorkflowCompleted Name = "workflow:completed"
	WorkflowFailed    Name = "workflow:failed"
	WorkflowCancelled Name = "workflow:cancelled"
	WorkflowPaused    Name = "workflow:paused"
	WorkflowResumed   Name = "workflow:resumed"

	NodeStarted Name = "node:started"
	NodeSuccess Name = "node:success"
	NodeFailure Name = "node:failure"
	NodeSkipped Name = "node:skipped"

	ExecutionProgress Name = "execution:progress"

	CacheExpired Name = "state:cache_expired"
)

// Event is one observability record from a workflow execution.
//
// Events describe what happened, not why: node lifecycle, workflow lifecycle,
// and progress. Meta carries event-specific detail such as "progress",
// "duration_ms", or "error".
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string `json:"execution_id"`

	// WorkflowID is the definition the execution was created from.
	WorkflowID string `json:"workflow_id"`

	// Seq is the per-execution sequence number (1-indexed). Events from one
	// execution are totally ordered by Seq.
	Seq int `json:"seq"`

	// NodeID identifies the node for node-level events. Empty for
	// workflow-level events.
	NodeID string `json:"node_id,omitempty"`

	// Name is the enumerated event name.
	Name Name `json:"name"`

	// Time is when the event was emitted.
	Time time.Time `json:"time"`

	// Meta carries event-specific structured detail. Common keys:
	// "progress" (0-100), "duration_ms", "error", "status", "trigger_type".
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// IsTerminal reports whether the event marks the end of its execution.
func (e Event) IsTerminal() bool {
	switch e.Name {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}
