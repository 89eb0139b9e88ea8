package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/value"
)

// ErrorHandling selects how the execution loop reacts to a failed node.
type ErrorHandling string

const (
	// ErrorHandlingStop terminates the execution at the first node failure.
	ErrorHandlingStop ErrorHandling = "stop"
	// ErrorHandlingContinue records the failure and keeps dispatching;
	// failed predecessors still activate their successors.
	ErrorHandlingContinue ErrorHandling = "continue"
	// ErrorHandlingRetry re-executes a failed node per the workflow retry
	// policy before giving up and terminating like stop.
	ErrorHandlingRetry ErrorHandling = "retry"
)

// Position is an optional editor hint carried through round-trips untouched.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single unit of work inside a workflow graph.
type Node struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Config   map[string]value.Value `json:"config,omitempty"`
	Position *Position              `json:"position,omitempty"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
	Disabled bool                   `json:"disabled,omitempty"`
}

// Edge is a directed connection between two nodes. A guarded edge only
// activates its target when the guard condition evaluates true against
// the execution context; a failed guard skips the target for dataflow
// without failing the execution.
type Edge struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	Target    string               `json:"target"`
	Condition *condition.Condition `json:"condition,omitempty"`
	Label     string               `json:"label,omitempty"`
}

// Settings configures execution behavior for a workflow.
type Settings struct {
	Timeout       time.Duration      `json:"timeout,omitempty"`
	RetryPolicy   *fault.RetryPolicy `json:"retry_policy,omitempty"`
	ErrorHandling ErrorHandling      `json:"error_handling,omitempty"`

	// NotifyOnSuccess and NotifyOnFailure route terminal executions to the
	// notification provider.
	NotifyOnSuccess bool `json:"notify_on_success,omitempty"`
	NotifyOnFailure bool `json:"notify_on_failure,omitempty"`
}

// TriggerSpec is a declarative trigger carried on a workflow definition.
// The trigger service materializes specs into live triggers when the
// workflow is registered with it; the engine stores them untouched.
type TriggerSpec struct {
	ID         string                 `json:"id,omitempty"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name,omitempty"`
	Active     bool                   `json:"active"`
	Config     map[string]value.Value `json:"config,omitempty"`
	Conditions []condition.Condition  `json:"conditions,omitempty"`
}

// WorkflowDefinition is the declarative description of a workflow graph.
type WorkflowDefinition struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Version     int                    `json:"version"`
	Active      bool                   `json:"active"`
	Nodes       []Node                 `json:"nodes"`
	Edges       []Edge                 `json:"edges"`
	Triggers    []TriggerSpec          `json:"triggers,omitempty"`
	Variables   map[string]value.Value `json:"variables,omitempty"`
	Settings    Settings               `json:"settings"`
	Tags        []string               `json:"tags,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so callers can hold definitions without
// racing engine-internal mutation.
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	cp := *w
	cp.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		cp.Nodes[i] = n
		if n.Config != nil {
			cfg := make(map[string]value.Value, len(n.Config))
			for k, v := range n.Config {
				cfg[k] = v.Clone()
			}
			cp.Nodes[i].Config = cfg
		}
		if n.Position != nil {
			pos := *n.Position
			cp.Nodes[i].Position = &pos
		}
	}
	cp.Edges = make([]Edge, len(w.Edges))
	for i, e := range w.Edges {
		cp.Edges[i] = e
		if e.Condition != nil {
			cond := *e.Condition
			cp.Edges[i].Condition = &cond
		}
	}
	if w.Triggers != nil {
		cp.Triggers = make([]TriggerSpec, len(w.Triggers))
		for i, t := range w.Triggers {
			cp.Triggers[i] = t
			if t.Config != nil {
				cfg := make(map[string]value.Value, len(t.Config))
				for k, v := range t.Config {
					cfg[k] = v.Clone()
				}
				cp.Triggers[i].Config = cfg
			}
			cp.Triggers[i].Conditions = append([]condition.Condition(nil), t.Conditions...)
		}
	}
	if w.Variables != nil {
		vars := make(map[string]value.Value, len(w.Variables))
		for k, v := range w.Variables {
			vars[k] = v.Clone()
		}
		cp.Variables = vars
	}
	if w.Settings.RetryPolicy != nil {
		rp := *w.Settings.RetryPolicy
		cp.Settings.RetryPolicy = &rp
	}
	if w.Tags != nil {
		cp.Tags = append([]string(nil), w.Tags...)
	}
	return &cp
}

// node looks a node up by id.
func (w *WorkflowDefinition) node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// startNodes returns the ids of nodes with no incoming edges, in
// declaration order.
func (w *WorkflowDefinition) startNodes() []string {
	incoming := make(map[string]int, len(w.Nodes))
	for _, e := range w.Edges {
		incoming[e.Target]++
	}
	var starts []string
	for _, n := range w.Nodes {
		if incoming[n.ID] == 0 {
			starts = append(starts, n.ID)
		}
	}
	return starts
}

// contentEqual reports whether two definitions describe the same workflow,
// ignoring version and timestamps. Register uses it for idempotency.
func (w *WorkflowDefinition) contentEqual(other *WorkflowDefinition) bool {
	a, b := w.Clone(), other.Clone()
	a.Version, b.Version = 0, 0
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// ValidationIssue is one problem found while validating a definition.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// ValidationResult is the outcome of validating a workflow definition.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

func (r *ValidationResult) add(code, nodeID, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		NodeID:  nodeID,
	})
}

// validate checks a definition against the handler registry: non-empty and
// unique nodes, known node types, edge endpoints that exist, at least one
// start node, and an acyclic graph.
func validate(w *WorkflowDefinition, known func(nodeType string) bool) ValidationResult {
	var res ValidationResult
	if w.ID == "" {
		res.add(CodeInvalidWorkflow, "", "workflow id is required")
	}
	if len(w.Nodes) == 0 {
		res.add(CodeInvalidWorkflow, "", "workflow %q has no nodes", w.ID)
		res.Valid = false
		return res
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			res.add(CodeInvalidWorkflow, "", "node with empty id")
			continue
		}
		if seen[n.ID] {
			res.add(CodeInvalidWorkflow, n.ID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Type == "" {
			res.add(CodeUnknownNodeType, n.ID, "node %q has no type", n.ID)
		} else if !known(n.Type) {
			res.add(CodeUnknownNodeType, n.ID, "node %q has unregistered type %q", n.ID, n.Type)
		}
	}

	for _, e := range w.Edges {
		if !seen[e.Source] {
			res.add(CodeInvalidWorkflow, e.Source, "edge %q references unknown source %q", e.ID, e.Source)
		}
		if !seen[e.Target] {
			res.add(CodeInvalidWorkflow, e.Target, "edge %q references unknown target %q", e.ID, e.Target)
		}
	}

	if len(w.startNodes()) == 0 {
		res.add(CodeNoStartNode, "", "workflow %q has no start node; every node has incoming edges", w.ID)
	}

	if id, ok := findCycle(w); ok {
		res.add(CodeCycleDetected, id, "workflow %q contains a cycle through node %q", w.ID, id)
	}

	res.Valid = len(res.Errors) == 0
	return res
}
