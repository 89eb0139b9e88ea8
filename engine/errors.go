package engine

import "errors"

// Error codes attached to EngineError and NodeError values. Codes are
// stable strings so callers can branch without string-matching messages.
const (
	CodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	CodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	CodeInvalidWorkflow   = "INVALID_WORKFLOW"
	CodeCycleDetected     = "CYCLE_DETECTED"
	CodeNoStartNode       = "NO_START_NODE"
	CodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNodeFailed        = "NODE_FAILED"
	CodeNodeTimeout       = "NODE_TIMEOUT"
	CodeNodePanic         = "NODE_PANIC"
	CodeRecursionLimit    = "RECURSION_LIMIT"
	CodeExecutionsRunning = "EXECUTIONS_RUNNING"
	CodeEngineStopped     = "ENGINE_STOPPED"
)

// Sentinel errors for conditions callers routinely branch on with errors.Is.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid execution state transition")
	ErrExecutionsRunning = errors.New("workflow has running executions")
	ErrEngineStopped     = errors.New("engine is not running")
	ErrRecursionLimit    = errors.New("sub-workflow recursion limit reached")
)

// EngineError is a workflow-level error with a stable machine-readable code.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	return e.Code + ": " + e.Message
}

// NodeError describes a failure raised while executing a single node. It
// wraps the underlying cause so errors.Is/As keep working through it.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return e.Code + ": node " + e.NodeID + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// newNodeError wraps cause in a NodeError, preserving an existing code when
// the cause already is one (timeouts keep NODE_TIMEOUT through retries).
func newNodeError(nodeID, code string, cause error) *NodeError {
	var ne *NodeError
	if errors.As(cause, &ne) && ne.NodeID == nodeID {
		return ne
	}
	msg := "node execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &NodeError{Message: msg, Code: code, NodeID: nodeID, Cause: cause}
}
