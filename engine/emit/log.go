package emit

import "github.com/rs/zerolog"

// LogEmitter writes every event through a zerolog logger.
//
// Workflow lifecycle events log at Info, node failures at Warn, everything
// else at Debug, so production log volume stays proportional to executions
// rather than nodes.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter builds an emitter writing through the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "emitter").Logger()}
}

// Emit logs one event.
func (l *LogEmitter) Emit(event Event) {
	var evt *zerolog.Event
	switch event.Name {
	case WorkflowStarted, WorkflowCompleted, WorkflowCancelled, WorkflowPaused, WorkflowResumed:
		evt = l.logger.Info()
	case WorkflowFailed, NodeFailure:
		evt = l.logger.Warn()
	default:
		evt = l.logger.Debug()
	}

	evt = evt.
		Str("event", string(event.Name)).
		Str("execution_id", event.ExecutionID).
		Str("workflow_id", event.WorkflowID).
		Int("seq", event.Seq)
	if event.NodeID != "" {
		evt = evt.Str("node_id", event.NodeID)
	}
	if len(event.Meta) > 0 {
		evt = evt.Interface("meta", event.Meta)
	}
	evt.Msg("execution event")
}
