package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts each event into an OpenTelemetry span.
//
// Events are points in time, so each span is ended immediately; when Meta
// carries "error" the span status is set to Error. Wire a real exporter by
// installing a trace provider before constructing the tracer.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter builds an emitter creating spans on the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span named after the event name.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), string(event.Name))
	defer span.End()

	span.SetAttributes(
		attribute.String("omniflow.execution_id", event.ExecutionID),
		attribute.String("omniflow.workflow_id", event.WorkflowID),
		attribute.Int("omniflow.seq", event.Seq),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("omniflow.node_id", event.NodeID))
	}

	for key, val := range event.Meta {
		switch v := val.(type) {
		case string:
			span.SetAttributes(attribute.String("omniflow."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("omniflow."+key, v))
		case int:
			span.SetAttributes(attribute.Int("omniflow."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("omniflow."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("omniflow."+key, v))
		default:
			span.SetAttributes(attribute.String("omniflow."+key, fmt.Sprint(v)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
