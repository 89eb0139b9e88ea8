package bus

import (
	"context"
	"time"

	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Emitter republishes execution events onto the bus, so workflows can chain
// on engine lifecycle events such as workflow:completed. Install it on the
// engine alongside other sinks via emit.NewMultiEmitter.
type Emitter struct {
	bus *Bus
}

// NewEmitter wraps a bus as an execution-event sink.
func NewEmitter(b *Bus) *Emitter {
	return &Emitter{bus: b}
}

// Emit publishes the event under its enumerated name with the event fields
// flattened into the payload.
func (em *Emitter) Emit(ev emit.Event) {
	data := map[string]value.Value{
		"execution_id": value.String(ev.ExecutionID),
		"workflow_id":  value.String(ev.WorkflowID),
		"seq":          value.Number(float64(ev.Seq)),
		"time":         value.String(ev.Time.Format(time.RFC3339Nano)),
	}
	if ev.NodeID != "" {
		data["node_id"] = value.String(ev.NodeID)
	}
	for k, v := range ev.Meta {
		data[k] = value.From(v)
	}
	em.bus.Publish(context.Background(), string(ev.Name), data, "engine")
}
