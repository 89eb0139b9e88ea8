// Package emit carries execution events from the engine to observers.
//
// Logging and event emission are separate concerns: zerolog output is for
// operators, emit.Event is for programmatic observers such as the management
// API's live stream, the event bus bridge, and tests.
package emit

// Emitter receives execution events.
//
// Implementations must be safe for concurrent use and must not block the
// execution path: slow backends should buffer or drop. Emit never panics.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to every child in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil children are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// Emit delivers the event to every child emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
