package emit

import "sync"

// BufferedEmitter retains events in memory, organized per execution, with a
// bounded per-execution history. It backs the management API's event queries
// and the replay portion of the live stream.
//
// When an execution's history exceeds the cap the oldest events are evicted
// first; terminal events are still appended, so the tail of a long execution
// always includes its outcome.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // execution id -> ordered events
	order  []string           // execution ids, oldest first
	perRun int
	maxRun int
}

// HistoryFilter narrows ExecutionHistory results. Zero fields do not filter;
// set fields combine with AND.
type HistoryFilter struct {
	NodeID string
	Name   Name
	MinSeq *int
	MaxSeq *int
}

func (f HistoryFilter) matches(e Event) bool {
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if f.MinSeq != nil && e.Seq < *f.MinSeq {
		return false
	}
	if f.MaxSeq != nil && e.Seq > *f.MaxSeq {
		return false
	}
	return true
}

// NewBufferedEmitter builds a buffer keeping up to perRun events per
// execution across up to maxRuns executions (oldest execution evicted first).
// Non-positive arguments select the defaults (1000 events, 100 executions).
func NewBufferedEmitter(perRun, maxRuns int) *BufferedEmitter {
	if perRun <= 0 {
		perRun = 1000
	}
	if maxRuns <= 0 {
		maxRuns = 100
	}
	return &BufferedEmitter{
		events: make(map[string][]Event),
		perRun: perRun,
		maxRun: maxRuns,
	}
}

// Emit appends the event to its execution's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, seen := b.events[event.ExecutionID]; !seen {
		b.order = append(b.order, event.ExecutionID)
		if len(b.order) > b.maxRun {
			evict := b.order[0]
			b.order = b.order[1:]
			delete(b.events, evict)
		}
	}

	history := append(b.events[event.ExecutionID], event)
	if len(history) > b.perRun {
		history = history[len(history)-b.perRun:]
	}
	b.events[event.ExecutionID] = history
}

// ExecutionHistory returns the retained events for one execution in emission
// order, optionally filtered.
func (b *BufferedEmitter) ExecutionHistory(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history := b.events[executionID]
	out := make([]Event, 0, len(history))
	for _, e := range history {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Executions lists execution ids with retained history, oldest first.
func (b *BufferedEmitter) Executions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Clear drops the history of one execution, or everything when id is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if executionID == "" {
		b.events = make(map[string][]Event)
		b.order = nil
		return
	}
	delete(b.events, executionID)
	for i, id := range b.order {
		if id == executionID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
