package httpapi

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/steeldragon666/omniflow/engine/emit"
)

const (
	// watchBuffer bounds the per-watcher event queue. A watcher that falls
	// this far behind starts losing events rather than stalling the engine.
	watchBuffer = 256

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second

	// terminalGrace is how long a stream waits for the terminal event when
	// the execution is already marked terminal, covering the gap between
	// the status flip and the final emit.
	terminalGrace = 5 * time.Second
)

// Stream fans execution events out to websocket watchers. It implements
// emit.Emitter so the composition root can place it on the engine's emitter
// chain; Emit never blocks, dropping events for watchers whose queue is
// full.
type Stream struct {
	mu      sync.Mutex
	next    int
	subs    map[string]map[int]chan emit.Event
	dropped int64
}

// NewStream builds an empty hub.
func NewStream() *Stream {
	return &Stream{subs: make(map[string]map[int]chan emit.Event)}
}

// Emit delivers the event to every watcher of its execution.
func (s *Stream) Emit(event emit.Event) {
	s.mu.Lock()
	watchers := s.subs[event.ExecutionID]
	chans := make([]chan emit.Event, 0, len(watchers))
	for _, ch := range watchers {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			atomic.AddInt64(&s.dropped, 1)
		}
	}
}

// Dropped counts events discarded because a watcher queue was full.
func (s *Stream) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Watchers reports how many streams are attached to an execution.
func (s *Stream) Watchers(executionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[executionID])
}

// Watch attaches a new watcher to an execution and returns its handle and
// event channel. Callers must Unwatch with the handle when done.
func (s *Stream) Watch(executionID string) (int, <-chan emit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	m, ok := s.subs[executionID]
	if !ok {
		m = make(map[int]chan emit.Event)
		s.subs[executionID] = m
	}
	ch := make(chan emit.Event, watchBuffer)
	m[id] = ch
	return id, ch
}

// Unwatch detaches a watcher registered with Watch.
func (s *Stream) Unwatch(executionID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.subs[executionID]
	delete(m, id)
	if len(m) == 0 {
		delete(s.subs, executionID)
	}
}

// safeConn serializes writes; gorilla/websocket does not support concurrent
// writers.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteJSON(v)
}

func (sc *safeConn) ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
}

func (sc *safeConn) close(code int, reason string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The management API is not served cross-origin to browsers; the
	// deployment fences the listener.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleExecutionStream streams an execution's events over a websocket:
// buffered history first, then live events. The socket closes from the
// server side once the terminal event has been forwarded. Disconnecting
// never affects the execution itself.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if _, err := s.deps.Engine.GetExecution(id); err != nil {
		s.fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug().Err(err).Str("execution_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	sc := &safeConn{conn: conn}

	// Watch before replaying so nothing falls between the buffered history
	// and the live feed. Overlap is deduplicated by sequence number.
	watchID, live := s.deps.Stream.Watch(id)
	defer s.deps.Stream.Unwatch(id, watchID)

	lastSeq := 0
	if s.deps.History != nil {
		for _, ev := range s.deps.History.ExecutionHistory(id, emit.HistoryFilter{}) {
			if err := sc.writeJSON(ev); err != nil {
				return
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
			if isTerminal(ev.Name) {
				sc.close(websocket.CloseNormalClosure, "execution finished")
				return
			}
		}
	}

	// The execution may have finished before the watch was registered. The
	// terminal event can still be in flight, so drain briefly instead of
	// waiting for events that may never come.
	exec, err := s.deps.Engine.GetExecution(id)
	if err == nil && exec.Status.Terminal() {
		s.drainTerminal(sc, live, lastSeq)
		sc.close(websocket.CloseNormalClosure, "execution finished")
		return
	}

	// Read loop detects the client going away; inbound frames carry no
	// protocol, pongs extend the deadline.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ping.C:
			if err := sc.ping(); err != nil {
				return
			}
		case ev := <-live:
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := sc.writeJSON(ev); err != nil {
				return
			}
			if isTerminal(ev.Name) {
				sc.close(websocket.CloseNormalClosure, "execution finished")
				return
			}
		}
	}
}

// drainTerminal forwards live events until the terminal one arrives or the
// grace period elapses.
func (s *Server) drainTerminal(sc *safeConn, live <-chan emit.Event, lastSeq int) {
	deadline := time.NewTimer(terminalGrace)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return
		case ev := <-live:
			if ev.Seq != 0 && ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := sc.writeJSON(ev); err != nil {
				return
			}
			if isTerminal(ev.Name) {
				return
			}
		}
	}
}

func isTerminal(n emit.Name) bool {
	switch n {
	case emit.WorkflowCompleted, emit.WorkflowFailed, emit.WorkflowCancelled:
		return true
	}
	return false
}
