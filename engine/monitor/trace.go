package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steeldragon666/omniflow/engine/emit"
)

// SpanLog is one timestamped annotation on a span.
type SpanLog struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Span is one operation inside a trace. Node spans parent to the workflow
// root span.
type Span struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name"`
	NodeID      string            `json:"node_id,omitempty"`
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Logs        []SpanLog         `json:"logs,omitempty"`
}

func (sp *Span) clone() *Span {
	cp := *sp
	if sp.CompletedAt != nil {
		t := *sp.CompletedAt
		cp.CompletedAt = &t
	}
	if sp.Tags != nil {
		cp.Tags = make(map[string]string, len(sp.Tags))
		for k, v := range sp.Tags {
			cp.Tags[k] = v
		}
	}
	cp.Logs = append([]SpanLog(nil), sp.Logs...)
	return &cp
}

// Trace is the distributed trace of one execution.
type Trace struct {
	ExecutionID string     `json:"execution_id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Spans       []*Span    `json:"spans"`
}

func (tr *Trace) clone() *Trace {
	cp := *tr
	if tr.CompletedAt != nil {
		t := *tr.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Spans = make([]*Span, len(tr.Spans))
	for i, sp := range tr.Spans {
		cp.Spans[i] = sp.clone()
	}
	return &cp
}

// spanHandle pairs an in-memory span with its exported OpenTelemetry twin.
type spanHandle struct {
	span *Span
	otel trace.Span
}

// traceBuilder accumulates the trace of one running execution.
type traceBuilder struct {
	trace   *Trace
	root    *spanHandle
	spans   map[string]*spanHandle
	rootCtx context.Context
}

// observeTraceLocked folds one event into the open trace set. Caller holds
// s.mu.
func (s *Service) observeTraceLocked(event emit.Event) {
	switch event.Name {
	case emit.WorkflowStarted:
		s.openTraceLocked(event)
	case emit.NodeStarted:
		s.openSpanLocked(event)
	case emit.NodeSuccess:
		s.closeSpanLocked(event, "ok", "")
	case emit.NodeFailure:
		msg, _ := event.Meta["error"].(string)
		s.closeSpanLocked(event, "error", msg)
	case emit.NodeSkipped:
		s.skipSpanLocked(event)
	case emit.ExecutionProgress:
		s.logProgressLocked(event)
	case emit.WorkflowCompleted, emit.WorkflowFailed, emit.WorkflowCancelled:
		s.closeTraceLocked(event)
	}
}

func (s *Service) openTraceLocked(event emit.Event) {
	root := &Span{
		ID:        "span_" + uuid.NewString(),
		Name:      "workflow:" + event.WorkflowID,
		Status:    "running",
		StartedAt: event.Time,
	}
	if tt, ok := event.Meta["trigger_type"].(string); ok && tt != "" {
		root.Tags = map[string]string{"trigger_type": tt}
	}
	tb := &traceBuilder{
		trace: &Trace{
			ExecutionID: event.ExecutionID,
			WorkflowID:  event.WorkflowID,
			Status:      "running",
			StartedAt:   event.Time,
			Spans:       []*Span{root},
		},
		root:    &spanHandle{span: root},
		spans:   make(map[string]*spanHandle),
		rootCtx: context.Background(),
	}
	if tracer := s.deps.Tracer; tracer != nil {
		ctx, otelSpan := tracer.Start(context.Background(), root.Name, trace.WithTimestamp(event.Time))
		otelSpan.SetAttributes(
			attribute.String("omniflow.execution_id", event.ExecutionID),
			attribute.String("omniflow.workflow_id", event.WorkflowID),
		)
		tb.root.otel = otelSpan
		tb.rootCtx = ctx
	}
	s.open[event.ExecutionID] = tb
}

func (s *Service) openSpanLocked(event emit.Event) {
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return
	}
	sp := &Span{
		ID:        "span_" + uuid.NewString(),
		ParentID:  tb.root.span.ID,
		Name:      "node:" + event.NodeID,
		NodeID:    event.NodeID,
		Status:    "running",
		StartedAt: event.Time,
		Logs:      []SpanLog{{Time: event.Time, Message: "started"}},
	}
	if nt, ok := event.Meta["node_type"].(string); ok && nt != "" {
		sp.Tags = map[string]string{"node_type": nt}
	}
	h := &spanHandle{span: sp}
	if tracer := s.deps.Tracer; tracer != nil {
		_, otelSpan := tracer.Start(tb.rootCtx, sp.Name, trace.WithTimestamp(event.Time))
		otelSpan.SetAttributes(attribute.String("omniflow.node_id", event.NodeID))
		h.otel = otelSpan
	}
	tb.spans[event.NodeID] = h
	tb.trace.Spans = append(tb.trace.Spans, sp)
}

func (s *Service) closeSpanLocked(event emit.Event, status, errMsg string) {
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return
	}
	h, ok := tb.spans[event.NodeID]
	if !ok {
		return
	}
	delete(tb.spans, event.NodeID)

	done := event.Time
	h.span.Status = status
	h.span.CompletedAt = &done
	if d := metaDuration(event.Meta); d > 0 {
		if h.span.Tags == nil {
			h.span.Tags = make(map[string]string, 1)
		}
		h.span.Tags["duration_ms"] = fmt.Sprintf("%d", d.Milliseconds())
	}
	if errMsg != "" {
		h.span.Logs = append(h.span.Logs, SpanLog{Time: done, Message: errMsg})
	}

	if h.otel != nil {
		if errMsg != "" {
			h.otel.SetStatus(codes.Error, errMsg)
			h.otel.RecordError(fmt.Errorf("%s", errMsg))
		}
		h.otel.End(trace.WithTimestamp(done))
	}
}

// skipSpanLocked records a zero-length span for a node the engine never ran.
func (s *Service) skipSpanLocked(event emit.Event) {
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return
	}
	done := event.Time
	sp := &Span{
		ID:          "span_" + uuid.NewString(),
		ParentID:    tb.root.span.ID,
		Name:        "node:" + event.NodeID,
		NodeID:      event.NodeID,
		Status:      "skipped",
		StartedAt:   event.Time,
		CompletedAt: &done,
	}
	tb.trace.Spans = append(tb.trace.Spans, sp)
}

func (s *Service) logProgressLocked(event emit.Event) {
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return
	}
	progress := event.Meta["progress"]
	tb.root.span.Logs = append(tb.root.span.Logs, SpanLog{
		Time:    event.Time,
		Message: fmt.Sprintf("progress %v%%", progress),
	})
}

func (s *Service) closeTraceLocked(event emit.Event) {
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return
	}
	delete(s.open, event.ExecutionID)

	done := event.Time
	status, _ := event.Meta["status"].(string)
	if status == "" {
		status = "completed"
	}
	tb.trace.Status = status
	tb.trace.CompletedAt = &done
	tb.root.span.Status = status
	tb.root.span.CompletedAt = &done
	if msg, ok := event.Meta["error"].(string); ok && msg != "" {
		tb.root.span.Logs = append(tb.root.span.Logs, SpanLog{Time: done, Message: msg})
	}

	// Node spans left open here were interrupted by the terminal transition.
	for _, h := range tb.spans {
		h.span.Status = "interrupted"
		h.span.CompletedAt = &done
		if h.otel != nil {
			h.otel.End(trace.WithTimestamp(done))
		}
	}

	if tb.root.otel != nil {
		tb.root.otel.SetAttributes(attribute.String("omniflow.status", status))
		if msg, ok := event.Meta["error"].(string); ok && msg != "" {
			tb.root.otel.SetStatus(codes.Error, msg)
		}
		tb.root.otel.End(trace.WithTimestamp(done))
	}

	s.traces = append(s.traces, tb.trace)
	s.byTrace[tb.trace.ExecutionID] = tb.trace
	for len(s.traces) > s.cfg.TraceCap {
		evicted := s.traces[0]
		s.traces = s.traces[1:]
		delete(s.byTrace, evicted.ExecutionID)
	}
}

// ExecutionTrace returns the trace for one execution, open or completed.
func (s *Service) ExecutionTrace(executionID string) (*Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb, ok := s.open[executionID]; ok {
		return tb.trace.clone(), nil
	}
	if tr, ok := s.byTrace[executionID]; ok {
		return tr.clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, executionID)
}

// Traces returns completed traces, newest first. limit <= 0 means all
// retained.
func (s *Service) Traces(limit int) []*Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trace, 0, len(s.traces))
	for i := len(s.traces) - 1; i >= 0; i-- {
		out = append(out, s.traces[i].clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
