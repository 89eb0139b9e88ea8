package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/monitor"
)

func newService(cfg monitor.Config, deps monitor.Deps) *monitor.Service {
	return monitor.New(cfg, deps, zerolog.Nop())
}

// feed pushes a full execution's event sequence through the service.
func feed(s *monitor.Service, execID, wfID, status string, durMS int64, at time.Time) {
	seq := 0
	next := func() int { seq++; return seq }

	s.Emit(emit.Event{
		ExecutionID: execID, WorkflowID: wfID, Seq: next(),
		Name: emit.WorkflowStarted, Time: at,
		Meta: map[string]interface{}{"trigger_type": "manual"},
	})
	s.Emit(emit.Event{
		ExecutionID: execID, WorkflowID: wfID, Seq: next(), NodeID: "step",
		Name: emit.NodeStarted, Time: at,
		Meta: map[string]interface{}{"node_type": "http-request"},
	})
	s.Emit(emit.Event{
		ExecutionID: execID, WorkflowID: wfID, Seq: next(), NodeID: "step",
		Name: emit.NodeSuccess, Time: at.Add(time.Duration(durMS) * time.Millisecond),
		Meta: map[string]interface{}{"duration_ms": durMS},
	})

	name := emit.WorkflowCompleted
	switch status {
	case "failed":
		name = emit.WorkflowFailed
	case "cancelled":
		name = emit.WorkflowCancelled
	}
	s.Emit(emit.Event{
		ExecutionID: execID, WorkflowID: wfID, Seq: next(),
		Name: name, Time: at.Add(time.Duration(durMS) * time.Millisecond),
		Meta: map[string]interface{}{"status": status, "duration_ms": durMS},
	})
}

func TestWorkflowMetricsFromEvents(t *testing.T) {
	svc := newService(monitor.Config{}, monitor.Deps{})
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	feed(svc, "exec_1", "wf-orders", "completed", 100, at)
	feed(svc, "exec_2", "wf-orders", "completed", 200, at.Add(time.Minute))
	feed(svc, "exec_3", "wf-orders", "completed", 300, at.Add(2*time.Minute))
	feed(svc, "exec_4", "wf-orders", "failed", 400, at.Add(3*time.Minute))

	m, err := svc.Workflow("wf-orders")
	if err != nil {
		t.Fatalf("Workflow: %v", err)
	}
	if m.Executions != 4 || m.Succeeded != 3 || m.Failed != 1 || m.Cancelled != 0 {
		t.Fatalf("counts = %d/%d/%d/%d, want 4/3/1/0", m.Executions, m.Succeeded, m.Failed, m.Cancelled)
	}
	if m.Running != 0 {
		t.Fatalf("Running = %d, want 0", m.Running)
	}
	if m.SuccessRate != 0.75 || m.FailureRate != 0.25 {
		t.Fatalf("rates = %v/%v, want 0.75/0.25", m.SuccessRate, m.FailureRate)
	}
	if m.MinDuration != 100*time.Millisecond {
		t.Fatalf("MinDuration = %v, want 100ms", m.MinDuration)
	}
	if m.MaxDuration != 400*time.Millisecond {
		t.Fatalf("MaxDuration = %v, want 400ms", m.MaxDuration)
	}
	if m.AvgDuration != 250*time.Millisecond {
		t.Fatalf("AvgDuration = %v, want 250ms", m.AvgDuration)
	}
	if m.LastRun == nil {
		t.Fatal("LastRun not stamped")
	}

	total := 0
	for _, h := range m.PerHour {
		total += h.Count
	}
	if total != 4 {
		t.Fatalf("per-hour total = %d, want 4", total)
	}

	t.Run("running executions counted before terminal", func(t *testing.T) {
		svc.Emit(emit.Event{
			ExecutionID: "exec_open", WorkflowID: "wf-orders", Seq: 1,
			Name: emit.WorkflowStarted, Time: at.Add(4 * time.Minute),
		})
		m, err := svc.Workflow("wf-orders")
		if err != nil {
			t.Fatalf("Workflow: %v", err)
		}
		if m.Running != 1 || m.Executions != 5 {
			t.Fatalf("running/executions = %d/%d, want 1/5", m.Running, m.Executions)
		}
	})

	t.Run("unknown workflow", func(t *testing.T) {
		if _, err := svc.Workflow("wf-missing"); !errors.Is(err, monitor.ErrNoMetrics) {
			t.Fatalf("err = %v, want ErrNoMetrics", err)
		}
	})

	t.Run("listing is sorted by workflow id", func(t *testing.T) {
		feed(svc, "exec_5", "wf-alpha", "completed", 50, at)
		all := svc.Workflows()
		if len(all) != 2 {
			t.Fatalf("Workflows len = %d, want 2", len(all))
		}
		if all[0].WorkflowID != "wf-alpha" || all[1].WorkflowID != "wf-orders" {
			t.Fatalf("order = %s, %s", all[0].WorkflowID, all[1].WorkflowID)
		}
	})
}

func TestTraceLifecycle(t *testing.T) {
	svc := newService(monitor.Config{}, monitor.Deps{})
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 1,
		Name: emit.WorkflowStarted, Time: at,
		Meta: map[string]interface{}{"trigger_type": "webhook"},
	})
	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 2, NodeID: "fetch",
		Name: emit.NodeStarted, Time: at.Add(10 * time.Millisecond),
		Meta: map[string]interface{}{"node_type": "http-request"},
	})

	t.Run("open trace is readable mid-flight", func(t *testing.T) {
		tr, err := svc.ExecutionTrace("exec_t1")
		if err != nil {
			t.Fatalf("ExecutionTrace: %v", err)
		}
		if tr.Status != "running" || len(tr.Spans) != 2 {
			t.Fatalf("status=%s spans=%d, want running/2", tr.Status, len(tr.Spans))
		}
	})

	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 3, NodeID: "fetch",
		Name: emit.NodeSuccess, Time: at.Add(130 * time.Millisecond),
		Meta: map[string]interface{}{"duration_ms": int64(120)},
	})
	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 4, NodeID: "fetch",
		Name: emit.ExecutionProgress, Time: at.Add(130 * time.Millisecond),
		Meta: map[string]interface{}{"progress": 50},
	})
	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 5, NodeID: "notify",
		Name: emit.NodeStarted, Time: at.Add(140 * time.Millisecond),
		Meta: map[string]interface{}{"node_type": "notification"},
	})
	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 6, NodeID: "notify",
		Name: emit.NodeFailure, Time: at.Add(200 * time.Millisecond),
		Meta: map[string]interface{}{"duration_ms": int64(60), "error": "smtp unreachable"},
	})
	svc.Emit(emit.Event{
		ExecutionID: "exec_t1", WorkflowID: "wf-trace", Seq: 7,
		Name: emit.WorkflowFailed, Time: at.Add(210 * time.Millisecond),
		Meta: map[string]interface{}{"status": "failed", "duration_ms": int64(210), "error": "smtp unreachable"},
	})

	tr, err := svc.ExecutionTrace("exec_t1")
	if err != nil {
		t.Fatalf("ExecutionTrace after terminal: %v", err)
	}
	if tr.Status != "failed" {
		t.Fatalf("trace status = %s, want failed", tr.Status)
	}
	if tr.CompletedAt == nil {
		t.Fatal("trace CompletedAt not stamped")
	}
	if len(tr.Spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(tr.Spans))
	}

	root := tr.Spans[0]
	if root.Name != "workflow:wf-trace" || root.Status != "failed" {
		t.Fatalf("root span = %s/%s", root.Name, root.Status)
	}
	if root.Tags["trigger_type"] != "webhook" {
		t.Fatalf("root trigger_type tag = %q", root.Tags["trigger_type"])
	}
	foundProgress, foundError := false, false
	for _, lg := range root.Logs {
		if lg.Message == "progress 50%" {
			foundProgress = true
		}
		if lg.Message == "smtp unreachable" {
			foundError = true
		}
	}
	if !foundProgress || !foundError {
		t.Fatalf("root logs missing entries: progress=%v error=%v", foundProgress, foundError)
	}

	fetch := tr.Spans[1]
	if fetch.ParentID != root.ID {
		t.Fatalf("fetch parent = %s, want root %s", fetch.ParentID, root.ID)
	}
	if fetch.Status != "ok" || fetch.CompletedAt == nil {
		t.Fatalf("fetch span = %s, completed=%v", fetch.Status, fetch.CompletedAt)
	}
	if fetch.Tags["node_type"] != "http-request" || fetch.Tags["duration_ms"] != "120" {
		t.Fatalf("fetch tags = %v", fetch.Tags)
	}

	notify := tr.Spans[2]
	if notify.Status != "error" {
		t.Fatalf("notify status = %s, want error", notify.Status)
	}
	gotErrLog := false
	for _, lg := range notify.Logs {
		if lg.Message == "smtp unreachable" {
			gotErrLog = true
		}
	}
	if !gotErrLog {
		t.Fatal("notify span missing error log")
	}

	t.Run("completed trace listed newest first", func(t *testing.T) {
		feed(svc, "exec_t2", "wf-trace", "completed", 20, at.Add(time.Second))
		traces := svc.Traces(0)
		if len(traces) != 2 {
			t.Fatalf("Traces len = %d, want 2", len(traces))
		}
		if traces[0].ExecutionID != "exec_t2" {
			t.Fatalf("newest trace = %s, want exec_t2", traces[0].ExecutionID)
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		if _, err := svc.ExecutionTrace("exec_nope"); !errors.Is(err, monitor.ErrTraceNotFound) {
			t.Fatalf("err = %v, want ErrTraceNotFound", err)
		}
	})
}

func TestTraceRetentionCap(t *testing.T) {
	svc := newService(monitor.Config{TraceCap: 2}, monitor.Deps{})
	at := time.Now()

	feed(svc, "exec_a", "wf", "completed", 10, at)
	feed(svc, "exec_b", "wf", "completed", 10, at.Add(time.Second))
	feed(svc, "exec_c", "wf", "completed", 10, at.Add(2*time.Second))

	if traces := svc.Traces(0); len(traces) != 2 {
		t.Fatalf("Traces len = %d, want 2", len(traces))
	}
	if _, err := svc.ExecutionTrace("exec_a"); !errors.Is(err, monitor.ErrTraceNotFound) {
		t.Fatalf("oldest trace should be evicted, got err = %v", err)
	}
	if _, err := svc.ExecutionTrace("exec_c"); err != nil {
		t.Fatalf("newest trace missing: %v", err)
	}
}

func TestCollectSamplesAndRetention(t *testing.T) {
	svc := newService(monitor.Config{}, monitor.Deps{})
	svc.RegisterProbe(monitor.ComponentActions, func() monitor.Load {
		return monitor.Load{Active: 2, Queued: 5, Completed: 10}
	})

	t0 := time.Now()
	svc.Collect(t0)

	sys, ok := svc.LatestSystem()
	if !ok {
		t.Fatal("no system sample after Collect")
	}
	if sys.Goroutines <= 0 || sys.CPUs <= 0 {
		t.Fatalf("implausible system sample: %+v", sys)
	}

	perf := svc.PerfSamples(monitor.ComponentActions, 0)
	if len(perf) != 1 {
		t.Fatalf("perf samples = %d, want 1", len(perf))
	}
	if perf[0].Active != 2 || perf[0].Queued != 5 || perf[0].Completed != 10 {
		t.Fatalf("perf sample = %+v", perf[0].Load)
	}

	t.Run("retention prunes old samples", func(t *testing.T) {
		svc.Collect(t0.Add(25 * time.Hour))
		if got := len(svc.SystemSamples(0)); got != 1 {
			t.Fatalf("system samples after prune = %d, want 1", got)
		}
		if got := len(svc.PerfSamples("", 0)); got != 1 {
			t.Fatalf("perf samples after prune = %d, want 1", got)
		}
	})

	t.Run("overview counts holdings", func(t *testing.T) {
		ov := svc.Overview()
		if ov.SystemSamples != 1 || ov.PerfSamples != 1 {
			t.Fatalf("overview = %+v", ov)
		}
	})
}

type staticBreakers struct{}

func (staticBreakers) All() []fault.BreakerInfo {
	return []fault.BreakerInfo{{Component: "http-request", State: fault.BreakerOpen}}
}

func TestPrometheusInstruments(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(registry)
	svc := newService(monitor.Config{}, monitor.Deps{Metrics: metrics})
	svc.SetBreakerSource(staticBreakers{})
	svc.RegisterProbe(monitor.ComponentActions, func() monitor.Load {
		return monitor.Load{Active: 1, Queued: 3, Completed: 7}
	})

	at := time.Now()
	feed(svc, "exec_p1", "wf-prom", "completed", 42, at)
	svc.Emit(emit.Event{
		ExecutionID: "exec_p1", WorkflowID: "wf-prom", Seq: 9, NodeID: "step",
		Name: emit.NodeFailure, Time: at,
		Meta: map[string]interface{}{"duration_ms": int64(5), "error": "x", "retries": 2},
	})
	svc.Collect(at)
	metrics.WebhookRequest(200)

	b := bus.New(nil, nil, bus.Config{}, zerolog.Nop())
	if err := svc.BindBus(b); err != nil {
		t.Fatalf("BindBus: %v", err)
	}
	b.Publish(context.Background(), "order.created", nil, "test")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	for _, want := range []string{
		"omniflow_executions_total",
		"omniflow_node_latency_ms",
		"omniflow_retries_total",
		"omniflow_queue_depth",
		"omniflow_inflight_actions",
		"omniflow_breaker_state",
		"omniflow_events_published_total",
		"omniflow_webhook_requests_total",
	} {
		if !got[want] {
			t.Fatalf("metric family %s not exported; have %v", want, got)
		}
	}
}
