// Package monitor turns execution events into workflow metrics and traces,
// samples system and component load on a fixed cadence, and evaluates alert
// rules against the collected values. It observes the engine through the
// emit.Emitter seam and other services through registered probes; nothing in
// the execution path depends on it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
)

var (
	// ErrNoMetrics is returned when a workflow has no recorded executions.
	ErrNoMetrics = errors.New("no metrics recorded")
	// ErrTraceNotFound is returned for unknown execution ids.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrRuleNotFound is returned for unknown alert rule ids.
	ErrRuleNotFound = errors.New("alert rule not found")
	// ErrInvalidRule is returned when an alert rule fails validation.
	ErrInvalidRule = errors.New("invalid alert rule")
	// ErrAlertNotFound is returned for unknown alert ids.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrChannelNotFound is returned for unknown channel ids.
	ErrChannelNotFound = errors.New("notification channel not found")
	// ErrInvalidChannel is returned when a channel descriptor fails validation.
	ErrInvalidChannel = errors.New("invalid notification channel")
)

// hourBuckets is the size of the executions-per-hour ring.
const hourBuckets = 24

// Config bounds collection and evaluation.
type Config struct {
	// CollectionInterval is the system/performance sampling cadence.
	// Default 30s.
	CollectionInterval time.Duration `json:"collection_interval"`

	// AlertInterval is the alert evaluation cadence. Individual rules can
	// stretch it with their own EvaluationInterval. Default 60s.
	AlertInterval time.Duration `json:"alert_interval"`

	// Retention is how long system and performance samples are kept.
	// Default 24h.
	Retention time.Duration `json:"retention"`

	// TraceCap is the number of completed traces retained. Default 1000.
	TraceCap int `json:"trace_cap"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CollectionInterval: 30 * time.Second,
		AlertInterval:      60 * time.Second,
		Retention:          24 * time.Hour,
		TraceCap:           1000,
	}
}

// Deps are the optional observation backends. A nil Metrics skips Prometheus
// instruments; a nil Tracer skips OpenTelemetry span export. Both absent
// still leaves the in-memory metrics and traces fully functional.
type Deps struct {
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Probe reports one component's point-in-time load. Registered probes are
// read on every collection tick.
type Probe func() Load

// Load is the per-component shape a probe returns. Completed is cumulative.
type Load struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
}

// BreakerSource exposes circuit breaker snapshots for the breaker_state
// gauge. fault.Handler's registry satisfies it.
type BreakerSource interface {
	All() []fault.BreakerInfo
}

// ComponentActions is the probe name whose Active count feeds the
// inflight_actions gauge.
const ComponentActions = "action_executor"

// HourCount is one bucket of the executions-per-hour ring.
type HourCount struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// WorkflowMetrics aggregates every execution observed for one workflow.
type WorkflowMetrics struct {
	WorkflowID  string        `json:"workflow_id"`
	Executions  int           `json:"executions"`
	Running     int           `json:"running"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	SuccessRate float64       `json:"success_rate"`
	FailureRate float64       `json:"failure_rate"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	AvgDuration time.Duration `json:"avg_duration"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	PerHour     []HourCount   `json:"per_hour,omitempty"`
}

// wfAgg is the mutable accumulator behind WorkflowMetrics. The per-hour ring
// is keyed by hour-of-epoch so stale slots invalidate themselves.
type wfAgg struct {
	workflowID string
	running    int
	succeeded  int
	failed     int
	cancelled  int
	minDur     time.Duration
	maxDur     time.Duration
	avgDur     time.Duration
	lastRun    time.Time
	ringCount  [hourBuckets]int
	ringHour   [hourBuckets]int64
}

func hourEpoch(t time.Time) int64 { return t.Unix() / 3600 }

func (a *wfAgg) terminal() int { return a.succeeded + a.failed + a.cancelled }

func (a *wfAgg) record(status string, d time.Duration, at time.Time) {
	switch status {
	case "completed":
		a.succeeded++
	case "cancelled":
		a.cancelled++
	default:
		a.failed++
	}
	n := a.terminal()
	if n == 1 || d < a.minDur {
		a.minDur = d
	}
	if d > a.maxDur {
		a.maxDur = d
	}
	a.avgDur += (d - a.avgDur) / time.Duration(n)
	a.lastRun = at

	h := hourEpoch(at)
	slot := int(h % hourBuckets)
	if a.ringHour[slot] != h {
		a.ringHour[slot] = h
		a.ringCount[slot] = 0
	}
	a.ringCount[slot]++
}

// within counts terminal executions in the trailing window. Buckets are
// hour-granular, so sub-hour windows round up to whole buckets.
func (a *wfAgg) within(window time.Duration, now time.Time) int {
	if window <= 0 {
		window = time.Hour
	}
	oldest := hourEpoch(now.Add(-window))
	nowHour := hourEpoch(now)
	total := 0
	for slot := 0; slot < hourBuckets; slot++ {
		if a.ringHour[slot] >= oldest && a.ringHour[slot] <= nowHour {
			total += a.ringCount[slot]
		}
	}
	return total
}

func (a *wfAgg) snapshot(now time.Time) WorkflowMetrics {
	m := WorkflowMetrics{
		WorkflowID:  a.workflowID,
		Executions:  a.terminal() + a.running,
		Running:     a.running,
		Succeeded:   a.succeeded,
		Failed:      a.failed,
		Cancelled:   a.cancelled,
		MinDuration: a.minDur,
		MaxDuration: a.maxDur,
		AvgDuration: a.avgDur,
	}
	if n := a.terminal(); n > 0 {
		m.SuccessRate = float64(a.succeeded) / float64(n)
		m.FailureRate = float64(a.failed) / float64(n)
	}
	if !a.lastRun.IsZero() {
		t := a.lastRun
		m.LastRun = &t
	}
	nowHour := hourEpoch(now)
	hours := make([]HourCount, 0, hourBuckets)
	for slot := 0; slot < hourBuckets; slot++ {
		h := a.ringHour[slot]
		if h == 0 || h < nowHour-hourBuckets+1 {
			continue
		}
		hours = append(hours, HourCount{
			Hour:  time.Unix(h*3600, 0).UTC(),
			Count: a.ringCount[slot],
		})
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Hour.Before(hours[j].Hour) })
	m.PerHour = hours
	return m
}

// SystemSample is one runtime snapshot. Values come from the Go runtime;
// host-level disk and network counters need an external agent and are out of
// reach from inside the process.
type SystemSample struct {
	Time         time.Time     `json:"time"`
	Goroutines   int           `json:"goroutines"`
	CPUs         int           `json:"cpus"`
	HeapAlloc    uint64        `json:"heap_alloc_bytes"`
	HeapSys      uint64        `json:"heap_sys_bytes"`
	HeapObjects  uint64        `json:"heap_objects"`
	StackSys     uint64        `json:"stack_sys_bytes"`
	GCRuns       uint32        `json:"gc_runs"`
	GCPauseTotal time.Duration `json:"gc_pause_total"`
}

// PerfSample is one component load reading.
type PerfSample struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Load
}

// Summary is a point-in-time overview of what the monitor holds.
type Summary struct {
	Workflows         int `json:"workflows"`
	OpenTraces        int `json:"open_traces"`
	RetainedTraces    int `json:"retained_traces"`
	SystemSamples     int `json:"system_samples"`
	PerfSamples       int `json:"perf_samples"`
	Rules             int `json:"rules"`
	ActiveAlerts      int `json:"active_alerts"`
	Channels          int `json:"channels"`
	NotificationsSent int `json:"notifications_sent"`
}

// Service is the monitoring core. It implements emit.Emitter so it can be
// wired into the engine's emitter chain.
type Service struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	workflows map[string]*wfAgg
	open      map[string]*traceBuilder
	traces    []*Trace
	byTrace   map[string]*Trace
	probes    map[string]Probe
	breakers  BreakerSource
	system    []SystemSample
	perf      []PerfSample
	rules     map[string]*Rule
	ruleSeq   uint64
	alerts    []*Alert
	byAlert   map[string]*Alert
	channels  map[string]*Channel
	chanSeq   uint64
	notifiers map[ChannelType]Notifier
	sent      int
	started   bool
	baseCtx   context.Context

	wg sync.WaitGroup
}

// New wires a monitoring service.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = def.CollectionInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = def.AlertInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.TraceCap <= 0 {
		cfg.TraceCap = def.TraceCap
	}
	lg := logger.With().Str("component", "monitoring").Logger()
	s := &Service{
		cfg:       cfg,
		deps:      deps,
		logger:    lg,
		now:       time.Now,
		workflows: make(map[string]*wfAgg),
		open:      make(map[string]*traceBuilder),
		byTrace:   make(map[string]*Trace),
		probes:    make(map[string]Probe),
		rules:     make(map[string]*Rule),
		byAlert:   make(map[string]*Alert),
		channels:  make(map[string]*Channel),
		notifiers: make(map[ChannelType]Notifier),
	}
	s.notifiers[ChannelEmail] = NewLogNotifier(lg)
	s.notifiers[ChannelSlack] = NewLogNotifier(lg)
	s.notifiers[ChannelSMS] = NewLogNotifier(lg)
	s.notifiers[ChannelWebhook] = NewWebhookNotifier(nil, lg)
	return s
}

// Emit consumes one execution event. Implements emit.Emitter; it never
// blocks and never panics outward.
func (s *Service) Emit(event emit.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("event", string(event.Name)).Msg("event observation panicked")
		}
	}()

	s.mu.Lock()
	agg, ok := s.workflows[event.WorkflowID]
	if !ok && event.WorkflowID != "" {
		agg = &wfAgg{workflowID: event.WorkflowID}
		s.workflows[event.WorkflowID] = agg
	}

	switch event.Name {
	case emit.WorkflowStarted:
		if agg != nil {
			agg.running++
		}
	case emit.WorkflowCompleted, emit.WorkflowFailed, emit.WorkflowCancelled:
		if agg != nil {
			if agg.running > 0 {
				agg.running--
			}
			status, _ := event.Meta["status"].(string)
			agg.record(status, metaDuration(event.Meta), event.Time)
		}
	}
	// Node type must be read before the trace observer closes the span.
	nodeType := s.nodeTypeLocked(event)
	s.observeTraceLocked(event)
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.observe(event, nodeType)
	}
}

// nodeTypeLocked resolves the node type for a node-level event from the open
// trace, since only node:started carries it in Meta. Caller holds s.mu.
func (s *Service) nodeTypeLocked(event emit.Event) string {
	if t, ok := event.Meta["node_type"].(string); ok {
		return t
	}
	if event.NodeID == "" {
		return ""
	}
	tb, ok := s.open[event.ExecutionID]
	if !ok {
		return ""
	}
	if sp := tb.spans[event.NodeID]; sp != nil {
		return sp.span.Tags["node_type"]
	}
	return ""
}

// metaDuration reads duration_ms out of event meta. The engine writes int64;
// JSON round-trips produce float64.
func metaDuration(meta map[string]interface{}) time.Duration {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	default:
		return 0
	}
}

// RegisterProbe adds or replaces a component load probe.
func (s *Service) RegisterProbe(component string, probe Probe) {
	if component == "" || probe == nil {
		return
	}
	s.mu.Lock()
	s.probes[component] = probe
	s.mu.Unlock()
}

// SetBreakerSource wires circuit breaker snapshots into collection.
func (s *Service) SetBreakerSource(src BreakerSource) {
	s.mu.Lock()
	s.breakers = src
	s.mu.Unlock()
}

// BindBus subscribes to every bus event so publishes show up in the
// events_published_total counter.
func (s *Service) BindBus(b *bus.Bus) error {
	_, err := b.SubscribeFunc(bus.Wildcard, "monitoring", bus.SubscribeOptions{}, func(context.Context, bus.Message) {
		if m := s.deps.Metrics; m != nil {
			m.eventPublished()
		}
	})
	return err
}

// Collect takes one system sample, reads every probe, applies retention, and
// refreshes the gauges. The collector goroutine calls it on the configured
// cadence; tests call it directly.
func (s *Service) Collect(now time.Time) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sys := SystemSample{
		Time:         now,
		Goroutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.HeapSys,
		HeapObjects:  ms.HeapObjects,
		StackSys:     ms.StackSys,
		GCRuns:       ms.NumGC,
		GCPauseTotal: time.Duration(ms.PauseTotalNs),
	}

	s.mu.Lock()
	probes := make(map[string]Probe, len(s.probes))
	for name, p := range s.probes {
		probes[name] = p
	}
	breakers := s.breakers
	s.mu.Unlock()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]PerfSample, 0, len(names))
	for _, name := range names {
		samples = append(samples, PerfSample{Time: now, Component: name, Load: probes[name]()})
	}

	var infos []fault.BreakerInfo
	if breakers != nil {
		infos = breakers.All()
	}

	s.mu.Lock()
	s.system = append(s.system, sys)
	s.perf = append(s.perf, samples...)
	cutoff := now.Add(-s.cfg.Retention)
	s.system = pruneSystem(s.system, cutoff)
	s.perf = prunePerf(s.perf, cutoff)
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		for _, ps := range samples {
			m.setQueueDepth(ps.Component, ps.Queued)
			if ps.Component == ComponentActions {
				m.setInflight(ps.Active)
			}
		}
		for _, info := range infos {
			m.setBreakerState(info.Component, info.State)
		}
	}

	s.logger.Debug().
		Int("goroutines", sys.Goroutines).
		Uint64("heap_alloc", sys.HeapAlloc).
		Int("probes", len(samples)).
		Msg("metrics collected")
}

func pruneSystem(in []SystemSample, cutoff time.Time) []SystemSample {
	idx := 0
	for idx < len(in) && in[idx].Time.Before(cutoff) {
		idx++
	}
	return in[idx:]
}

func prunePerf(in []PerfSample, cutoff time.Time) []PerfSample {
	idx := 0
	for idx < len(in) && in[idx].Time.Before(cutoff) {
		idx++
	}
	return in[idx:]
}

// Start launches the collection and alert evaluation loops. They stop when
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("monitoring service: already started")
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.Collect(s.now())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CollectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Collect(s.now())
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.AlertInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.EvaluateAlerts(ctx, s.now())
			}
		}
	}()

	s.logger.Info().
		Dur("collection_interval", s.cfg.CollectionInterval).
		Dur("alert_interval", s.cfg.AlertInterval).
		Msg("monitoring service started")
	return nil
}

// Wait blocks until the loops and in-flight notifications have returned.
// Call after cancelling the Start context.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Workflow returns the aggregated metrics for one workflow.
func (s *Service) Workflow(workflowID string) (WorkflowMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.workflows[workflowID]
	if !ok {
		return WorkflowMetrics{}, fmt.Errorf("%w: workflow %s", ErrNoMetrics, workflowID)
	}
	return agg.snapshot(s.now()), nil
}

// Workflows returns metrics for every observed workflow, sorted by id.
func (s *Service) Workflows() []WorkflowMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]WorkflowMetrics, 0, len(s.workflows))
	for _, agg := range s.workflows {
		out = append(out, agg.snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// SystemSamples returns the newest samples first. limit <= 0 means all
// retained.
func (s *Service) SystemSamples(limit int) []SystemSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SystemSample, 0, len(s.system))
	for i := len(s.system) - 1; i >= 0; i-- {
		out = append(out, s.system[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LatestSystem returns the most recent system sample.
func (s *Service) LatestSystem() (SystemSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.system) == 0 {
		return SystemSample{}, false
	}
	return s.system[len(s.system)-1], true
}

// PerfSamples returns the newest samples first, optionally filtered by
// component. limit <= 0 means all retained.
func (s *Service) PerfSamples(component string, limit int) []PerfSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PerfSample, 0, len(s.perf))
	for i := len(s.perf) - 1; i >= 0; i-- {
		if component != "" && s.perf[i].Component != component {
			continue
		}
		out = append(out, s.perf[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Overview summarizes the monitor's holdings.
func (s *Service) Overview() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, a := range s.alerts {
		if a.State != AlertResolved {
			active++
		}
	}
	return Summary{
		Workflows:         len(s.workflows),
		OpenTraces:        len(s.open),
		RetainedTraces:    len(s.traces),
		SystemSamples:     len(s.system),
		PerfSamples:       len(s.perf),
		Rules:             len(s.rules),
		ActiveAlerts:      active,
		Channels:          len(s.channels),
		NotificationsSent: s.sent,
	}
}
