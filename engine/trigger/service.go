package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/schedule"
	"github.com/steeldragon666/omniflow/engine/value"
)

var (
	// ErrTriggerNotFound is returned for unknown trigger ids.
	ErrTriggerNotFound = errors.New("trigger not found")
	// ErrInvalidTrigger is returned when a trigger fails validation.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrTriggerInactive is returned when a deactivated trigger is fired.
	ErrTriggerInactive = errors.New("trigger is not active")
	// ErrSuppressed is returned when a firing is dropped by a guard:
	// unmet conditions, the cooldown, the firing window, or the in-flight
	// cap. errors.Is matches all of them.
	ErrSuppressed = errors.New("trigger firing suppressed")
)

// Launcher starts workflow executions for fired triggers. Launches are
// synchronous so response times and outcomes can be recorded per trigger.
type Launcher interface {
	Launch(ctx context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error)
}

// DataSource supplies sampled values for condition triggers. The field name
// comes from the trigger's condition config.
type DataSource interface {
	Sample(ctx context.Context, field string) (value.Value, error)
}

// DataSourceFunc adapts a function to the DataSource interface.
type DataSourceFunc func(ctx context.Context, field string) (value.Value, error)

// Sample calls f.
func (f DataSourceFunc) Sample(ctx context.Context, field string) (value.Value, error) {
	return f(ctx, field)
}

// Deps are the collaborators a service draws on. Scheduler is required for
// cron time triggers, Bus for event triggers, Source for condition
// triggers; creating a trigger whose type needs a missing dependency fails
// validation. A nil Evaluator gets the standard one and a nil Client a
// 30-second-timeout default.
type Deps struct {
	Scheduler *schedule.Scheduler
	Bus       *bus.Bus
	Evaluator *condition.Evaluator
	Source    DataSource
	Client    *http.Client
}

// ServiceConfig bounds firing behavior.
type ServiceConfig struct {
	// Cooldown is the minimum gap between firings of one trigger. Firings
	// inside the gap are suppressed. Zero disables the guard.
	Cooldown time.Duration `json:"cooldown"`

	// MaxInflight caps concurrent launches per trigger. Default 16.
	MaxInflight int `json:"max_inflight"`
}

// DefaultServiceConfig returns the documented defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{MaxInflight: 16}
}

// Service owns trigger registration and lifecycle: it arms time schedules,
// bus subscriptions, condition samplers, and API pollers, and funnels every
// firing through one guarded launch path.
type Service struct {
	launcher Launcher
	deps     Deps
	cfg      ServiceConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	triggers map[string]*Trigger
	seq      uint64
	started  bool
	baseCtx  context.Context

	wg sync.WaitGroup
}

// New wires a trigger service over the launcher.
func New(launcher Launcher, deps Deps, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if deps.Evaluator == nil {
		deps.Evaluator = condition.New()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultServiceConfig().MaxInflight
	}
	return &Service{
		launcher: launcher,
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With().Str("component", "trigger_service").Logger(),
		now:      time.Now,
		triggers: make(map[string]*Trigger),
	}
}

// Start arms every active trigger. Lifecycle goroutines stop when ctx is
// cancelled; triggers created afterwards are armed as they appear.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("trigger service: already started")
	}
	s.started = true
	s.baseCtx = ctx
	for _, t := range s.triggers {
		if t.Active {
			s.armLocked(t)
		}
	}
	s.logger.Info().Int("triggers", len(s.triggers)).Msg("trigger service started")
	return nil
}

// Wait blocks until every lifecycle goroutine and in-flight firing has
// returned. Call after cancelling the Start context.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Create validates, stores, and arms a trigger. The stored trigger gets a
// fresh id and zeroed stats and starts active; arming waits for Start when
// the service is not yet running.
func (s *Service) Create(t Trigger) (*Trigger, error) {
	if err := s.checkDeps(t.Type); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.seq++
	stored := t.clone()
	stored.ID = "trig_" + uuid.NewString()
	stored.Active = true
	stored.Stats = Stats{}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.seq = s.seq
	s.triggers[stored.ID] = stored
	if s.started {
		s.armLocked(stored)
	}

	s.logger.Info().
		Str("trigger_id", stored.ID).
		Str("workflow_id", stored.WorkflowID).
		Str("type", string(stored.Type)).
		Msg("trigger created")
	return stored.clone(), nil
}

// Update replaces a trigger's name, config, and conditions, preserving its
// id, stats, and activity. An armed trigger is rearmed on the new config.
func (s *Service) Update(id string, upd Trigger) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}

	next := cur.clone()
	if upd.WorkflowID != "" {
		next.WorkflowID = upd.WorkflowID
	}
	if upd.Type != "" {
		next.Type = upd.Type
	}
	if upd.Name != "" {
		next.Name = upd.Name
	}
	next.Config = upd.Config.clone()
	next.Conditions = append([]condition.Condition(nil), upd.Conditions...)
	if err := s.checkDeps(next.Type); err != nil {
		return nil, err
	}
	if err := next.validate(); err != nil {
		return nil, err
	}

	s.disarmLocked(cur)
	next.UpdatedAt = s.now()
	next.seq = cur.seq
	next.inflight = cur.inflight
	s.triggers[id] = next
	if s.started && next.Active {
		s.armLocked(next)
	}
	return next.clone(), nil
}

// Delete disarms and removes a trigger.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	s.disarmLocked(t)
	delete(s.triggers, id)
	s.logger.Info().Str("trigger_id", id).Msg("trigger deleted")
	return nil
}

// Activate arms a trigger. Activating an active trigger is a no-op.
func (s *Service) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if t.Active {
		return nil
	}
	t.Active = true
	t.UpdatedAt = s.now()
	if s.started {
		s.armLocked(t)
	}
	return nil
}

// Deactivate disarms a trigger without losing it or its stats.
func (s *Service) Deactivate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if !t.Active {
		return nil
	}
	t.Active = false
	t.UpdatedAt = s.now()
	s.disarmLocked(t)
	return nil
}

// Get returns a copy of one trigger.
func (s *Service) Get(id string) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return t.clone(), nil
}

// List returns copies of all triggers in creation order.
func (s *Service) List() []*Trigger {
	s.mu.Lock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ByWorkflow returns the triggers bound to one workflow, in creation order.
func (s *Service) ByWorkflow(workflowID string) []*Trigger {
	all := s.List()
	out := all[:0]
	for _, t := range all {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out
}

// ByType returns the triggers of one type, in creation order.
func (s *Service) ByType(typ Type) []*Trigger {
	all := s.List()
	out := all[:0]
	for _, t := range all {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

// TriggerStats returns a copy of one trigger's statistics.
func (s *Service) TriggerStats(id string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return t.Stats.clone(), nil
}

// Fire fires an active trigger through the guarded launch path and returns
// the launched execution id. Guards may suppress the firing; the returned
// error then matches ErrSuppressed.
func (s *Service) Fire(ctx context.Context, id string, input map[string]value.Value) (string, error) {
	return s.fire(ctx, id, input, "", false)
}

// FireManual fires a trigger of any type on demand, bypassing the Active
// flag and the cooldown. Conditions still gate the launch and the firing is
// recorded in the trigger's stats. The execution records a manual trigger.
func (s *Service) FireManual(ctx context.Context, id string, input map[string]value.Value) (string, error) {
	return s.fire(ctx, id, input, "manual", true)
}

// fire is the single launch path. Every source funnels through it so
// conditions, the firing window, the cooldown, the in-flight cap, and
// statistics behave identically for cron firings, bus deliveries, sampled
// conditions, API polls, webhooks, and manual runs.
func (s *Service) fire(ctx context.Context, id string, input map[string]value.Value, overrideTrigger string, manual bool) (string, error) {
	s.mu.Lock()
	t, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if !t.Active && !manual {
		t.Stats.Suppressed++
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTriggerInactive, id)
	}
	conds := append([]condition.Condition(nil), t.Conditions...)
	s.mu.Unlock()

	if len(conds) > 0 {
		res := s.deps.Evaluator.EvaluateAll(conds, input)
		if !res.Success || !res.Result {
			s.suppress(id, "conditions not met")
			return "", fmt.Errorf("%w: conditions not met", ErrSuppressed)
		}
	}

	s.mu.Lock()
	t, ok = s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	if !t.Active && !manual {
		t.Stats.Suppressed++
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTriggerInactive, id)
	}
	now := s.now()
	if reason := t.windowViolation(now); reason != "" {
		t.Stats.Suppressed++
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSuppressed, reason)
	}
	if !manual && s.cfg.Cooldown > 0 && t.Stats.LastTriggered != nil && now.Sub(*t.Stats.LastTriggered) < s.cfg.Cooldown {
		t.Stats.Suppressed++
		s.mu.Unlock()
		return "", fmt.Errorf("%w: inside %s cooldown", ErrSuppressed, s.cfg.Cooldown)
	}
	if t.inflight >= s.cfg.MaxInflight {
		t.Stats.Suppressed++
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %d launches already in flight", ErrSuppressed, t.inflight)
	}
	last := now
	t.Stats.LastTriggered = &last
	t.inflight++
	workflowID := t.WorkflowID
	trigType := t.Type.executionTrigger()
	if overrideTrigger != "" {
		trigType = overrideTrigger
	}
	s.mu.Unlock()

	start := s.now()
	execID, err := s.launcher.Launch(ctx, workflowID, input, trigType)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	if t, ok := s.triggers[id]; ok {
		t.inflight--
		t.Stats.record(elapsed, err == nil)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("trigger_id", id).
			Str("workflow_id", workflowID).
			Msg("trigger launch failed")
		return execID, err
	}
	s.logger.Debug().
		Str("trigger_id", id).
		Str("execution_id", execID).
		Dur("elapsed", elapsed).
		Msg("trigger fired")
	return execID, nil
}

// record folds one completed firing into the stats. The mean is
// equal-weight over every firing, not a moving window.
func (st *Stats) record(d time.Duration, ok bool) {
	st.TriggerCount++
	if ok {
		st.successes++
	}
	st.SuccessRate = float64(st.successes) / float64(st.TriggerCount)
	st.AvgResponseTime += (d - st.AvgResponseTime) / time.Duration(st.TriggerCount)
}

// windowViolation reports why the instant falls outside a time trigger's
// firing window, or "" when it does not.
func (t *Trigger) windowViolation(now time.Time) string {
	tc := t.Config.Time
	if t.Type != TypeTime || tc == nil {
		return ""
	}
	if tc.StartDate != nil && now.Before(*tc.StartDate) {
		return "before start_date"
	}
	if tc.EndDate != nil && now.After(*tc.EndDate) {
		return "after end_date"
	}
	return ""
}

func (s *Service) suppress(id, reason string) {
	s.mu.Lock()
	if t, ok := s.triggers[id]; ok {
		t.Stats.Suppressed++
	}
	s.mu.Unlock()
	s.logger.Debug().Str("trigger_id", id).Str("reason", reason).Msg("trigger firing suppressed")
}

// checkDeps verifies the collaborator a trigger type needs is wired.
func (s *Service) checkDeps(typ Type) error {
	switch typ {
	case TypeTime:
		// Cron schedules need the scheduler; interval and once run on
		// their own timers. Checked again at arm time.
	case TypeEvent:
		if s.deps.Bus == nil {
			return fmt.Errorf("%w: event triggers need an event bus", ErrInvalidTrigger)
		}
	case TypeCondition:
		if s.deps.Source == nil {
			return fmt.Errorf("%w: condition triggers need a data source", ErrInvalidTrigger)
		}
	}
	return nil
}

// armLocked starts the trigger's firing source. Callers hold s.mu; the
// scheduler and bus take their own locks and never call back into the
// service during registration, so registering under the lock cannot
// deadlock.
func (s *Service) armLocked(t *Trigger) {
	switch t.Type {
	case TypeTime:
		s.armTimeLocked(t)
	case TypeEvent:
		s.armEventLocked(t)
	case TypeCondition:
		s.armLoopLocked(t, func(ctx context.Context, id string) {
			s.runCondition(ctx, id, *t.Config.Condition)
		})
	case TypeAPI:
		s.armLoopLocked(t, func(ctx context.Context, id string) {
			s.runPoller(ctx, id, *t.Config.API)
		})
	case TypeWebhook, TypeManual:
		// Fired externally; nothing to arm.
	}
}

func (s *Service) armTimeLocked(t *Trigger) {
	tc := t.Config.Time
	switch tc.Schedule {
	case ScheduleCron:
		if s.deps.Scheduler == nil {
			s.logger.Error().Str("trigger_id", t.ID).Msg("cron trigger created without a scheduler")
			return
		}
		id := t.ID
		jobID, err := s.deps.Scheduler.AddCronJob(schedule.JobSpec{
			Name:       "trigger:" + id,
			Expression: tc.Expression,
			Timezone:   tc.Timezone,
		}, func(ctx context.Context) {
			_, _ = s.Fire(ctx, id, nil)
		})
		if err != nil {
			// validate() parsed the expression already; only a scheduler
			// teardown race can land here.
			s.logger.Error().Err(err).Str("trigger_id", id).Msg("cron job registration failed")
			return
		}
		t.jobID = jobID
	case ScheduleInterval:
		interval := tc.Interval
		s.armLoopLocked(t, func(ctx context.Context, id string) {
			s.runInterval(ctx, id, interval)
		})
	case ScheduleOnce:
		at := tc.At
		if at == nil {
			at = tc.StartDate
		}
		fireAt := *at
		s.armLoopLocked(t, func(ctx context.Context, id string) {
			s.runOnce(ctx, id, fireAt)
		})
	}
}

func (s *Service) armEventLocked(t *Trigger) {
	ec := t.Config.Event
	id := t.ID
	source := ec.Source
	subID, err := s.deps.Bus.SubscribeFunc(ec.EventType, "trigger:"+id, bus.SubscribeOptions{
		Filters:  ec.Filters,
		Priority: ec.Priority,
	}, func(ctx context.Context, msg bus.Message) {
		if source != "" && msg.Source != source {
			return
		}
		s.fireFromEvent(ctx, id, msg)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("trigger_id", id).Msg("event subscription failed")
		return
	}
	t.subID = subID
}

// armLoopLocked runs one lifecycle goroutine bound to a per-trigger cancel.
func (s *Service) armLoopLocked(t *Trigger, run func(ctx context.Context, id string)) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	t.stop = cancel
	id := t.ID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx, id)
	}()
}

// disarmLocked stops the trigger's firing source. Idempotent.
func (s *Service) disarmLocked(t *Trigger) {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	if t.jobID != "" {
		if err := s.deps.Scheduler.RemoveCronJob(t.jobID); err != nil && !errors.Is(err, schedule.ErrJobNotFound) {
			s.logger.Warn().Err(err).Str("trigger_id", t.ID).Msg("cron job removal failed")
		}
		t.jobID = ""
	}
	if t.subID != "" {
		if err := s.deps.Bus.Unsubscribe(t.subID); err != nil && !errors.Is(err, bus.ErrSubscriptionNotFound) {
			s.logger.Warn().Err(err).Str("trigger_id", t.ID).Msg("bus unsubscribe failed")
		}
		t.subID = ""
	}
}

func (s *Service) fireFromEvent(ctx context.Context, id string, msg bus.Message) {
	input := value.CloneMap(msg.Data)
	if input == nil {
		input = make(map[string]value.Value, 3)
	}
	input["_event"] = value.String(msg.Event)
	if msg.Source != "" {
		input["_source"] = value.String(msg.Source)
	}
	if msg.CorrelationID != "" {
		input["_correlation_id"] = value.String(msg.CorrelationID)
	}
	if _, err := s.Fire(ctx, id, input); err != nil && !errors.Is(err, ErrSuppressed) {
		s.logger.Warn().Err(err).Str("trigger_id", id).Msg("event firing failed")
	}
}

// runInterval fires the trigger on a fixed period until cancelled. A firing
// that outlives the period does not stack: the launch runs in its own
// goroutine and the in-flight cap bounds pile-up.
func (s *Service) runInterval(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDetached(ctx, id, nil)
		}
	}
}

// runOnce waits for the instant and fires a single time, then deactivates
// the trigger.
func (s *Service) runOnce(ctx context.Context, id string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if _, err := s.Fire(ctx, id, nil); err != nil && !errors.Is(err, ErrSuppressed) {
		s.logger.Warn().Err(err).Str("trigger_id", id).Msg("one-shot firing failed")
	}
	s.mu.Lock()
	var stop func()
	if t, ok := s.triggers[id]; ok {
		if t.Active {
			t.Active = false
			t.UpdatedAt = s.now()
		}
		stop = t.stop
		t.stop = nil
	}
	s.mu.Unlock()
	// Release this goroutine's own lifecycle context; the firing is done.
	if stop != nil {
		stop()
	}
}

// runCondition samples the configured field on every check interval and
// fires on the rising edge: once when the comparison starts holding, again
// only after it has stopped holding in between.
func (s *Service) runCondition(ctx context.Context, id string, cc ConditionConfig) {
	cond := condition.Condition{
		Field:    cc.Field,
		Operator: condition.Operator(cc.Operator),
		Value:    cc.Value,
	}
	ticker := time.NewTicker(cc.CheckInterval)
	defer ticker.Stop()
	holding := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sample, err := s.deps.Source.Sample(ctx, cc.Field)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("trigger_id", id).Str("field", cc.Field).Msg("condition sample failed")
			continue
		}
		vars := map[string]value.Value{cc.Field: sample}
		res := s.deps.Evaluator.Evaluate(cond, vars)
		holds := res.Success && res.Result
		if holds && !holding {
			input := map[string]value.Value{
				cc.Field:    sample,
				"_field":    value.String(cc.Field),
				"_operator": value.String(cc.Operator),
			}
			s.fireDetached(ctx, id, input)
		}
		holding = holds
	}
}

// runPoller calls the configured endpoint on every interval and fires with
// the decoded response. Non-2xx responses and transport errors skip the
// firing.
func (s *Service) runPoller(ctx context.Context, id string, ac APIConfig) {
	method := ac.Method
	if method == "" {
		method = http.MethodGet
	}
	ticker := time.NewTicker(ac.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		input, err := s.poll(ctx, method, ac)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("trigger_id", id).Str("endpoint", ac.Endpoint).Msg("api poll failed")
			continue
		}
		s.fireDetached(ctx, id, input)
	}
}

func (s *Service) poll(ctx context.Context, method string, ac APIConfig) (map[string]value.Value, error) {
	req, err := http.NewRequestWithContext(ctx, method, ac.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range ac.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.deps.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}

	input := make(map[string]value.Value, 4)
	if len(body) > 0 {
		var obj map[string]value.Value
		if err := json.Unmarshal(body, &obj); err == nil {
			input = obj
		} else {
			var v value.Value
			if err := json.Unmarshal(body, &v); err == nil {
				input["body"] = v
			} else {
				input["body"] = value.String(string(body))
			}
		}
	}
	input["_status"] = value.Number(float64(resp.StatusCode))
	return input, nil
}

// fireDetached launches without blocking the lifecycle loop so a slow
// workflow cannot starve the timer. The in-flight cap bounds concurrency.
func (s *Service) fireDetached(ctx context.Context, id string, input map[string]value.Value) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Fire(ctx, id, input); err != nil && !errors.Is(err, ErrSuppressed) && !errors.Is(err, ErrTriggerInactive) {
			s.logger.Warn().Err(err).Str("trigger_id", id).Msg("trigger firing failed")
		}
	}()
}
