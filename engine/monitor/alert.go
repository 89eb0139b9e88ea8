package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/fault"
)

// Operator compares a metric value against a rule threshold.
type Operator string

const (
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpEq  Operator = "eq"
)

func (o Operator) valid() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte, OpEq:
		return true
	}
	return false
}

func (o Operator) compare(v, threshold float64) bool {
	switch o {
	case OpGt:
		return v > threshold
	case OpGte:
		return v >= threshold
	case OpLt:
		return v < threshold
	case OpLte:
		return v <= threshold
	case OpEq:
		return v == threshold
	}
	return false
}

// alertCap bounds the retained alert list. Oldest entries evict first.
const alertCap = 1000

// Rule is one alert condition over a collected metric.
//
// Metric names address the collected values:
//
//	system.goroutines | system.cpus | system.heap_alloc_bytes |
//	system.heap_sys_bytes | system.heap_objects | system.stack_sys_bytes |
//	system.gc_runs
//	perf.<component>.active | perf.<component>.queued | perf.<component>.completed
//	workflow.<id>.executions | .running | .succeeded | .failed | .cancelled |
//	.success_rate | .failure_rate | .avg_duration_ms | .min_duration_ms |
//	.max_duration_ms | .per_hour
//
// TimeWindow applies to windowed metrics (per_hour); elsewhere the current
// value is compared.
type Rule struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Metric             string         `json:"metric"`
	Operator           Operator       `json:"operator"`
	Threshold          float64        `json:"threshold"`
	TimeWindow         time.Duration  `json:"time_window,omitempty"`
	EvaluationInterval time.Duration  `json:"evaluation_interval"`
	Severity           fault.Severity `json:"severity"`
	Active             bool           `json:"active"`
	CreatedAt          time.Time      `json:"created_at"`

	lastEval time.Time
	seq      uint64
}

func (r *Rule) clone() *Rule {
	cp := *r
	return &cp
}

// AlertState is the lifecycle position of an alert.
type AlertState string

const (
	AlertFiring   AlertState = "firing"
	AlertSilenced AlertState = "silenced"
	AlertResolved AlertState = "resolved"
)

// Alert is one raised rule violation. Repeated positive evaluations bump
// Count on the active alert instead of raising a new one.
type Alert struct {
	ID            string         `json:"id"`
	RuleID        string         `json:"rule_id"`
	RuleName      string         `json:"rule_name"`
	Metric        string         `json:"metric"`
	Severity      fault.Severity `json:"severity"`
	State         AlertState     `json:"state"`
	Value         float64        `json:"value"`
	Threshold     float64        `json:"threshold"`
	Count         int            `json:"count"`
	StartedAt     time.Time      `json:"started_at"`
	LastSeen      time.Time      `json:"last_seen"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	SilencedUntil *time.Time     `json:"silenced_until,omitempty"`
}

func (a *Alert) clone() *Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.SilencedUntil != nil {
		t := *a.SilencedUntil
		cp.SilencedUntil = &t
	}
	return &cp
}

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
	ChannelSMS     ChannelType = "sms"
)

// Channel is one notification destination. An empty Severities list admits
// every severity.
type Channel struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       ChannelType       `json:"type"`
	Severities []fault.Severity  `json:"severities,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
	Active     bool              `json:"active"`

	seq uint64
}

func (c *Channel) clone() *Channel {
	cp := *c
	cp.Severities = append([]fault.Severity(nil), c.Severities...)
	if c.Config != nil {
		cp.Config = make(map[string]string, len(c.Config))
		for k, v := range c.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}

func (c *Channel) admits(sev fault.Severity) bool {
	if len(c.Severities) == 0 {
		return true
	}
	for _, s := range c.Severities {
		if s == sev {
			return true
		}
	}
	return false
}

func (c *Channel) validate() error {
	need := func(key string) error {
		if c.Config[key] == "" {
			return fmt.Errorf("%w: %s channel needs config %q", ErrInvalidChannel, c.Type, key)
		}
		return nil
	}
	switch c.Type {
	case ChannelWebhook:
		return need("url")
	case ChannelEmail:
		return need("to")
	case ChannelSlack:
		return need("webhook_url")
	case ChannelSMS:
		return need("phone")
	default:
		return fmt.Errorf("%w: unknown channel type %q", ErrInvalidChannel, c.Type)
	}
}

// Notifier delivers one alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, ch Channel, alert Alert) error
}

// LogNotifier writes alerts to the log. It backs every channel type that has
// no real transport registered.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier writing through the given logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_notifier").Logger()}
}

// Notify logs the alert.
func (n *LogNotifier) Notify(_ context.Context, ch Channel, alert Alert) error {
	n.logger.Warn().
		Str("channel", ch.Name).
		Str("channel_type", string(ch.Type)).
		Str("alert_id", alert.ID).
		Str("rule", alert.RuleName).
		Str("metric", alert.Metric).
		Str("severity", string(alert.Severity)).
		Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).
		Msg("alert notification")
	return nil
}

// WebhookNotifier POSTs alerts as JSON to the channel's url.
type WebhookNotifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier builds a notifier. A nil client gets a 10-second
// timeout default.
func NewWebhookNotifier(client *http.Client, logger zerolog.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		client: client,
		logger: logger.With().Str("component", "alert_notifier").Logger(),
	}
}

// Notify delivers the alert. Any non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, ch Channel, alert Alert) error {
	url := ch.Config["url"]
	if url == "" {
		return fmt.Errorf("%w: webhook channel %s has no url", ErrInvalidChannel, ch.ID)
	}
	body, err := json.Marshal(map[string]interface{}{
		"alert_id":   alert.ID,
		"rule":       alert.RuleName,
		"metric":     alert.Metric,
		"severity":   alert.Severity,
		"state":      alert.State,
		"value":      alert.Value,
		"threshold":  alert.Threshold,
		"count":      alert.Count,
		"started_at": alert.StartedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// AddRule validates and stores an alert rule. The stored rule gets a fresh
// id and starts active.
func (s *Service) AddRule(r Rule) (*Rule, error) {
	if r.Metric == "" {
		return nil, fmt.Errorf("%w: metric is required", ErrInvalidRule)
	}
	if !r.Operator.valid() {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, r.Operator)
	}
	if r.TimeWindow < 0 {
		return nil, fmt.Errorf("%w: negative time window", ErrInvalidRule)
	}
	if r.EvaluationInterval <= 0 {
		r.EvaluationInterval = s.cfg.AlertInterval
	}
	if r.Severity == "" {
		r.Severity = fault.SeverityMedium
	}
	if r.Name == "" {
		r.Name = r.Metric
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleSeq++
	stored := r
	stored.ID = "rule_" + uuid.NewString()
	stored.Active = true
	stored.CreatedAt = s.now()
	stored.lastEval = time.Time{}
	stored.seq = s.ruleSeq
	s.rules[stored.ID] = &stored

	s.logger.Info().
		Str("rule_id", stored.ID).
		Str("metric", stored.Metric).
		Str("operator", string(stored.Operator)).
		Float64("threshold", stored.Threshold).
		Msg("alert rule added")
	return stored.clone(), nil
}

// RemoveRule deletes a rule. Alerts it raised stay in the history.
func (s *Service) RemoveRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// SetRuleActive pauses or resumes evaluation of a rule.
func (s *Service) SetRuleActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	r.Active = active
	return nil
}

// Rules returns copies of all rules in creation order.
func (s *Service) Rules() []*Rule {
	s.mu.Lock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// AddChannel validates and stores a notification channel.
func (s *Service) AddChannel(ch Channel) (*Channel, error) {
	if err := ch.validate(); err != nil {
		return nil, err
	}
	if ch.Name == "" {
		ch.Name = string(ch.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chanSeq++
	stored := *ch.clone()
	stored.ID = "ch_" + uuid.NewString()
	stored.Active = true
	stored.seq = s.chanSeq
	s.channels[stored.ID] = &stored
	return stored.clone(), nil
}

// RemoveChannel deletes a channel.
func (s *Service) RemoveChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	delete(s.channels, id)
	return nil
}

// Channels returns copies of all channels in creation order.
func (s *Service) Channels() []*Channel {
	s.mu.Lock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// RegisterNotifier replaces the transport for one channel type.
func (s *Service) RegisterNotifier(typ ChannelType, n Notifier) {
	if n == nil {
		return
	}
	s.mu.Lock()
	s.notifiers[typ] = n
	s.mu.Unlock()
}

// EvaluateAlerts runs every due rule against the current metric values. The
// evaluator goroutine calls it on the configured cadence; tests call it
// directly.
func (s *Service) EvaluateAlerts(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.Active {
			continue
		}
		if !r.lastEval.IsZero() && now.Sub(r.lastEval) < r.EvaluationInterval {
			continue
		}
		r.lastEval = now
		due = append(due, r.clone())
	}
	s.mu.Unlock()

	for _, rule := range due {
		val, ok := s.metricValue(rule.Metric, rule.TimeWindow, now)
		if !ok {
			s.logger.Debug().Str("rule_id", rule.ID).Str("metric", rule.Metric).Msg("metric has no value yet")
			continue
		}
		if !rule.Operator.compare(val, rule.Threshold) {
			continue
		}
		s.raise(ctx, rule, val, now)
	}
}

// raise creates a new alert for the rule or bumps the active one.
func (s *Service) raise(ctx context.Context, rule *Rule, val float64, now time.Time) {
	s.mu.Lock()
	if a := s.activeForRuleLocked(rule.ID); a != nil {
		a.Count++
		a.LastSeen = now
		a.Value = val
		if a.State == AlertSilenced && a.SilencedUntil != nil && !now.Before(*a.SilencedUntil) {
			a.State = AlertFiring
			a.SilencedUntil = nil
		}
		s.mu.Unlock()
		return
	}

	alert := &Alert{
		ID:        "alert_" + uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Metric:    rule.Metric,
		Severity:  rule.Severity,
		State:     AlertFiring,
		Value:     val,
		Threshold: rule.Threshold,
		Count:     1,
		StartedAt: now,
		LastSeen:  now,
	}
	s.alerts = append(s.alerts, alert)
	s.byAlert[alert.ID] = alert
	for len(s.alerts) > alertCap {
		evicted := s.alerts[0]
		s.alerts = s.alerts[1:]
		delete(s.byAlert, evicted.ID)
	}

	targets := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.Active && ch.admits(alert.Severity) {
			targets = append(targets, *ch.clone())
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	snapshot := *alert.clone()
	s.mu.Unlock()

	s.logger.Warn().
		Str("alert_id", alert.ID).
		Str("rule", rule.Name).
		Str("metric", rule.Metric).
		Float64("value", val).
		Float64("threshold", rule.Threshold).
		Str("severity", string(rule.Severity)).
		Msg("alert raised")

	s.dispatch(ctx, targets, snapshot)
}

// activeForRuleLocked finds the unresolved alert for a rule, if any.
func (s *Service) activeForRuleLocked(ruleID string) *Alert {
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.RuleID == ruleID && a.State != AlertResolved {
			return a
		}
	}
	return nil
}

// dispatch delivers one alert to every admitted channel. Deliveries run in
// the background; failures are logged, not retried.
func (s *Service) dispatch(ctx context.Context, channels []Channel, alert Alert) {
	s.mu.Lock()
	notifiers := make(map[ChannelType]Notifier, len(s.notifiers))
	for typ, n := range s.notifiers {
		notifiers[typ] = n
	}
	s.mu.Unlock()

	for _, ch := range channels {
		notifier := notifiers[ch.Type]
		if notifier == nil {
			continue
		}
		s.wg.Add(1)
		go func(ch Channel, n Notifier) {
			defer s.wg.Done()
			nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := n.Notify(nctx, ch, alert); err != nil {
				s.logger.Warn().
					Err(err).
					Str("channel", ch.Name).
					Str("channel_type", string(ch.Type)).
					Str("alert_id", alert.ID).
					Msg("alert notification failed")
				return
			}
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
		}(ch, notifier)
	}
}

// Resolve transitions an alert to resolved. Resolving an already resolved
// alert is a no-op.
func (s *Service) Resolve(alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAlert[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State == AlertResolved {
		return nil
	}
	now := s.now()
	a.State = AlertResolved
	a.ResolvedAt = &now
	a.SilencedUntil = nil
	return nil
}

// Silence mutes an active alert for the given duration. Evaluation keeps
// counting; notifications for the rule stay suppressed until expiry.
func (s *Service) Silence(alertID string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("silence duration must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAlert[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.State == AlertResolved {
		return fmt.Errorf("%w: alert %s is resolved", ErrAlertNotFound, alertID)
	}
	until := s.now().Add(d)
	a.State = AlertSilenced
	a.SilencedUntil = &until
	return nil
}

// Alerts returns alerts newest first, optionally including resolved ones.
func (s *Service) Alerts(includeResolved bool) []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if !includeResolved && a.State == AlertResolved {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// GetAlert returns one alert by id.
func (s *Service) GetAlert(alertID string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byAlert[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return a.clone(), nil
}

// metricValue resolves a rule metric name to its current value.
func (s *Service) metricValue(name string, window time.Duration, now time.Time) (float64, bool) {
	parts := strings.SplitN(name, ".", 3)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch parts[0] {
	case "system":
		if len(parts) != 2 || len(s.system) == 0 {
			return 0, false
		}
		sys := s.system[len(s.system)-1]
		switch parts[1] {
		case "goroutines":
			return float64(sys.Goroutines), true
		case "cpus":
			return float64(sys.CPUs), true
		case "heap_alloc_bytes":
			return float64(sys.HeapAlloc), true
		case "heap_sys_bytes":
			return float64(sys.HeapSys), true
		case "heap_objects":
			return float64(sys.HeapObjects), true
		case "stack_sys_bytes":
			return float64(sys.StackSys), true
		case "gc_runs":
			return float64(sys.GCRuns), true
		}
		return 0, false

	case "perf":
		if len(parts) != 3 {
			return 0, false
		}
		for i := len(s.perf) - 1; i >= 0; i-- {
			if s.perf[i].Component != parts[1] {
				continue
			}
			switch parts[2] {
			case "active":
				return float64(s.perf[i].Active), true
			case "queued":
				return float64(s.perf[i].Queued), true
			case "completed":
				return float64(s.perf[i].Completed), true
			}
			return 0, false
		}
		return 0, false

	case "workflow":
		if len(parts) != 3 {
			return 0, false
		}
		agg, ok := s.workflows[parts[1]]
		if !ok {
			return 0, false
		}
		switch parts[2] {
		case "executions":
			return float64(agg.terminal() + agg.running), true
		case "running":
			return float64(agg.running), true
		case "succeeded":
			return float64(agg.succeeded), true
		case "failed":
			return float64(agg.failed), true
		case "cancelled":
			return float64(agg.cancelled), true
		case "success_rate":
			if n := agg.terminal(); n > 0 {
				return float64(agg.succeeded) / float64(n), true
			}
			return 0, false
		case "failure_rate":
			if n := agg.terminal(); n > 0 {
				return float64(agg.failed) / float64(n), true
			}
			return 0, false
		case "avg_duration_ms":
			return float64(agg.avgDur.Milliseconds()), true
		case "min_duration_ms":
			return float64(agg.minDur.Milliseconds()), true
		case "max_duration_ms":
			return float64(agg.maxDur.Milliseconds()), true
		case "per_hour":
			return float64(agg.within(window, now)), true
		}
	}
	return 0, false
}
