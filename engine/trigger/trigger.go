// Package trigger unifies the sources that can start workflow executions
// behind one registry: time schedules, event-bus subscriptions, sampled
// conditions, polled HTTP endpoints, inbound webhooks, and manual firings.
//
// A trigger binds a workflow id to a typed firing source. The service owns
// each trigger's lifecycle (timers, scheduler jobs, bus subscriptions) and
// funnels every firing through one path that evaluates the trigger's
// conditions, records statistics, and launches the workflow.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/schedule"
	"github.com/steeldragon666/omniflow/engine/value"
)

// Type discriminates the firing source of a trigger.
type Type string

const (
	TypeTime      Type = "time"
	TypeWebhook   Type = "webhook"
	TypeEvent     Type = "event"
	TypeCondition Type = "condition"
	TypeAPI       Type = "api"
	TypeManual    Type = "manual"
)

// ScheduleKind selects how a time trigger fires.
type ScheduleKind string

const (
	// ScheduleCron fires on a cron expression via the task scheduler.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleInterval fires on a fixed period.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleOnce fires a single time and deactivates.
	ScheduleOnce ScheduleKind = "once"
)

// TimeConfig configures a time trigger.
type TimeConfig struct {
	Schedule   ScheduleKind  `json:"schedule"`
	Expression string        `json:"expression,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`
	At         *time.Time    `json:"at,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`

	// StartDate and EndDate bound the firing window; firings outside it
	// are suppressed. Nil means unbounded.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// EventConfig configures an event trigger: a bus subscription whose matched
// messages fire the trigger with the event payload as input.
type EventConfig struct {
	EventType string       `json:"event_type"`
	Source    string       `json:"source,omitempty"`
	Filters   []bus.Filter `json:"filters,omitempty"`
	Priority  int          `json:"priority,omitempty"`
}

// ConditionConfig configures a condition trigger: a sampling timer polls the
// named field through the injected data source and fires when the
// comparison holds.
type ConditionConfig struct {
	Field         string        `json:"field"`
	Operator      string        `json:"operator"`
	Value         value.Value   `json:"value,omitempty"`
	CheckInterval time.Duration `json:"check_interval"`
}

// APIConfig configures a polling trigger: a periodic HTTP call whose whole
// response becomes the workflow input.
type APIConfig struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Interval time.Duration     `json:"interval"`
}

// Config is the type-tagged union of per-type settings. Exactly the field
// matching the trigger's type is set; webhook and manual triggers carry no
// configuration here.
type Config struct {
	Time      *TimeConfig      `json:"time,omitempty"`
	Event     *EventConfig     `json:"event,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	API       *APIConfig       `json:"api,omitempty"`
}

// Stats carries per-trigger firing statistics. AvgResponseTime is an
// equal-weight rolling mean over every recorded firing; SuccessRate is the
// fraction of firings whose launched execution completed.
type Stats struct {
	TriggerCount    int           `json:"trigger_count"`
	Suppressed      int           `json:"suppressed,omitempty"`
	LastTriggered   *time.Time    `json:"last_triggered,omitempty"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`

	successes int
}

func (s Stats) clone() Stats {
	cp := s
	if s.LastTriggered != nil {
		t := *s.LastTriggered
		cp.LastTriggered = &t
	}
	return cp
}

// Trigger binds a workflow to one firing source.
type Trigger struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	Type       Type                  `json:"type"`
	Name       string                `json:"name,omitempty"`
	Active     bool                  `json:"active"`
	Config     Config                `json:"config"`
	Conditions []condition.Condition `json:"conditions,omitempty"`
	Stats      Stats                 `json:"stats"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`

	// lifecycle handles, owned by the service
	stop     func()
	jobID    string
	subID    string
	inflight int
	seq      uint64
}

func (t *Trigger) clone() *Trigger {
	cp := *t
	cp.Config = t.Config.clone()
	cp.Conditions = append([]condition.Condition(nil), t.Conditions...)
	cp.Stats = t.Stats.clone()
	cp.stop = nil
	return &cp
}

func (c Config) clone() Config {
	cp := Config{}
	if c.Time != nil {
		tc := *c.Time
		cp.Time = &tc
	}
	if c.Event != nil {
		ec := *c.Event
		ec.Filters = append([]bus.Filter(nil), c.Event.Filters...)
		cp.Event = &ec
	}
	if c.Condition != nil {
		cc := *c.Condition
		cc.Value = c.Condition.Value.Clone()
		cp.Condition = &cc
	}
	if c.API != nil {
		ac := *c.API
		if c.API.Headers != nil {
			ac.Headers = make(map[string]string, len(c.API.Headers))
			for k, v := range c.API.Headers {
				ac.Headers[k] = v
			}
		}
		cp.API = &ac
	}
	return cp
}

// validate checks the trigger's config against its type. The cron
// expression and timezone are parsed here so a malformed time trigger never
// reaches the scheduler.
func (t *Trigger) validate() error {
	if t.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrInvalidTrigger)
	}
	switch t.Type {
	case TypeTime:
		tc := t.Config.Time
		if tc == nil {
			return fmt.Errorf("%w: time trigger needs a time config", ErrInvalidTrigger)
		}
		switch tc.Schedule {
		case ScheduleCron:
			if _, err := schedule.NextRun(tc.Expression, tc.Timezone, time.Now()); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
			}
		case ScheduleInterval:
			if tc.Interval <= 0 {
				return fmt.Errorf("%w: interval must be positive", ErrInvalidTrigger)
			}
		case ScheduleOnce:
			if tc.At == nil && tc.StartDate == nil {
				return fmt.Errorf("%w: once schedule needs at or start_date", ErrInvalidTrigger)
			}
		default:
			return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidTrigger, tc.Schedule)
		}
	case TypeEvent:
		ec := t.Config.Event
		if ec == nil || ec.EventType == "" {
			return fmt.Errorf("%w: event trigger needs event_type", ErrInvalidTrigger)
		}
	case TypeCondition:
		cc := t.Config.Condition
		if cc == nil || cc.Field == "" || cc.Operator == "" {
			return fmt.Errorf("%w: condition trigger needs field and operator", ErrInvalidTrigger)
		}
		if cc.CheckInterval <= 0 {
			return fmt.Errorf("%w: check_interval must be positive", ErrInvalidTrigger)
		}
	case TypeAPI:
		ac := t.Config.API
		if ac == nil || ac.Endpoint == "" {
			return fmt.Errorf("%w: api trigger needs endpoint", ErrInvalidTrigger)
		}
		if ac.Interval <= 0 {
			return fmt.Errorf("%w: polling interval must be positive", ErrInvalidTrigger)
		}
	case TypeWebhook, TypeManual:
		// Registration only; no lifecycle config.
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTrigger, t.Type)
	}
	return nil
}

// executionTrigger maps a trigger type to the trigger_type recorded on the
// execution it launches. Condition and api firings surface as event-driven.
func (t Type) executionTrigger() string {
	switch t {
	case TypeTime:
		return "scheduled"
	case TypeWebhook:
		return "webhook"
	case TypeEvent, TypeCondition, TypeAPI:
		return "event"
	default:
		return "manual"
	}
}

// ParseConfig decodes a flat trigger-spec config map into the typed union
// for the given trigger type. Durations accept either a number of
// milliseconds or a Go duration string; instants are RFC 3339 strings.
func ParseConfig(t Type, raw map[string]value.Value) (Config, error) {
	var cfg Config
	switch t {
	case TypeTime:
		tc := &TimeConfig{
			Schedule:   ScheduleKind(cfgString(raw, "schedule", string(ScheduleCron))),
			Expression: cfgString(raw, "expression", cfgString(raw, "cron", "")),
			Timezone:   cfgString(raw, "timezone", ""),
			Interval:   cfgDuration(raw, "interval", 0),
		}
		var err error
		if tc.At, err = cfgTime(raw, "at"); err != nil {
			return cfg, err
		}
		if tc.StartDate, err = cfgTime(raw, "start_date"); err != nil {
			return cfg, err
		}
		if tc.EndDate, err = cfgTime(raw, "end_date"); err != nil {
			return cfg, err
		}
		cfg.Time = tc
	case TypeEvent:
		ec := &EventConfig{
			EventType: cfgString(raw, "event_type", cfgString(raw, "event", "")),
			Source:    cfgString(raw, "source", ""),
			Priority:  int(cfgNumber(raw, "priority", 0)),
		}
		if fv, ok := raw["filters"]; ok {
			if err := decodeValue(fv, &ec.Filters); err != nil {
				return cfg, fmt.Errorf("%w: decode filters: %v", ErrInvalidTrigger, err)
			}
		}
		cfg.Event = ec
	case TypeCondition:
		cc := &ConditionConfig{
			Field:         cfgString(raw, "field", ""),
			Operator:      cfgString(raw, "operator", ""),
			CheckInterval: cfgDuration(raw, "check_interval", 0),
		}
		if v, ok := raw["value"]; ok {
			cc.Value = v.Clone()
		}
		cfg.Condition = cc
	case TypeAPI:
		ac := &APIConfig{
			Endpoint: cfgString(raw, "endpoint", ""),
			Method:   cfgString(raw, "method", ""),
			Interval: cfgDuration(raw, "interval", cfgDuration(raw, "polling_interval", 0)),
		}
		if hv, ok := raw["headers"]; ok {
			if m, isMap := hv.AsMap(); isMap {
				ac.Headers = make(map[string]string, len(m))
				for k, v := range m {
					if s, isStr := v.AsString(); isStr {
						ac.Headers[k] = s
					}
				}
			}
		}
		cfg.API = ac
	case TypeWebhook, TypeManual:
	default:
		return cfg, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTrigger, t)
	}
	return cfg, nil
}

// decodeValue converts a config value into a typed spec through its JSON
// form.
func decodeValue(v value.Value, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func cfgString(m map[string]value.Value, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.AsString(); ok && s != "" {
			return s
		}
	}
	return def
}

func cfgNumber(m map[string]value.Value, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.AsNumber(); ok {
			return n
		}
	}
	return def
}

// cfgDuration reads a duration entry: numbers are milliseconds, strings are
// Go duration syntax.
func cfgDuration(m map[string]value.Value, key string, def time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return def
	}
	if n, ok := v.AsNumber(); ok {
		return time.Duration(n) * time.Millisecond
	}
	if s, ok := v.AsString(); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

func cfgTime(m map[string]value.Value, key string) (*time.Time, error) {
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.AsString()
	if !ok || s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s %q: %v", ErrInvalidTrigger, key, s, err)
	}
	return &t, nil
}
