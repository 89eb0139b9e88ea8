// Package bus implements the in-process event bus: named events published
// with structured data, prioritized subscriptions with field filters, a
// bounded message history, and synchronous delivery that launches the
// subscribed workflow through the engine.
package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/condition"
	"github.com/steeldragon666/omniflow/engine/value"
)

var (
	// ErrSubscriptionNotFound is returned for unknown subscription ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidSubscription is returned when a subscription fails validation.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Wildcard subscribes to every event name.
const Wildcard = "*"

// Launcher starts workflow executions for matched subscriptions. Delivery
// uses the asynchronous form so publishing from inside a running execution
// cannot deadlock on the engine's concurrency limit.
type Launcher interface {
	LaunchAsync(ctx context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error)
}

// Consumer receives matched messages directly instead of launching a
// workflow. Subscriptions created with SubscribeFunc deliver through it,
// synchronously and in the same priority order as workflow subscriptions.
// A panicking consumer is contained and logged; it never takes down the
// publisher.
type Consumer func(ctx context.Context, msg Message)

// Filter is one field check applied to published data before delivery. The
// operator set is the comparison subset of the condition evaluator.
type Filter struct {
	Field         string      `json:"field"`
	Operator      string      `json:"operator"`
	Value         value.Value `json:"value,omitempty"`
	CaseSensitive *bool       `json:"case_sensitive,omitempty"`
}

var filterOperators = map[condition.Operator]bool{
	condition.OpEq:       true,
	condition.OpNeq:      true,
	condition.OpGt:       true,
	condition.OpLt:       true,
	condition.OpGte:      true,
	condition.OpLte:      true,
	condition.OpContains: true,
	condition.OpRegex:    true,
	condition.OpExists:   true,
}

func (f Filter) condition() condition.Condition {
	return condition.Condition{
		Field:         f.Field,
		Operator:      condition.Operator(f.Operator),
		Value:         f.Value,
		CaseSensitive: f.CaseSensitive,
	}
}

func (f Filter) validate() error {
	if f.Field == "" {
		return fmt.Errorf("%w: filter field is required", ErrInvalidSubscription)
	}
	op := condition.Operator(f.Operator)
	if !filterOperators[op] {
		return fmt.Errorf("%w: unsupported filter operator %q", ErrInvalidSubscription, f.Operator)
	}
	if op == condition.OpRegex {
		pattern, ok := f.Value.AsString()
		if !ok {
			return fmt.Errorf("%w: regex filter needs a string pattern", ErrInvalidSubscription)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: regex filter: %v", ErrInvalidSubscription, err)
		}
	}
	return nil
}

// Subscription binds an event name to a workflow.
type Subscription struct {
	ID         string   `json:"id"`
	Event      string   `json:"event"`
	WorkflowID string   `json:"workflow_id"`
	Filters    []Filter `json:"filters,omitempty"`

	// Priority orders delivery within one publish, highest first. Equal
	// priorities deliver in subscription order.
	Priority int `json:"priority"`

	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	Deliveries    int        `json:"deliveries"`
	LastDelivered *time.Time `json:"last_delivered,omitempty"`

	seq      uint64
	consumer Consumer
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Filters = append([]Filter(nil), s.Filters...)
	if s.LastDelivered != nil {
		t := *s.LastDelivered
		cp.LastDelivered = &t
	}
	return &cp
}

// SubscribeOptions tunes a new subscription.
type SubscribeOptions struct {
	Filters  []Filter
	Priority int
}

// Delivery records one workflow launch attempt for a published message.
type Delivery struct {
	SubscriptionID string `json:"subscription_id"`
	WorkflowID     string `json:"workflow_id"`
	ExecutionID    string `json:"execution_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Message is one published event with its delivery record.
type Message struct {
	ID            string                 `json:"id"`
	Event         string                 `json:"event"`
	Data          map[string]value.Value `json:"data,omitempty"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Time          time.Time              `json:"time"`
	Deliveries    []Delivery             `json:"deliveries,omitempty"`
}

// Config bounds the bus.
type Config struct {
	// HistoryCap is the message history size. Default 1000.
	HistoryCap int `json:"history_cap"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{HistoryCap: 1000}
}

// Stats is a point-in-time summary of bus activity.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Published     int `json:"published"`
	Delivered     int `json:"delivered"`
}

// Bus routes published events to subscribed workflows.
type Bus struct {
	launcher  Launcher
	evaluator *condition.Evaluator
	logger    zerolog.Logger
	now       func() time.Time
	histCap   int

	mu        sync.Mutex
	subs      map[string]*Subscription
	history   []Message
	seq       uint64
	published int
	delivered int
}

// New wires a bus over the launcher. A nil evaluator gets the standard one.
func New(launcher Launcher, evaluator *condition.Evaluator, cfg Config, logger zerolog.Logger) *Bus {
	if evaluator == nil {
		evaluator = condition.New()
	}
	histCap := cfg.HistoryCap
	if histCap <= 0 {
		histCap = DefaultConfig().HistoryCap
	}
	return &Bus{
		launcher:  launcher,
		evaluator: evaluator,
		logger:    logger.With().Str("component", "event_bus").Logger(),
		now:       time.Now,
		histCap:   histCap,
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe binds an event name (or the wildcard) to a workflow and returns
// the subscription id. Filters are validated here so a malformed filter
// never reaches delivery.
func (b *Bus) Subscribe(event, workflowID string, opts SubscribeOptions) (string, error) {
	if workflowID == "" {
		return "", fmt.Errorf("%w: workflow_id is required", ErrInvalidSubscription)
	}
	return b.subscribe(event, workflowID, opts, nil)
}

// SubscribeFunc binds an event name (or the wildcard) to a consumer
// callback. The owner names the subscribing component for observability;
// it is recorded in the subscription's workflow_id field but no workflow
// is launched.
func (b *Bus) SubscribeFunc(event, owner string, opts SubscribeOptions, fn Consumer) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil consumer", ErrInvalidSubscription)
	}
	return b.subscribe(event, owner, opts, fn)
}

func (b *Bus) subscribe(event, owner string, opts SubscribeOptions, fn Consumer) (string, error) {
	if event == "" {
		return "", fmt.Errorf("%w: event is required", ErrInvalidSubscription)
	}
	for _, f := range opts.Filters {
		if err := f.validate(); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &Subscription{
		ID:         "sub_" + uuid.NewString(),
		Event:      event,
		WorkflowID: owner,
		Filters:    append([]Filter(nil), opts.Filters...),
		Priority:   opts.Priority,
		Active:     true,
		CreatedAt:  b.now(),
		seq:        b.seq,
		consumer:   fn,
	}
	b.subs[sub.ID] = sub

	b.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("event", event).
		Str("workflow_id", owner).
		Int("priority", sub.Priority).
		Msg("subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	delete(b.subs, id)
	return nil
}

// SetActive pauses or resumes delivery for a subscription.
func (b *Bus) SetActive(id string, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.Active = active
	return nil
}

// Subscriptions returns copies of all subscriptions in creation order.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.Lock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub.clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Publish delivers an event to every matching active subscription, ordered
// by descending priority, and returns the message with its delivery record.
// Delivery launches workflows without waiting for them to finish.
func (b *Bus) Publish(ctx context.Context, event string, data map[string]value.Value, source string) Message {
	return b.PublishCorrelated(ctx, event, data, source, "")
}

// PublishCorrelated is Publish with a correlation id recorded on the message
// and forwarded to launched workflows as _correlation_id.
func (b *Bus) PublishCorrelated(ctx context.Context, event string, data map[string]value.Value, source, correlationID string) Message {
	msg := Message{
		ID:            "evt_" + uuid.NewString(),
		Event:         event,
		Data:          value.CloneMap(data),
		Source:        source,
		CorrelationID: correlationID,
		Time:          b.now(),
	}

	b.mu.Lock()
	b.published++
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if !sub.Active {
			continue
		}
		if sub.Event != event && sub.Event != Wildcard {
			continue
		}
		if !b.matchesLocked(sub, msg.Data) {
			continue
		}
		matched = append(matched, sub)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	now := b.now()
	for _, sub := range matched {
		sub.Deliveries++
		last := now
		sub.LastDelivered = &last
	}
	b.delivered += len(matched)
	targets := make([]Delivery, len(matched))
	consumers := make([]Consumer, len(matched))
	for i, sub := range matched {
		targets[i] = Delivery{SubscriptionID: sub.ID, WorkflowID: sub.WorkflowID}
		consumers[i] = sub.consumer
	}
	b.mu.Unlock()

	input := value.CloneMap(msg.Data)
	if input == nil {
		input = make(map[string]value.Value, 3)
	}
	input["_event"] = value.String(event)
	if source != "" {
		input["_source"] = value.String(source)
	}
	if correlationID != "" {
		input["_correlation_id"] = value.String(correlationID)
	}

	for i := range targets {
		if consumers[i] != nil {
			b.consume(ctx, consumers[i], msg, &targets[i])
			continue
		}
		execID, err := b.launcher.LaunchAsync(ctx, targets[i].WorkflowID, input, "event")
		if err != nil {
			targets[i].Error = err.Error()
			b.logger.Warn().
				Err(err).
				Str("event", event).
				Str("workflow_id", targets[i].WorkflowID).
				Msg("event delivery failed")
			continue
		}
		targets[i].ExecutionID = execID
	}
	msg.Deliveries = targets

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
	b.mu.Unlock()

	b.logger.Debug().
		Str("event", event).
		Str("message_id", msg.ID).
		Int("matched", len(targets)).
		Msg("event published")
	return msg
}

// consume delivers one message to a consumer callback with panic
// containment.
func (b *Bus) consume(ctx context.Context, fn Consumer, msg Message, d *Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			d.Error = fmt.Sprintf("consumer panic: %v", rec)
			b.logger.Error().
				Str("subscription_id", d.SubscriptionID).
				Str("event", msg.Event).
				Interface("panic", rec).
				Msg("event consumer panicked")
		}
	}()
	fn(ctx, msg)
}

// matchesLocked applies every filter (AND) against the published data.
func (b *Bus) matchesLocked(sub *Subscription, data map[string]value.Value) bool {
	for _, f := range sub.Filters {
		res := b.evaluator.Evaluate(f.condition(), data)
		if !res.Success || !res.Result {
			return false
		}
	}
	return true
}

// History returns the most recent messages, newest first. An empty event
// matches all; limit <= 0 means everything retained.
func (b *Bus) History(event string, limit int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		if event != "" && b.history[i].Event != event {
			continue
		}
		out = append(out, b.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// BusStats summarizes activity.
func (b *Bus) BusStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscriptions: len(b.subs),
		Published:     b.published,
		Delivered:     b.delivered,
	}
}
