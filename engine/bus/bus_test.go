package bus_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/value"
)

type launchCall struct {
	workflowID string
	trigger    string
	input      map[string]value.Value
}

// launchRecorder satisfies bus.Launcher and captures every launch.
type launchRecorder struct {
	mu      sync.Mutex
	calls   []launchCall
	failFor map[string]error
}

func (l *launchRecorder) LaunchAsync(_ context.Context, workflowID string, input map[string]value.Value, trigger string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failFor[workflowID]; ok {
		return "", err
	}
	l.calls = append(l.calls, launchCall{workflowID: workflowID, trigger: trigger, input: value.CloneMap(input)})
	return fmt.Sprintf("exec_%03d", len(l.calls)), nil
}

func (l *launchRecorder) launched() []launchCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launchCall(nil), l.calls...)
}

func newTestBus(t *testing.T, cfg bus.Config) (*bus.Bus, *launchRecorder) {
	t.Helper()
	rec := &launchRecorder{failFor: make(map[string]error)}
	return bus.New(rec, nil, cfg, zerolog.Nop()), rec
}

func TestSubscribeValidation(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})

	cases := []struct {
		name       string
		event      string
		workflowID string
		opts       bus.SubscribeOptions
	}{
		{name: "empty workflow id", event: "order.created", workflowID: ""},
		{name: "empty event", event: "", workflowID: "wf-orders"},
		{
			name: "filter without field", event: "order.created", workflowID: "wf-orders",
			opts: bus.SubscribeOptions{Filters: []bus.Filter{{Operator: "eq", Value: value.String("x")}}},
		},
		{
			name: "unsupported filter operator", event: "order.created", workflowID: "wf-orders",
			opts: bus.SubscribeOptions{Filters: []bus.Filter{{Field: "total", Operator: "between", Value: value.Number(1)}}},
		},
		{
			name: "malformed regex", event: "order.created", workflowID: "wf-orders",
			opts: bus.SubscribeOptions{Filters: []bus.Filter{{Field: "sku", Operator: "regex", Value: value.String("[")}}},
		},
		{
			name: "regex with non-string pattern", event: "order.created", workflowID: "wf-orders",
			opts: bus.SubscribeOptions{Filters: []bus.Filter{{Field: "sku", Operator: "regex", Value: value.Number(5)}}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.Subscribe(tc.event, tc.workflowID, tc.opts); !errors.Is(err, bus.ErrInvalidSubscription) {
				t.Fatalf("expected ErrInvalidSubscription, got %v", err)
			}
		})
	}

	t.Run("nil consumer", func(t *testing.T) {
		if _, err := b.SubscribeFunc("order.created", "auditor", bus.SubscribeOptions{}, nil); !errors.Is(err, bus.ErrInvalidSubscription) {
			t.Fatalf("expected ErrInvalidSubscription, got %v", err)
		}
	})

	t.Run("valid subscription", func(t *testing.T) {
		id, err := b.Subscribe("order.created", "wf-orders", bus.SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if !strings.HasPrefix(id, "sub_") {
			t.Errorf("expected sub_ prefixed id, got %q", id)
		}
	})
}

func TestPublishDelivery(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	subID, err := b.Subscribe("order.created", "wf-orders", bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := b.Publish(context.Background(), "order.created", map[string]value.Value{
		"total": value.Number(42),
	}, "shop")

	if !strings.HasPrefix(msg.ID, "evt_") {
		t.Errorf("expected evt_ prefixed message id, got %q", msg.ID)
	}
	if msg.Event != "order.created" || msg.Source != "shop" {
		t.Errorf("unexpected message envelope %+v", msg)
	}
	if msg.Time.IsZero() {
		t.Error("expected message timestamp")
	}
	if len(msg.Deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(msg.Deliveries))
	}
	d := msg.Deliveries[0]
	if d.SubscriptionID != subID || d.WorkflowID != "wf-orders" {
		t.Errorf("unexpected delivery target %+v", d)
	}
	if d.ExecutionID == "" || d.Error != "" {
		t.Errorf("expected clean launch, got %+v", d)
	}

	calls := rec.launched()
	if len(calls) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(calls))
	}
	call := calls[0]
	if call.workflowID != "wf-orders" || call.trigger != "event" {
		t.Errorf("unexpected launch %+v", call)
	}
	if n, _ := call.input["total"].AsNumber(); n != 42 {
		t.Errorf("expected event data forwarded, got %v", call.input)
	}
	if ev, _ := call.input["_event"].AsString(); ev != "order.created" {
		t.Errorf("expected _event decoration, got %v", call.input["_event"])
	}
	if src, _ := call.input["_source"].AsString(); src != "shop" {
		t.Errorf("expected _source decoration, got %v", call.input["_source"])
	}
	if _, ok := call.input["_correlation_id"]; ok {
		t.Error("expected no correlation id without PublishCorrelated")
	}

	t.Run("non-matching event is kept but not delivered", func(t *testing.T) {
		quiet := b.Publish(context.Background(), "order.deleted", nil, "shop")
		if len(quiet.Deliveries) != 0 {
			t.Errorf("expected no deliveries, got %+v", quiet.Deliveries)
		}
		if len(rec.launched()) != 1 {
			t.Errorf("expected no extra launches, got %d", len(rec.launched()))
		}
	})

	t.Run("stats reflect publish and delivery counts", func(t *testing.T) {
		st := b.BusStats()
		if st.Subscriptions != 1 || st.Published != 2 || st.Delivered != 1 {
			t.Errorf("unexpected stats %+v", st)
		}
	})
}

func TestPublishCorrelated(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	if _, err := b.Subscribe("invoice.paid", "wf-billing", bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := b.PublishCorrelated(context.Background(), "invoice.paid", nil, "billing", "corr-123")

	if msg.CorrelationID != "corr-123" {
		t.Errorf("expected correlation id on the message, got %q", msg.CorrelationID)
	}
	calls := rec.launched()
	if len(calls) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(calls))
	}
	if cid, _ := calls[0].input["_correlation_id"].AsString(); cid != "corr-123" {
		t.Errorf("expected correlation id forwarded, got %v", calls[0].input)
	}
}

func TestWildcardSubscription(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	if _, err := b.Subscribe(bus.Wildcard, "wf-audit", bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe wildcard: %v", err)
	}
	if _, err := b.Subscribe("user.created", "wf-welcome", bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(context.Background(), "user.created", nil, "")
	b.Publish(context.Background(), "user.deleted", nil, "")

	var audit, welcome int
	for _, call := range rec.launched() {
		switch call.workflowID {
		case "wf-audit":
			audit++
		case "wf-welcome":
			welcome++
		}
	}
	if audit != 2 {
		t.Errorf("expected wildcard subscriber to see both events, got %d", audit)
	}
	if welcome != 1 {
		t.Errorf("expected specific subscriber to see one event, got %d", welcome)
	}
}

func TestPriorityOrdering(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	subscribe := func(workflowID string, priority int) {
		t.Helper()
		if _, err := b.Subscribe("deploy.finished", workflowID, bus.SubscribeOptions{Priority: priority}); err != nil {
			t.Fatalf("Subscribe %s: %v", workflowID, err)
		}
	}
	subscribe("wf-low-first", 1)
	subscribe("wf-high", 5)
	subscribe("wf-low-second", 1)

	msg := b.Publish(context.Background(), "deploy.finished", nil, "")

	want := []string{"wf-high", "wf-low-first", "wf-low-second"}
	if len(msg.Deliveries) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(msg.Deliveries))
	}
	for i, w := range want {
		if msg.Deliveries[i].WorkflowID != w {
			t.Errorf("delivery %d: expected %s, got %s", i, w, msg.Deliveries[i].WorkflowID)
		}
	}
	calls := rec.launched()
	for i, w := range want {
		if calls[i].workflowID != w {
			t.Errorf("launch %d: expected %s, got %s", i, w, calls[i].workflowID)
		}
	}
}

func TestFilters(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	_, err := b.Subscribe("order.created", "wf-big-orders", bus.SubscribeOptions{
		Filters: []bus.Filter{
			{Field: "total", Operator: "gt", Value: value.Number(100)},
			{Field: "status", Operator: "eq", Value: value.String("open")},
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	publish := func(total float64, status string) {
		b.Publish(context.Background(), "order.created", map[string]value.Value{
			"total":  value.Number(total),
			"status": value.String(status),
		}, "")
	}

	publish(250, "open")   // both pass
	publish(50, "open")    // total too small
	publish(250, "closed") // wrong status

	if got := len(rec.launched()); got != 1 {
		t.Fatalf("expected exactly one delivery through the filters, got %d", got)
	}

	t.Run("missing field fails the filter", func(t *testing.T) {
		b.Publish(context.Background(), "order.created", map[string]value.Value{
			"status": value.String("open"),
		}, "")
		if got := len(rec.launched()); got != 1 {
			t.Errorf("expected no delivery when a filtered field is absent, got %d launches", got)
		}
	})
}

func TestSetActive(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	id, err := b.Subscribe("ping", "wf-pong", bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.SetActive(id, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	b.Publish(context.Background(), "ping", nil, "")
	if len(rec.launched()) != 0 {
		t.Fatal("expected paused subscription to be skipped")
	}

	if err := b.SetActive(id, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	b.Publish(context.Background(), "ping", nil, "")
	if len(rec.launched()) != 1 {
		t.Fatal("expected resumed subscription to deliver")
	}

	if err := b.SetActive("sub_missing", false); !errors.Is(err, bus.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	id, err := b.Subscribe("ping", "wf-pong", bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	b.Publish(context.Background(), "ping", nil, "")
	if len(rec.launched()) != 0 {
		t.Fatal("expected no delivery after unsubscribe")
	}

	if err := b.Unsubscribe(id); !errors.Is(err, bus.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestSubscriptionBookkeeping(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{})
	first, err := b.Subscribe("a", "wf-1", bus.SubscribeOptions{Priority: 9})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe("b", "wf-2", bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs := b.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	if subs[0].ID != first || subs[1].ID != second {
		t.Errorf("expected creation order, got %s then %s", subs[0].ID, subs[1].ID)
	}
	if subs[0].Priority != 9 || !subs[0].Active || subs[0].CreatedAt.IsZero() {
		t.Errorf("unexpected subscription snapshot %+v", subs[0])
	}
	if subs[0].Deliveries != 0 || subs[0].LastDelivered != nil {
		t.Errorf("expected untouched delivery counters, got %+v", subs[0])
	}

	b.Publish(context.Background(), "a", nil, "")

	subs = b.Subscriptions()
	if subs[0].Deliveries != 1 || subs[0].LastDelivered == nil {
		t.Errorf("expected delivery counters bumped, got %+v", subs[0])
	}
	if subs[1].Deliveries != 0 {
		t.Errorf("expected unrelated subscription untouched, got %+v", subs[1])
	}
}

func TestConsumerDelivery(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})

	var mu sync.Mutex
	var seen []bus.Message
	_, err := b.SubscribeFunc("metric.flush", "collector", bus.SubscribeOptions{}, func(_ context.Context, msg bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg)
	})
	if err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}

	msg := b.Publish(context.Background(), "metric.flush", map[string]value.Value{
		"count": value.Number(7),
	}, "agent")

	mu.Lock()
	got := len(seen)
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected synchronous consumer delivery, got %d messages", got)
	}
	mu.Lock()
	delivered := seen[0]
	mu.Unlock()
	if delivered.Event != "metric.flush" {
		t.Errorf("unexpected consumer message %+v", delivered)
	}
	if n, _ := delivered.Data["count"].AsNumber(); n != 7 {
		t.Errorf("expected raw event data, got %v", delivered.Data)
	}
	if _, ok := delivered.Data["_event"]; ok {
		t.Error("consumer messages carry raw data, not the decorated workflow input")
	}

	if len(msg.Deliveries) != 1 || msg.Deliveries[0].ExecutionID != "" || msg.Deliveries[0].Error != "" {
		t.Errorf("unexpected consumer delivery record %+v", msg.Deliveries)
	}
	if len(rec.launched()) != 0 {
		t.Error("consumer subscriptions must not launch workflows")
	}
}

func TestConsumerPanicContainment(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	_, err := b.SubscribeFunc("spike", "fragile", bus.SubscribeOptions{Priority: 10}, func(context.Context, bus.Message) {
		panic("consumer bug")
	})
	if err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}
	if _, err := b.Subscribe("spike", "wf-steady", bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := b.Publish(context.Background(), "spike", nil, "")

	if len(msg.Deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(msg.Deliveries))
	}
	if !strings.Contains(msg.Deliveries[0].Error, "consumer panic") {
		t.Errorf("expected contained panic on the delivery record, got %+v", msg.Deliveries[0])
	}
	if msg.Deliveries[1].Error != "" {
		t.Errorf("expected later subscriber unaffected, got %+v", msg.Deliveries[1])
	}
	if len(rec.launched()) != 1 {
		t.Errorf("expected workflow delivery to proceed after the panic, got %d", len(rec.launched()))
	}
}

func TestLaunchFailureRecorded(t *testing.T) {
	b, rec := newTestBus(t, bus.Config{})
	rec.failFor["wf-broken"] = errors.New("engine rejected launch")
	if _, err := b.Subscribe("job.ready", "wf-broken", bus.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := b.Publish(context.Background(), "job.ready", nil, "")

	if len(msg.Deliveries) != 1 {
		t.Fatalf("expected 1 delivery record, got %d", len(msg.Deliveries))
	}
	d := msg.Deliveries[0]
	if d.Error != "engine rejected launch" || d.ExecutionID != "" {
		t.Errorf("expected launch failure recorded, got %+v", d)
	}
	if st := b.BusStats(); st.Delivered != 1 {
		t.Errorf("matched deliveries count even when the launch fails, got %+v", st)
	}
}

func TestHistory(t *testing.T) {
	b, _ := newTestBus(t, bus.Config{HistoryCap: 3})

	b.Publish(context.Background(), "tick", map[string]value.Value{"n": value.Number(1)}, "")
	b.Publish(context.Background(), "tock", map[string]value.Value{"n": value.Number(2)}, "")
	b.Publish(context.Background(), "tick", map[string]value.Value{"n": value.Number(3)}, "")
	b.Publish(context.Background(), "tock", map[string]value.Value{"n": value.Number(4)}, "")
	b.Publish(context.Background(), "tick", map[string]value.Value{"n": value.Number(5)}, "")

	t.Run("cap drops the oldest messages", func(t *testing.T) {
		got := b.History("", 0)
		if len(got) != 3 {
			t.Fatalf("expected history capped at 3, got %d", len(got))
		}
		for i, want := range []float64{5, 4, 3} {
			if n, _ := got[i].Data["n"].AsNumber(); n != want {
				t.Errorf("position %d: expected n=%v, got %v", i, want, got[i].Data["n"])
			}
		}
	})

	t.Run("limit truncates newest first", func(t *testing.T) {
		got := b.History("", 2)
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if n, _ := got[0].Data["n"].AsNumber(); n != 5 {
			t.Errorf("expected newest message first, got %v", got[0].Data["n"])
		}
	})

	t.Run("event filter", func(t *testing.T) {
		got := b.History("tock", 0)
		if len(got) != 1 {
			t.Fatalf("expected 1 retained tock message, got %d", len(got))
		}
		if n, _ := got[0].Data["n"].AsNumber(); n != 4 {
			t.Errorf("expected the retained tock, got %v", got[0].Data["n"])
		}
	})

	t.Run("no matches", func(t *testing.T) {
		if got := b.History("silence", 0); len(got) != 0 {
			t.Fatalf("expected empty history, got %d", len(got))
		}
	})
}
