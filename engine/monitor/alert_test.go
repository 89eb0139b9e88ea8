package monitor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/monitor"
)

// recordNotifier captures deliveries instead of sending them.
type recordNotifier struct {
	mu    sync.Mutex
	calls []monitor.Alert
	chans []string
}

func (n *recordNotifier) Notify(_ context.Context, ch monitor.Channel, alert monitor.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, alert)
	n.chans = append(n.chans, ch.Name)
	return nil
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// alertService wires a monitor with one queue probe and a recording webhook
// notifier. The probe's queued value drives the perf.queue.queued metric.
func alertService(t *testing.T, queued int) (*monitor.Service, *recordNotifier) {
	t.Helper()
	svc := newService(monitor.Config{}, monitor.Deps{})
	svc.RegisterProbe("queue", func() monitor.Load { return monitor.Load{Queued: queued} })
	rec := &recordNotifier{}
	svc.RegisterNotifier(monitor.ChannelWebhook, rec)
	if _, err := svc.AddChannel(monitor.Channel{
		Name:   "ops",
		Type:   monitor.ChannelWebhook,
		Config: map[string]string{"url": "http://alerts.internal/hook"},
	}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	return svc, rec
}

func TestAddRuleValidation(t *testing.T) {
	svc := newService(monitor.Config{AlertInterval: 45 * time.Second}, monitor.Deps{})

	t.Run("metric required", func(t *testing.T) {
		if _, err := svc.AddRule(monitor.Rule{Operator: monitor.OpGt}); !errors.Is(err, monitor.ErrInvalidRule) {
			t.Fatalf("err = %v, want ErrInvalidRule", err)
		}
	})

	t.Run("operator checked", func(t *testing.T) {
		_, err := svc.AddRule(monitor.Rule{Metric: "system.goroutines", Operator: "above"})
		if !errors.Is(err, monitor.ErrInvalidRule) {
			t.Fatalf("err = %v, want ErrInvalidRule", err)
		}
	})

	t.Run("negative window rejected", func(t *testing.T) {
		_, err := svc.AddRule(monitor.Rule{Metric: "system.goroutines", Operator: monitor.OpGt, TimeWindow: -time.Minute})
		if !errors.Is(err, monitor.ErrInvalidRule) {
			t.Fatalf("err = %v, want ErrInvalidRule", err)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		r, err := svc.AddRule(monitor.Rule{Metric: "system.goroutines", Operator: monitor.OpGt, Threshold: 10000})
		if err != nil {
			t.Fatalf("AddRule: %v", err)
		}
		if r.ID == "" || !r.Active {
			t.Fatalf("rule = %+v, want id and active", r)
		}
		if r.EvaluationInterval != 45*time.Second {
			t.Fatalf("EvaluationInterval = %v, want service default", r.EvaluationInterval)
		}
		if r.Severity != fault.SeverityMedium {
			t.Fatalf("Severity = %v, want medium", r.Severity)
		}
		if r.Name != "system.goroutines" {
			t.Fatalf("Name = %q, want metric fallback", r.Name)
		}
	})

	t.Run("remove unknown", func(t *testing.T) {
		if err := svc.RemoveRule("rule_nope"); !errors.Is(err, monitor.ErrRuleNotFound) {
			t.Fatalf("err = %v, want ErrRuleNotFound", err)
		}
	})
}

func TestEvaluateRaisesAndCounts(t *testing.T) {
	svc, rec := alertService(t, 9)
	now := time.Now()
	svc.Collect(now)

	rule, err := svc.AddRule(monitor.Rule{
		Name:               "queue backlog",
		Metric:             "perf.queue.queued",
		Operator:           monitor.OpGt,
		Threshold:          5,
		EvaluationInterval: time.Millisecond,
		Severity:           fault.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	svc.EvaluateAlerts(context.Background(), now)
	svc.Wait()

	alerts := svc.Alerts(false)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	first := alerts[0]
	if first.RuleID != rule.ID || first.State != monitor.AlertFiring {
		t.Fatalf("alert = %+v", first)
	}
	if first.Value != 9 || first.Threshold != 5 || first.Count != 1 {
		t.Fatalf("alert value/threshold/count = %v/%v/%d", first.Value, first.Threshold, first.Count)
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}

	t.Run("repeat evaluation bumps count", func(t *testing.T) {
		svc.EvaluateAlerts(context.Background(), now.Add(time.Second))
		svc.Wait()
		alerts := svc.Alerts(false)
		if len(alerts) != 1 {
			t.Fatalf("alerts = %d, want 1", len(alerts))
		}
		if alerts[0].Count != 2 {
			t.Fatalf("Count = %d, want 2", alerts[0].Count)
		}
		if rec.count() != 1 {
			t.Fatalf("notifications = %d, want still 1", rec.count())
		}
	})

	t.Run("resolve then refire raises a new alert", func(t *testing.T) {
		if err := svc.Resolve(first.ID); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		got, err := svc.GetAlert(first.ID)
		if err != nil {
			t.Fatalf("GetAlert: %v", err)
		}
		if got.State != monitor.AlertResolved || got.ResolvedAt == nil {
			t.Fatalf("resolved alert = %+v", got)
		}

		svc.EvaluateAlerts(context.Background(), now.Add(2*time.Second))
		svc.Wait()
		active := svc.Alerts(false)
		if len(active) != 1 || active[0].ID == first.ID {
			t.Fatalf("expected fresh alert, got %+v", active)
		}
		if rec.count() != 2 {
			t.Fatalf("notifications = %d, want 2", rec.count())
		}
		if all := svc.Alerts(true); len(all) != 2 {
			t.Fatalf("alerts incl resolved = %d, want 2", len(all))
		}
	})

	t.Run("inactive rule is skipped", func(t *testing.T) {
		if err := svc.SetRuleActive(rule.ID, false); err != nil {
			t.Fatalf("SetRuleActive: %v", err)
		}
		before := svc.Alerts(false)[0].Count
		svc.EvaluateAlerts(context.Background(), now.Add(3*time.Second))
		svc.Wait()
		if after := svc.Alerts(false)[0].Count; after != before {
			t.Fatalf("count moved on inactive rule: %d -> %d", before, after)
		}
	})
}

func TestEvaluationIntervalPerRule(t *testing.T) {
	svc, _ := alertService(t, 9)
	now := time.Now()
	svc.Collect(now)

	if _, err := svc.AddRule(monitor.Rule{
		Metric:             "perf.queue.queued",
		Operator:           monitor.OpGte,
		Threshold:          9,
		EvaluationInterval: 10 * time.Minute,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	svc.EvaluateAlerts(context.Background(), now)
	svc.EvaluateAlerts(context.Background(), now.Add(time.Minute))
	svc.Wait()
	if got := svc.Alerts(false); len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("early re-evaluation ran: %+v", got)
	}

	svc.EvaluateAlerts(context.Background(), now.Add(11*time.Minute))
	svc.Wait()
	if got := svc.Alerts(false); got[0].Count != 2 {
		t.Fatalf("Count = %d, want 2 after interval elapsed", got[0].Count)
	}
}

func TestSilenceSuppressesUntilExpiry(t *testing.T) {
	svc, _ := alertService(t, 9)
	now := time.Now()
	svc.Collect(now)

	if _, err := svc.AddRule(monitor.Rule{
		Metric:             "perf.queue.queued",
		Operator:           monitor.OpGt,
		Threshold:          1,
		EvaluationInterval: time.Millisecond,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	svc.EvaluateAlerts(context.Background(), now)
	svc.Wait()
	alert := svc.Alerts(false)[0]

	if err := svc.Silence(alert.ID, 0); err == nil {
		t.Fatal("zero silence duration accepted")
	}
	if err := svc.Silence(alert.ID, 5*time.Minute); err != nil {
		t.Fatalf("Silence: %v", err)
	}

	got, _ := svc.GetAlert(alert.ID)
	if got.State != monitor.AlertSilenced || got.SilencedUntil == nil {
		t.Fatalf("silenced alert = %+v", got)
	}

	t.Run("evaluation keeps counting while silenced", func(t *testing.T) {
		svc.EvaluateAlerts(context.Background(), now.Add(time.Minute))
		svc.Wait()
		got, _ := svc.GetAlert(alert.ID)
		if got.Count != 2 || got.State != monitor.AlertSilenced {
			t.Fatalf("silenced alert after eval = %+v", got)
		}
	})

	t.Run("expiry returns the alert to firing", func(t *testing.T) {
		svc.EvaluateAlerts(context.Background(), now.Add(6*time.Minute))
		svc.Wait()
		got, _ := svc.GetAlert(alert.ID)
		if got.State != monitor.AlertFiring || got.SilencedUntil != nil {
			t.Fatalf("alert after silence expiry = %+v", got)
		}
	})

	t.Run("resolved alerts cannot be silenced", func(t *testing.T) {
		if err := svc.Resolve(alert.ID); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := svc.Silence(alert.ID, time.Minute); !errors.Is(err, monitor.ErrAlertNotFound) {
			t.Fatalf("err = %v, want ErrAlertNotFound", err)
		}
	})
}

func TestChannelSeverityFilter(t *testing.T) {
	svc := newService(monitor.Config{}, monitor.Deps{})
	svc.RegisterProbe("queue", func() monitor.Load { return monitor.Load{Queued: 9} })

	critOnly := &recordNotifier{}
	anySev := &recordNotifier{}
	svc.RegisterNotifier(monitor.ChannelWebhook, critOnly)
	svc.RegisterNotifier(monitor.ChannelEmail, anySev)

	if _, err := svc.AddChannel(monitor.Channel{
		Name:       "pager",
		Type:       monitor.ChannelWebhook,
		Severities: []fault.Severity{fault.SeverityCritical},
		Config:     map[string]string{"url": "http://pager.internal"},
	}); err != nil {
		t.Fatalf("AddChannel pager: %v", err)
	}
	if _, err := svc.AddChannel(monitor.Channel{
		Name:   "inbox",
		Type:   monitor.ChannelEmail,
		Config: map[string]string{"to": "ops@example.com"},
	}); err != nil {
		t.Fatalf("AddChannel inbox: %v", err)
	}

	now := time.Now()
	svc.Collect(now)
	if _, err := svc.AddRule(monitor.Rule{
		Metric:    "perf.queue.queued",
		Operator:  monitor.OpGt,
		Threshold: 1,
		Severity:  fault.SeverityHigh,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	svc.EvaluateAlerts(context.Background(), now)
	svc.Wait()

	if critOnly.count() != 0 {
		t.Fatalf("critical-only channel got %d notifications for a high alert", critOnly.count())
	}
	if anySev.count() != 1 {
		t.Fatalf("unfiltered channel notifications = %d, want 1", anySev.count())
	}
}

func TestChannelValidation(t *testing.T) {
	svc := newService(monitor.Config{}, monitor.Deps{})

	cases := []struct {
		name string
		ch   monitor.Channel
	}{
		{"webhook without url", monitor.Channel{Type: monitor.ChannelWebhook}},
		{"email without to", monitor.Channel{Type: monitor.ChannelEmail}},
		{"slack without webhook_url", monitor.Channel{Type: monitor.ChannelSlack}},
		{"sms without phone", monitor.Channel{Type: monitor.ChannelSMS}},
		{"unknown type", monitor.Channel{Type: "pigeon", Config: map[string]string{"url": "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.AddChannel(tc.ch); !errors.Is(err, monitor.ErrInvalidChannel) {
				t.Fatalf("err = %v, want ErrInvalidChannel", err)
			}
		})
	}

	t.Run("valid descriptors accepted", func(t *testing.T) {
		for _, ch := range []monitor.Channel{
			{Type: monitor.ChannelEmail, Config: map[string]string{"to": "ops@example.com"}},
			{Type: monitor.ChannelSlack, Config: map[string]string{"webhook_url": "https://hooks.slack.test/x"}},
			{Type: monitor.ChannelSMS, Config: map[string]string{"phone": "+15550100"}},
		} {
			created, err := svc.AddChannel(ch)
			if err != nil {
				t.Fatalf("AddChannel(%s): %v", ch.Type, err)
			}
			if created.ID == "" || !created.Active {
				t.Fatalf("channel = %+v", created)
			}
		}
		if got := len(svc.Channels()); got != 3 {
			t.Fatalf("channels = %d, want 3", got)
		}
	})
}

func TestWebhookNotifierDelivers(t *testing.T) {
	var mu sync.Mutex
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := monitor.NewWebhookNotifier(srv.Client(), zerolog.Nop())
	alert := monitor.Alert{
		ID:        "alert_1",
		RuleName:  "queue backlog",
		Metric:    "perf.queue.queued",
		Severity:  fault.SeverityHigh,
		State:     monitor.AlertFiring,
		Value:     9,
		Threshold: 5,
		Count:     1,
	}
	ch := monitor.Channel{Type: monitor.ChannelWebhook, Config: map[string]string{"url": srv.URL}}

	if err := n.Notify(context.Background(), ch, alert); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if received["alert_id"] != "alert_1" || received["metric"] != "perf.queue.queued" {
		t.Fatalf("delivered payload = %v", received)
	}
	if received["value"] != float64(9) {
		t.Fatalf("value = %v, want 9", received["value"])
	}

	t.Run("non-2xx is an error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer bad.Close()
		ch := monitor.Channel{Type: monitor.ChannelWebhook, Config: map[string]string{"url": bad.URL}}
		if err := n.Notify(context.Background(), ch, alert); err == nil {
			t.Fatal("expected error for 502 response")
		}
	})
}

func TestWorkflowMetricRules(t *testing.T) {
	svc, rec := alertService(t, 0)
	at := time.Now()

	feed(svc, "exec_w1", "wf-billing", "failed", 30, at)
	feed(svc, "exec_w2", "wf-billing", "completed", 30, at)
	feed(svc, "exec_w3", "wf-billing", "failed", 30, at)

	if _, err := svc.AddRule(monitor.Rule{
		Name:      "billing failures",
		Metric:    "workflow.wf-billing.failure_rate",
		Operator:  monitor.OpGte,
		Threshold: 0.5,
		Severity:  fault.SeverityCritical,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	svc.EvaluateAlerts(context.Background(), at)
	svc.Wait()

	alerts := svc.Alerts(false)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Value < 0.66 || alerts[0].Value > 0.67 {
		t.Fatalf("failure rate = %v, want ~0.667", alerts[0].Value)
	}
	if rec.count() != 1 {
		t.Fatalf("notifications = %d, want 1", rec.count())
	}

	t.Run("unresolvable metric raises nothing", func(t *testing.T) {
		if _, err := svc.AddRule(monitor.Rule{
			Metric:    "workflow.wf-missing.failure_rate",
			Operator:  monitor.OpGt,
			Threshold: 0,
		}); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
		svc.EvaluateAlerts(context.Background(), at.Add(time.Minute))
		svc.Wait()
		if got := len(svc.Alerts(false)); got != 1 {
			t.Fatalf("alerts = %d, want still 1", got)
		}
	})
}
