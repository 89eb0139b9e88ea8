package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/monitor"
	"github.com/steeldragon666/omniflow/engine/schedule"
	"github.com/steeldragon666/omniflow/engine/trigger"
	"github.com/steeldragon666/omniflow/engine/value"
	"github.com/steeldragon666/omniflow/engine/webhook"
)

func (s *Server) triggerRoutes(r chi.Router) {
	r.Get("/", s.handleListTriggers)
	r.Post("/", s.handleCreateTrigger)
	r.Get("/{triggerID}", s.handleGetTrigger)
	r.Put("/{triggerID}", s.handleUpdateTrigger)
	r.Delete("/{triggerID}", s.handleDeleteTrigger)
	r.Post("/{triggerID}/activate", s.triggerToggle(true))
	r.Post("/{triggerID}/deactivate", s.triggerToggle(false))
	r.Post("/{triggerID}/fire", s.handleFireTrigger)
	r.Get("/{triggerID}/stats", s.handleTriggerStats)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var out []*trigger.Trigger
	switch {
	case q.Get("workflow_id") != "":
		out = s.deps.Triggers.ByWorkflow(q.Get("workflow_id"))
	case q.Get("type") != "":
		out = s.deps.Triggers.ByType(trigger.Type(q.Get("type")))
	default:
		out = s.deps.Triggers.List()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var t trigger.Trigger
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed trigger: "+err.Error())
		return
	}
	created, err := s.deps.Triggers.Create(t)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Triggers.Get(chi.URLParam(r, "triggerID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var upd trigger.Trigger
	if err := decodeJSON(w, r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed trigger: "+err.Error())
		return
	}
	t, err := s.deps.Triggers.Update(chi.URLParam(r, "triggerID"), upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Triggers.Delete(chi.URLParam(r, "triggerID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerToggle(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "triggerID")
		var err error
		if active {
			err = s.deps.Triggers.Activate(id)
		} else {
			err = s.deps.Triggers.Deactivate(id)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		t, err := s.deps.Triggers.Get(id)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, t)
	}
}

type fireRequest struct {
	Input map[string]value.Value `json:"input,omitempty"`
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "malformed fire request: "+err.Error())
			return
		}
	}
	execID, err := s.deps.Triggers.FireManual(r.Context(), chi.URLParam(r, "triggerID"), req.Input)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) handleTriggerStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Triggers.TriggerStats(chi.URLParam(r, "triggerID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) taskRoutes(r chi.Router) {
	r.Get("/", s.handleListTasks)
	r.Post("/", s.handleAddTask)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/{taskID}", s.handleGetTask)
	r.Delete("/{taskID}", s.handleRemoveTask)
	r.Post("/{taskID}/pause", s.taskToggle(false))
	r.Post("/{taskID}/resume", s.taskToggle(true))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Scheduler.Tasks())
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var t schedule.Task
	if err := decodeJSON(w, r, &t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed task: "+err.Error())
		return
	}
	created, err := s.deps.Scheduler.AddTask(t)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Scheduler.Task(chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.RemoveTask(chi.URLParam(r, "taskID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskToggle(resume bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "taskID")
		var err error
		if resume {
			err = s.deps.Scheduler.ResumeTask(id)
		} else {
			err = s.deps.Scheduler.PauseTask(id)
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		t, err := s.deps.Scheduler.Task(id)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, t)
	}
}

func (s *Server) webhookRoutes(r chi.Router) {
	r.Get("/", s.handleListEndpoints)
	r.Post("/", s.handleRegisterEndpoint)
	r.Get("/stats", s.handleWebhookStats)
	r.Post("/enable", s.ingressToggle(false))
	r.Post("/disable", s.ingressToggle(true))
	r.Post("/bindings", s.handleBind)
	r.Delete("/bindings/{bindingID}", s.handleUnbind)
	r.Post("/bindings/{bindingID}/activate", s.bindingToggle(true))
	r.Post("/bindings/{bindingID}/deactivate", s.bindingToggle(false))
	r.Get("/payloads/{payloadID}", s.handleGetPayload)
	r.Post("/payloads/{payloadID}/reprocess", s.handleReprocess)
	r.Get("/{endpointID}", s.handleGetEndpoint)
	r.Put("/{endpointID}", s.handleUpdateEndpoint)
	r.Delete("/{endpointID}", s.handleDeleteEndpoint)
	r.Post("/{endpointID}/activate", s.endpointToggle(true))
	r.Post("/{endpointID}/deactivate", s.endpointToggle(false))
	r.Get("/{endpointID}/bindings", s.handleEndpointBindings)
	r.Get("/{endpointID}/payloads", s.handleEndpointPayloads)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Webhooks.List())
}

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var ep webhook.Endpoint
	if err := decodeJSON(w, r, &ep); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed endpoint: "+err.Error())
		return
	}
	created, err := s.deps.Webhooks.Register(ep)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.deps.Webhooks.Get(chi.URLParam(r, "endpointID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var upd webhook.Endpoint
	if err := decodeJSON(w, r, &upd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed endpoint: "+err.Error())
		return
	}
	ep, err := s.deps.Webhooks.Update(chi.URLParam(r, "endpointID"), upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Delete(chi.URLParam(r, "endpointID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) endpointToggle(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "endpointID")
		if err := s.deps.Webhooks.SetActive(id, active); err != nil {
			s.fail(w, err)
			return
		}
		ep, err := s.deps.Webhooks.Get(id)
		if err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, ep)
	}
}

func (s *Server) ingressToggle(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Webhooks.SetDisabled(disabled)
		respondJSON(w, http.StatusOK, map[string]bool{"ingress_disabled": disabled})
	}
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var b webhook.Binding
	if err := decodeJSON(w, r, &b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed binding: "+err.Error())
		return
	}
	created, err := s.deps.Webhooks.Bind(b)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Unbind(chi.URLParam(r, "bindingID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bindingToggle(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Webhooks.SetBindingActive(chi.URLParam(r, "bindingID"), active); err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleEndpointBindings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Webhooks.Bindings(chi.URLParam(r, "endpointID")))
}

func (s *Server) handleEndpointPayloads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	respondJSON(w, http.StatusOK, s.deps.Webhooks.Payloads(chi.URLParam(r, "endpointID"), limit))
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Webhooks.GetPayload(chi.URLParam(r, "payloadID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	dispatches, err := s.deps.Webhooks.Reprocess(r.Context(), chi.URLParam(r, "payloadID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dispatches)
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Webhooks.ServiceStats())
}

func (s *Server) eventRoutes(r chi.Router) {
	r.Post("/publish", s.handlePublish)
	r.Get("/history", s.handleEventHistory)
	r.Get("/subscriptions", s.handleListSubscriptions)
	r.Post("/subscriptions", s.handleSubscribe)
	r.Delete("/subscriptions/{subID}", s.handleUnsubscribe)
	r.Post("/subscriptions/{subID}/activate", s.subscriptionToggle(true))
	r.Post("/subscriptions/{subID}/deactivate", s.subscriptionToggle(false))
}

type publishRequest struct {
	Event         string                 `json:"event"`
	Data          map[string]value.Value `json:"data,omitempty"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed publish request: "+err.Error())
		return
	}
	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "event name is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	var msg bus.Message
	if req.CorrelationID != "" {
		msg = s.deps.Bus.PublishCorrelated(r.Context(), req.Event, req.Data, source, req.CorrelationID)
	} else {
		msg = s.deps.Bus.Publish(r.Context(), req.Event, req.Data, source)
	}
	respondJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	event := r.URL.Query().Get("event")
	limit := queryInt(r, "limit", 50)
	respondJSON(w, http.StatusOK, s.deps.Bus.History(event, limit))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Bus.Subscriptions())
}

type subscribeRequest struct {
	Event      string       `json:"event"`
	WorkflowID string       `json:"workflow_id"`
	Filters    []bus.Filter `json:"filters,omitempty"`
	Priority   int          `json:"priority,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed subscription: "+err.Error())
		return
	}
	id, err := s.deps.Bus.Subscribe(req.Event, req.WorkflowID, bus.SubscribeOptions{
		Filters:  req.Filters,
		Priority: req.Priority,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Bus.Unsubscribe(chi.URLParam(r, "subID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) subscriptionToggle(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Bus.SetActive(chi.URLParam(r, "subID"), active); err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) alertRoutes(r chi.Router) {
	r.Get("/", s.handleListAlerts)
	r.Get("/rules", s.handleListRules)
	r.Post("/rules", s.handleAddRule)
	r.Delete("/rules/{ruleID}", s.handleRemoveRule)
	r.Post("/rules/{ruleID}/activate", s.ruleToggle(true))
	r.Post("/rules/{ruleID}/deactivate", s.ruleToggle(false))
	r.Get("/channels", s.handleListChannels)
	r.Post("/channels", s.handleAddChannel)
	r.Delete("/channels/{channelID}", s.handleRemoveChannel)
	r.Get("/{alertID}", s.handleGetAlert)
	r.Post("/{alertID}/resolve", s.handleResolveAlert)
	r.Post("/{alertID}/silence", s.handleSilenceAlert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("resolved") == "true"
	respondJSON(w, http.StatusOK, s.deps.Monitor.Alerts(includeResolved))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Monitor.GetAlert(chi.URLParam(r, "alertID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if err := s.deps.Monitor.Resolve(id); err != nil {
		s.fail(w, err)
		return
	}
	a, err := s.deps.Monitor.GetAlert(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type silenceRequest struct {
	// Duration is a Go duration string, e.g. "15m".
	Duration string `json:"duration"`
}

func (s *Server) handleSilenceAlert(w http.ResponseWriter, r *http.Request) {
	var req silenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed silence request: "+err.Error())
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed duration: "+err.Error())
		return
	}
	id := chi.URLParam(r, "alertID")
	if err := s.deps.Monitor.Silence(id, d); err != nil {
		s.fail(w, err)
		return
	}
	a, err := s.deps.Monitor.GetAlert(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.Rules())
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule monitor.Rule
	if err := decodeJSON(w, r, &rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed rule: "+err.Error())
		return
	}
	created, err := s.deps.Monitor.AddRule(rule)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Monitor.RemoveRule(chi.URLParam(r, "ruleID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleToggle(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Monitor.SetRuleActive(chi.URLParam(r, "ruleID"), active); err != nil {
			s.fail(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"active": active})
	}
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.Channels())
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var ch monitor.Channel
	if err := decodeJSON(w, r, &ch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed channel: "+err.Error())
		return
	}
	created, err := s.deps.Monitor.AddChannel(ch)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Monitor.RemoveChannel(chi.URLParam(r, "channelID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) monitorRoutes(r chi.Router) {
	r.Get("/overview", s.handleMonitorOverview)
	r.Get("/workflows", s.handleWorkflowMetrics)
	r.Get("/workflows/{workflowID}", s.handleWorkflowMetric)
	r.Get("/system", s.handleSystemSamples)
	r.Get("/performance/{component}", s.handlePerfSamples)
	r.Get("/traces", s.handleListTraces)
}

func (s *Server) handleMonitorOverview(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.Overview())
}

func (s *Server) handleWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.Workflows())
}

func (s *Server) handleWorkflowMetric(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Monitor.Workflow(chi.URLParam(r, "workflowID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleSystemSamples(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.SystemSamples(queryInt(r, "limit", 60)))
}

func (s *Server) handlePerfSamples(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	respondJSON(w, http.StatusOK, s.deps.Monitor.PerfSamples(component, queryInt(r, "limit", 60)))
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Monitor.Traces(queryInt(r, "limit", 20)))
}

func (s *Server) errorRoutes(r chi.Router) {
	r.Get("/", s.handleListErrors)
	r.Get("/counts", s.handleErrorCounts)
	r.Post("/{errorID}/resolve", s.handleResolveError)
	r.Get("/deadletters", s.handleListDeadLetters)
	r.Post("/deadletters/{itemID}/requeue", s.handleRequeue)
	r.Get("/breakers", s.handleListBreakers)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Faults.Errors())
}

func (s *Server) handleErrorCounts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Faults.Counts())
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "errorID")
	if !s.deps.Faults.Resolve(id) {
		respondError(w, http.StatusNotFound, "not_found", "error not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Faults.DLQ == nil {
		respondJSON(w, http.StatusOK, []struct{}{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Faults.DLQ.Items())
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Faults.DLQ == nil {
		respondError(w, http.StatusNotFound, "not_found", "dead letter queue is not configured")
		return
	}
	if err := s.deps.Faults.DLQ.Requeue(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"requeued": true})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Faults.Breakers == nil {
		respondJSON(w, http.StatusOK, []struct{}{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Faults.Breakers.All())
}
