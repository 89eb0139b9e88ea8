// Package httpapi exposes the automation engine over HTTP: a JSON
// management API under /api, webhook ingress under /hooks, Prometheus
// metrics under /metrics, and a websocket stream of execution events.
//
// The server is a thin composition layer. Every route delegates to one of
// the engine services; handlers translate between HTTP and the service
// APIs and never hold state of their own. Dependencies are optional:
// route groups whose service is nil are simply not mounted, so a
// deployment can run the API with any subset of the stack.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/steeldragon666/omniflow/engine"
	"github.com/steeldragon666/omniflow/engine/bus"
	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
	"github.com/steeldragon666/omniflow/engine/monitor"
	"github.com/steeldragon666/omniflow/engine/schedule"
	"github.com/steeldragon666/omniflow/engine/trigger"
	"github.com/steeldragon666/omniflow/engine/webhook"
)

// maxBodyBytes caps JSON request bodies accepted by the management API.
const maxBodyBytes = 1 << 20

// Deps wires the engine services into the server. Engine is required;
// everything else is optional and gates its route group.
type Deps struct {
	Engine    *engine.Engine
	Triggers  *trigger.Service
	Scheduler *schedule.Scheduler
	Webhooks  *webhook.Service
	Bus       *bus.Bus
	Monitor   *monitor.Service
	Faults    *fault.Handler

	// History serves replay for /api/executions/{id}/events and seeds the
	// websocket stream with events emitted before the client connected.
	History *emit.BufferedEmitter

	// Stream fans live execution events out to websocket clients. The
	// composition root registers it on the engine's emitter chain.
	Stream *Stream

	// Metrics counts webhook ingress responses when /hooks is mounted.
	Metrics *monitor.Metrics

	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP management surface.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// New builds a server around the given services.
func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps:   deps,
		logger: logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router assembles the chi router. Safe to call once and serve from
// multiple goroutines.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)

	r.Route("/api/workflows", s.workflowRoutes)
	r.Route("/api/executions", s.executionRoutes)

	if s.deps.Triggers != nil {
		r.Route("/api/triggers", s.triggerRoutes)
	}
	if s.deps.Scheduler != nil {
		r.Route("/api/tasks", s.taskRoutes)
	}
	if s.deps.Webhooks != nil {
		r.Route("/api/webhooks", s.webhookRoutes)
		r.Mount("/hooks", s.countWebhook(s.deps.Webhooks.Handler()))
	}
	if s.deps.Bus != nil {
		r.Route("/api/events", s.eventRoutes)
	}
	if s.deps.Monitor != nil {
		r.Route("/api/alerts", s.alertRoutes)
		r.Route("/api/monitor", s.monitorRoutes)
	}
	if s.deps.Faults != nil {
		r.Route("/api/errors", s.errorRoutes)
	}

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse aggregates point-in-time summaries from every mounted
// service. Absent services are omitted.
type statusResponse struct {
	Engine   engine.EngineStatus `json:"engine"`
	Triggers int                 `json:"triggers,omitempty"`
	Tasks    int                 `json:"scheduled_tasks,omitempty"`
	Webhooks *webhook.Stats      `json:"webhooks,omitempty"`
	Bus      *bus.Stats          `json:"bus,omitempty"`
	Monitor  *monitor.Summary    `json:"monitor,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Engine: s.deps.Engine.Status()}
	if s.deps.Triggers != nil {
		resp.Triggers = len(s.deps.Triggers.List())
	}
	if s.deps.Scheduler != nil {
		resp.Tasks = len(s.deps.Scheduler.Tasks())
	}
	if s.deps.Webhooks != nil {
		st := s.deps.Webhooks.ServiceStats()
		resp.Webhooks = &st
	}
	if s.deps.Bus != nil {
		st := s.deps.Bus.BusStats()
		resp.Bus = &st
	}
	if s.deps.Monitor != nil {
		ov := s.deps.Monitor.Overview()
		resp.Monitor = &ov
	}
	respondJSON(w, http.StatusOK, resp)
}

// countWebhook reports the ingress response code to the metrics registry
// after the webhook handler has written it.
func (s *Server) countWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.deps.Metrics != nil {
			s.deps.Metrics.WebhookRequest(ww.Status())
		}
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// fail maps a service error onto the envelope using the package sentinels.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrWorkflowNotFound),
		errors.Is(err, engine.ErrExecutionNotFound),
		errors.Is(err, trigger.ErrTriggerNotFound),
		errors.Is(err, schedule.ErrTaskNotFound),
		errors.Is(err, schedule.ErrJobNotFound),
		errors.Is(err, webhook.ErrEndpointNotFound),
		errors.Is(err, webhook.ErrBindingNotFound),
		errors.Is(err, webhook.ErrPayloadNotFound),
		errors.Is(err, bus.ErrSubscriptionNotFound),
		errors.Is(err, fault.ErrDeadLetterNotFound),
		errors.Is(err, monitor.ErrNoMetrics),
		errors.Is(err, monitor.ErrTraceNotFound),
		errors.Is(err, monitor.ErrRuleNotFound),
		errors.Is(err, monitor.ErrAlertNotFound),
		errors.Is(err, monitor.ErrChannelNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, trigger.ErrInvalidTrigger),
		errors.Is(err, schedule.ErrInvalidTask),
		errors.Is(err, webhook.ErrInvalidEndpoint),
		errors.Is(err, webhook.ErrInvalidBinding),
		errors.Is(err, bus.ErrInvalidSubscription),
		errors.Is(err, monitor.ErrInvalidRule),
		errors.Is(err, monitor.ErrInvalidChannel):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrExecutionsRunning),
		errors.Is(err, trigger.ErrTriggerInactive),
		errors.Is(err, webhook.ErrDuplicatePath):
		return http.StatusConflict, "conflict"
	case errors.Is(err, engine.ErrEngineStopped),
		errors.Is(err, fault.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "unavailable"
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.CodeInvalidWorkflow, engine.CodeCycleDetected,
			engine.CodeNoStartNode, engine.CodeUnknownNodeType:
			return http.StatusBadRequest, "invalid_workflow"
		}
	}
	return http.StatusInternalServerError, "internal"
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
