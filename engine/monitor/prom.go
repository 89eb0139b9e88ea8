package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/steeldragon666/omniflow/engine/emit"
	"github.com/steeldragon666/omniflow/engine/fault"
)

// Metrics holds the Prometheus instruments, all under the omniflow
// namespace. Event-driven instruments update from Emit; gauges refresh on
// every collection tick.
type Metrics struct {
	executions  *prometheus.CounterVec
	nodeLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	inflight    prometheus.Gauge
	breaker     *prometheus.GaugeVec
	events      prometheus.Counter
	webhooks    *prometheus.CounterVec
}

// NewMetrics registers the instrument set with the given registry. Pass
// prometheus.DefaultRegisterer for the global one.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omniflow",
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status",
		}, []string{"workflow_id", "status"}),

		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omniflow",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_type", "status"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omniflow",
			Name:      "retries_total",
			Help:      "Node retry attempts",
		}, []string{"node_type"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omniflow",
			Name:      "queue_depth",
			Help:      "Pending work per component",
		}, []string{"component"}),

		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "omniflow",
			Name:      "inflight_actions",
			Help:      "Actions currently executing",
		}),

		breaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omniflow",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"component"}),

		events: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "omniflow",
			Name:      "events_published_total",
			Help:      "Events published on the bus",
		}),

		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omniflow",
			Name:      "webhook_requests_total",
			Help:      "Webhook ingress requests by response code",
		}, []string{"code"}),
	}
}

// observe updates the event-driven instruments for one execution event.
func (m *Metrics) observe(event emit.Event, nodeType string) {
	switch event.Name {
	case emit.WorkflowCompleted, emit.WorkflowFailed, emit.WorkflowCancelled:
		status, _ := event.Meta["status"].(string)
		m.executions.WithLabelValues(event.WorkflowID, status).Inc()
	case emit.NodeSuccess:
		m.nodeLatency.WithLabelValues(nodeType, "success").Observe(float64(metaDuration(event.Meta).Milliseconds()))
		m.addRetries(nodeType, event.Meta)
	case emit.NodeFailure:
		m.nodeLatency.WithLabelValues(nodeType, "failure").Observe(float64(metaDuration(event.Meta).Milliseconds()))
		m.addRetries(nodeType, event.Meta)
	}
}

func (m *Metrics) addRetries(nodeType string, meta map[string]interface{}) {
	var n float64
	switch v := meta["retries"].(type) {
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case float64:
		n = v
	}
	if n > 0 {
		m.retries.WithLabelValues(nodeType).Add(n)
	}
}

func (m *Metrics) setQueueDepth(component string, depth int) {
	m.queueDepth.WithLabelValues(component).Set(float64(depth))
}

func (m *Metrics) setInflight(active int) {
	m.inflight.Set(float64(active))
}

func (m *Metrics) setBreakerState(component string, state fault.BreakerState) {
	var v float64
	switch state {
	case fault.BreakerHalfOpen:
		v = 1
	case fault.BreakerOpen:
		v = 2
	}
	m.breaker.WithLabelValues(component).Set(v)
}

func (m *Metrics) eventPublished() {
	m.events.Inc()
}

// WebhookRequest counts one ingress response. The management API's webhook
// mount calls it with the status code it wrote.
func (m *Metrics) WebhookRequest(status int) {
	m.webhooks.WithLabelValues(strconv.Itoa(status)).Inc()
}
