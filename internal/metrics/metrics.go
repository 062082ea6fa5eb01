// ABOUTME: Prometheus instrumentation for locks, alerts, responder turns and delivery
// ABOUTME: Collectors register on an explicit registry so tests can build isolated instances

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handoff_gateway"

type Metrics struct {
	registry *prometheus.Registry

	MessagesAppended  *prometheus.CounterVec
	DuplicateMessages prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	LockAttempts      *prometheus.CounterVec
	Unlocks           *prometheus.CounterVec
	AlertsOpened      *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	ResponderDuration *prometheus.HistogramVec
	StaleResponses    *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	Archived          prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers all collectors on reg. Pass nil for a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation logs",
		}, []string{"sender"}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped as channel-adapter retries",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Committed conversation state transitions",
		}, []string{"from", "to"}),
		LockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Handoff lock attempts by outcome",
		}, []string{"outcome"}),
		Unlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_total",
			Help:      "Handoff lock releases by mode",
		}, []string{"mode"}),
		AlertsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_opened_total",
			Help:      "Handoff alerts opened",
		}, []string{"type", "priority"}),
		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert lifecycle transitions",
		}, []string{"to"}),
		ResponderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "responder_duration_seconds",
			Help:      "Automated responder turn latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		StaleResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Responder results discarded because the conversation moved on",
		}, []string{"reason"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound delivery failures by publisher",
		}, []string{"publisher"}),
		Archived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_archived_total",
			Help:      "Conversations moved from resolved to archived",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the facade",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewWithRuntime registers process and Go runtime collectors alongside the gateway's own.
func NewWithRuntime() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
