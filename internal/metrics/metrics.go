// Package metrics exposes Prometheus instrumentation for the orchestration
// core. One Metrics value is shared by the bus adapters, the state machine,
// and the workflow service; the /metrics endpoint serves the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the core registers.
type Metrics struct {
	registry *prometheus.Registry

	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	DeliveriesTotal *prometheus.CounterVec
	DLQTotal        *prometheus.CounterVec

	WorkflowsCreated *prometheus.CounterVec
	TasksDispatched  *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	DedupDrops       prometheus.Counter
	CASConflicts     prometheus.Counter
	StageMismatches  prometheus.Counter

	AgentsOnline prometheus.Gauge
	WSClients    prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Metrics value backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "bus",
			Name:      "publish_total",
			Help:      "Envelope publishes by topic and outcome.",
		}, []string{"topic", "outcome"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagecraft",
			Subsystem: "bus",
			Name:      "publish_duration_seconds",
			Help:      "Publish latency by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Message deliveries by topic and handler outcome (ack, nack, term).",
		}, []string{"topic", "outcome"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "bus",
			Name:      "dlq_total",
			Help:      "Messages routed to a dead-letter topic.",
		}, []string{"topic"}),
		WorkflowsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "created_total",
			Help:      "Workflows created by type.",
		}, []string{"type"}),
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "tasks_dispatched_total",
			Help:      "Task envelopes published by agent type.",
		}, []string{"agent_type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "State-machine transitions by event and outcome.",
		}, []string{"event", "outcome"}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "dedup_drops_total",
			Help:      "Result events dropped because their eventId was already seen.",
		}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "cas_conflicts_total",
			Help:      "Version conflicts observed while persisting transitions.",
		}),
		StageMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "workflow",
			Name:      "stage_mismatches_total",
			Help:      "Result events rejected by the stage gate.",
		}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagecraft",
			Subsystem: "registry",
			Name:      "agents_online",
			Help:      "Agents currently marked online.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagecraft",
			Subsystem: "gateway",
			Name:      "ws_clients",
			Help:      "Connected WebSocket observers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagecraft",
			Subsystem: "gateway",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagecraft",
			Subsystem: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.PublishTotal, m.PublishDuration, m.DeliveriesTotal, m.DLQTotal,
		m.WorkflowsCreated, m.TasksDispatched, m.Transitions,
		m.DedupDrops, m.CASConflicts, m.StageMismatches,
		m.AgentsOnline, m.WSClients,
		m.HTTPRequests, m.HTTPDuration,
	)

	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
