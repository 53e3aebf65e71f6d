package events

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns events into Prometheus series.
type Metrics struct {
	registry     *prometheus.Registry
	eventsTotal  *prometheus.CounterVec
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	runsTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_events_total",
				Help: "Total number of engine events by type",
			},
			[]string{"type"},
		),
		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_node_executions_total",
				Help: "Total number of executed nodes by type and status",
			},
			[]string{"node_type", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowpipe_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_type"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_flow_runs_finished_total",
				Help: "Total number of finished flow runs by flow and status",
			},
			[]string{"flow_id", "status"},
		),
	}
	m.registry.MustRegister(m.eventsTotal, m.nodesTotal, m.nodeDuration, m.runsTotal)
	return m
}

func (m *Metrics) Publish(_ context.Context, e Event) {
	m.eventsTotal.WithLabelValues(string(e.Type)).Inc()
	switch e.Type {
	case NodeCompleted:
		m.nodesTotal.WithLabelValues(e.NodeType, e.Status).Inc()
		m.nodeDuration.WithLabelValues(e.NodeType).Observe(float64(e.DurationMS) / 1000)
	case FlowCompleted, FlowTransferred, FlowFailed:
		m.runsTotal.WithLabelValues(e.FlowID, e.Status).Inc()
	}
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
