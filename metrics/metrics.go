// Package metrics exposes bus activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rayrabbit/rayrabbit/message"
)

// Outcome labels for rayrabbit_messages_total.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeTimeout      = "timeout"
	OutcomeNotFound     = "not_found"
	OutcomeShuttingDown = "shutting_down"
	OutcomeRejected     = "rejected"
)

// Collector records bus metrics into a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	messagesTotal       *prometheus.CounterVec
	handleDuration      *prometheus.HistogramVec
	handlerFaults       *prometheus.CounterVec
	agentsRegistered    prometheus.Gauge
	responsesDropped    prometheus.Counter
	broadcastDeliveries prometheus.Counter
	bridgeAvailable     *prometheus.GaugeVec
}

// New creates a Collector with its own registry. The Go and process
// collectors are registered alongside the bus collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rayrabbit_messages_total",
				Help: "Direct messages routed by the bus, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		handleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rayrabbit_handle_duration_seconds",
				Help:    "Agent handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		handlerFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rayrabbit_handler_faults_total",
				Help: "Handler invocations that returned an error or panicked",
			},
			[]string{"agent"},
		),
		agentsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rayrabbit_agents_registered",
				Help: "Number of agents currently registered on the bus",
			},
		),
		responsesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rayrabbit_responses_dropped_total",
				Help: "Responses that arrived with no waiting sender",
			},
		),
		broadcastDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rayrabbit_broadcast_deliveries_total",
				Help: "Messages enqueued to recipients by broadcast",
			},
		),
		bridgeAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rayrabbit_bridge_available",
				Help: "1 if the bridge connected, 0 if it is unavailable",
			},
			[]string{"bridge"},
		),
	}
	c.registry.MustRegister(
		c.messagesTotal,
		c.handleDuration,
		c.handlerFaults,
		c.agentsRegistered,
		c.responsesDropped,
		c.broadcastDeliveries,
		c.bridgeAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// MessageRouted counts one direct send.
func (c *Collector) MessageRouted(t message.Type, outcome string) {
	c.messagesTotal.WithLabelValues(strings.ToLower(string(t)), outcome).Inc()
}

// HandleObserved records one handler invocation.
func (c *Collector) HandleObserved(agentID string, d time.Duration, fault bool) {
	c.handleDuration.WithLabelValues(agentID).Observe(d.Seconds())
	if fault {
		c.handlerFaults.WithLabelValues(agentID).Inc()
	}
}

// AgentsRegistered sets the registered-agent gauge.
func (c *Collector) AgentsRegistered(n int) {
	c.agentsRegistered.Set(float64(n))
}

// ResponseDropped counts a late or uncorrelated response.
func (c *Collector) ResponseDropped() {
	c.responsesDropped.Inc()
}

// BroadcastDelivered counts fan-out deliveries.
func (c *Collector) BroadcastDelivered(n int) {
	c.broadcastDeliveries.Add(float64(n))
}

// BridgeAvailability records whether a bridge connected.
func (c *Collector) BridgeAvailability(name string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	c.bridgeAvailable.WithLabelValues(name).Set(v)
}
