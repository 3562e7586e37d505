package core

import (
	"net/http"

	"stash/pkg/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "stash"

// Metrics holds the Prometheus collectors updated by the protocol engine and
// the server. A nil *Metrics disables collection.
type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Counter
	ActiveConnections prometheus.Gauge
	ConnectionErrors  prometheus.Counter
	Commands          *prometheus.CounterVec
	Lookups           *prometheus.CounterVec
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	Commits           prometheus.Counter
}

// NewMetrics creates a Metrics with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of client connections currently being served",
		}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_errors_total",
			Help:      "Connections closed because of an error",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Protocol commands received, by command",
		}, []string{"command"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "Artifact lookups, by kind and result",
		}, []string{"kind", "result"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Artifact payload bytes sent to clients",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "Artifact payload bytes accepted from clients",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Transactions committed successfully",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.ActiveConnections,
		m.ConnectionErrors,
		m.Commands,
		m.Lookups,
		m.BytesSent,
		m.BytesReceived,
		m.Commits,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the metrics in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) command(name string) {
	if m != nil {
		m.Commands.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) lookup(kind protocol.Kind, hit bool, size uint64) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
		m.BytesSent.Add(float64(size))
	}
	m.Lookups.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) received(size uint64) {
	if m != nil {
		m.BytesReceived.Add(float64(size))
	}
}

func (m *Metrics) committed() {
	if m != nil {
		m.Commits.Inc()
	}
}
