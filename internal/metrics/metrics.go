// Package metrics exposes the coordinator's Prometheus counters and gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the coordinator's components update.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	MessagesTotal     prometheus.Counter
	SubmissionsTotal  *prometheus.CounterVec // label: status
	JobsCreatedTotal  prometheus.Counter
	TemplatesReceived prometheus.Counter
	RateLimitHits     prometheus.Counter
	RPCCallsTotal     *prometheus.CounterVec // labels: method, outcome
	RPCCircuitState   prometheus.Gauge

	registry *prometheus.Registry
}

// New builds and registers a fresh Metrics under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Total WebSocket connections accepted.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active", Help: "Currently active sessions.",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total", Help: "Total inbound protocol messages processed.",
		}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "submissions_total", Help: "Share submissions by outcome status.",
		}, []string{"status"}),
		JobsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_created_total", Help: "Total jobs minted across all sessions.",
		}),
		TemplatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "templates_received_total", Help: "Total block templates fetched from the daemon.",
		}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_hits_total", Help: "Total requests denied by a rate limiter.",
		}),
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_calls_total", Help: "Daemon RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rpc_circuit_state", Help: "Daemon RPC circuit breaker state (0=closed,1=open,2=half-open).",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.MessagesTotal,
		m.SubmissionsTotal, m.JobsCreatedTotal, m.TemplatesReceived,
		m.RateLimitHits, m.RPCCallsTotal, m.RPCCircuitState,
	)

	return m
}

// Registry returns the private registry backing this Metrics, for wiring
// into an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
