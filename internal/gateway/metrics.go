// ABOUTME: Prometheus metrics for the orchestrator's agent and recovery activity.
// ABOUTME: Registered on a per-instance registry, not the global default.

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the orchestrator's instruments. Each Gateway owns its own
// registry so multiple instances can coexist in tests.
type metrics struct {
	registry *prometheus.Registry

	agentsConnected prometheus.Gauge
	resultsTotal    *prometheus.CounterVec
	recoveriesTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetward_agents_connected",
			Help: "Number of currently connected agents.",
		}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetward_command_results_total",
			Help: "Command results received from agents, by result status.",
		}, []string{"status"}),
		recoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetward_recovery_results_total",
			Help: "Recovery outcomes, by action taken.",
		}, []string{"action"}),
	}

	m.registry.MustRegister(m.agentsConnected, m.resultsTotal, m.recoveriesTotal)
	return m
}

// handler serves the registry in the standard exposition format.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
