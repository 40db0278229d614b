// Package metrics exposes Prometheus instrumentation for the fleet manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment lifecycle metrics.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_deployments_total",
			Help: "Total number of deployments by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmanager_deployment_duration_seconds",
			Help:    "Deployment duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_deployments_rolled_back_total",
			Help: "Total number of deployments that were rolled back",
		},
		[]string{"strategy", "reason"},
	)

	AgentUpdateOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_agent_update_outcomes_total",
			Help: "Total number of per-agent update outcomes by kind",
		},
		[]string{"outcome"},
	)

	AgentUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmanager_agent_update_duration_seconds",
			Help:    "Time taken to carry a single agent through the update protocol",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Version tracker metrics.
	TrackerWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmanager_tracker_write_duration_seconds",
			Help:    "Time taken to persist version tracker state atomically",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrackerWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmanager_tracker_write_failures_total",
			Help: "Total number of failed version tracker persistence attempts",
		},
	)

	// Discovery metrics.
	DiscoveredAgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmanager_discovered_agents_total",
			Help: "Number of discovered agents by status",
		},
		[]string{"status"},
	)

	DiscoveryHostErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_discovery_host_errors_total",
			Help: "Total number of host enumeration errors during discovery",
		},
		[]string{"server_id"},
	)

	// Reconciler metrics.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmanager_reconciliation_duration_seconds",
			Help:    "Time taken to run one autostart reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmanager_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles run",
		},
	)

	ReconciliationStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_reconciliation_starts_total",
			Help: "Total number of containers (re)started by the reconciler",
		},
		[]string{"result"},
	)

	// API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmanager_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmanager_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeploymentDuration,
		RolledBackDeploymentsTotal,
		AgentUpdateOutcomesTotal,
		AgentUpdateDuration,
		TrackerWriteDuration,
		TrackerWriteFailuresTotal,
		DiscoveredAgentsTotal,
		DiscoveryHostErrorsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationStartsTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into a histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
