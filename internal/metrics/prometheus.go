package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/ethsimulator/internal/sender"
	"github.com/gateway-fm/ethsimulator/internal/simulation"
	"github.com/gateway-fm/ethsimulator/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the simulator.
type PrometheusMetrics struct {
	// Transfer counters
	TransfersTotal *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	RunsTotal      *prometheus.CounterVec

	// Gauges
	SimulatedTime prometheus.Gauge
	RunState      *prometheus.GaugeVec
	NodeUp        prometheus.Gauge

	// Histograms
	SubmitLatency  prometheus.Histogram
	TransferAmount prometheus.Histogram
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethsim_transfers_total",
				Help: "Transfer attempts by outcome",
			},
			[]string{"status"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethsim_transfer_errors_total",
				Help: "Failed transfer attempts by error category",
			},
			[]string{"category"},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ethsim_runs_total",
				Help: "Finished simulation runs by outcome",
			},
			[]string{"outcome"},
		),

		SimulatedTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ethsim_simulated_time_seconds",
				Help: "Simulated time elapsed in the current run",
			},
		),

		RunState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ethsim_run_state",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"state"},
		),

		NodeUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ethsim_node_up",
				Help: "Whether the execution client answered the last connection check",
			},
		),

		SubmitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethsim_submit_latency_seconds",
				Help:    "Time from building a transfer to the node accepting it",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		),

		TransferAmount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ethsim_transfer_amount_ether",
				Help:    "Sampled transfer amounts in ether",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100},
			},
		),
	}
}

// ObserveAttempt records one transfer attempt of the simulation loop.
func (m *PrometheusMetrics) ObserveAttempt(a simulation.Attempt) {
	m.TransferAmount.Observe(a.Amount)
	m.SimulatedTime.Set((a.SimTime + a.Interval).Seconds())

	if a.Succeeded() {
		m.TransfersTotal.WithLabelValues("submitted").Inc()
		m.SubmitLatency.Observe(a.Latency.Seconds())
		return
	}
	m.TransfersTotal.WithLabelValues("failed").Inc()
	m.ErrorsTotal.WithLabelValues(sender.Category(a.Err)).Inc()
}

var runStates = []types.RunStatus{
	types.StatusIdle,
	types.StatusInitializing,
	types.StatusRunning,
	types.StatusCompleted,
	types.StatusCancelled,
	types.StatusError,
}

// SetRunState updates the run state gauges.
func (m *PrometheusMetrics) SetRunState(status types.RunStatus) {
	for _, s := range runStates {
		if s == status {
			m.RunState.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunState.WithLabelValues(string(s)).Set(0)
		}
	}
}

// RecordRunFinished counts a run that reached a terminal status.
func (m *PrometheusMetrics) RecordRunFinished(status types.RunStatus) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.SetRunState(status)
}

// SetNodeUp records the outcome of the last connection check.
func (m *PrometheusMetrics) SetNodeUp(up bool) {
	if up {
		m.NodeUp.Set(1)
	} else {
		m.NodeUp.Set(0)
	}
}

// Reset clears the per-run metrics.
// Histograms and RunsTotal are cumulative and keep their values across runs.
func (m *PrometheusMetrics) Reset() {
	m.TransfersTotal.Reset()
	m.ErrorsTotal.Reset()
	m.SimulatedTime.Set(0)
	m.SetRunState(types.StatusIdle)
}
