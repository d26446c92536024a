package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the pipeline engine.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec   // Terminal runs by template and status.
	runDuration   *prometheus.HistogramVec // Run wall time by template.
	activeRuns    prometheus.Gauge         // Runs not yet terminal.
	stages        *prometheus.CounterVec   // Stage outcomes by template, stage and outcome.
	stageDuration *prometheus.HistogramVec // Stage wall time by template and stage.
	provision     *prometheus.HistogramVec // Agent acquisition time by result.
	pushAttempts  *prometheus.CounterVec   // Registry push attempts by result.
	reports       *prometheus.CounterVec   // Status deliveries by result.
}

// Creates the collectors on a fresh registry, together with the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_runs_total",
			Help: "Total number of runs that reached a terminal status.",
		}, []string{"template", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipelined_run_duration_seconds",
			Help:    "Duration of runs from provisioning to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"template"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "pipelined_runs_active",
			Help: "Number of runs not yet terminal.",
		}),
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_stages_total",
			Help: "Total number of recorded stage outcomes.",
		}, []string{"template", "stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipelined_stage_duration_seconds",
			Help:    "Duration of executed stages.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"template", "stage"}),
		provision: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipelined_provision_duration_seconds",
			Help:    "Time spent acquiring agents.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"result"}),
		pushAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_publish_attempts_total",
			Help: "Total number of registry push attempts.",
		}, []string{"result"}),
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_reports_total",
			Help: "Total number of terminal status deliveries.",
		}, []string{"result"}),
	}
}

// Returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Records that a run started.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// Records a run reaching a terminal status.
func (m *Metrics) RunFinished(template, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(template, status).Inc()
	m.runDuration.WithLabelValues(template).Observe(d.Seconds())
}

// Records a stage outcome.
func (m *Metrics) StageFinished(template, stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(template, stage, outcome).Inc()
	if d > 0 {
		m.stageDuration.WithLabelValues(template, stage).Observe(d.Seconds())
	}
}

// Records an agent acquisition.
func (m *Metrics) Provisioned(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.provision.WithLabelValues(result(ok)).Observe(d.Seconds())
}

// Records a registry push attempt.
func (m *Metrics) PushAttempt(ok bool) {
	if m == nil {
		return
	}
	m.pushAttempts.WithLabelValues(result(ok)).Inc()
}

// Records a status delivery.
func (m *Metrics) Reported(ok bool) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
