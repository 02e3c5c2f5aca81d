package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the script runner.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	Preemptions       prometheus.Counter
	SinkErrors        prometheus.Counter
	StreamedLines     *prometheus.CounterVec
	ScriptWarnings    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	ScriptSizeBytes   prometheus.Histogram
	OutputSizeBytes   *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "executions_total",
				Help:      "Total number of script executions by terminal status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scriptd",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of script executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"status"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scriptd",
				Name:      "active_executions",
				Help:      "Number of script processes currently running.",
			},
		),

		Preemptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "preemptions_total",
				Help:      "Runs cancelled because a newer run of the same script started.",
			},
		),

		SinkErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "sink_errors_total",
				Help:      "Events that could not be delivered to the observer.",
			},
		),

		StreamedLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "streamed_lines_total",
				Help:      "Lines read from script output streams.",
			},
			[]string{"stream"},
		),

		ScriptWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scriptd",
				Name:      "script_warnings_total",
				Help:      "Lint findings raised when saving scripts.",
			},
			[]string{"rule"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scriptd",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		ScriptSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "scriptd",
				Name:      "script_size_bytes",
				Help:      "Size of executed script content in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scriptd",
				Name:      "output_size_bytes",
				Help:      "Size of accumulated output per stream in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
			},
			[]string{"stream"},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.Preemptions,
		m.SinkErrors,
		m.StreamedLines,
		m.ScriptWarnings,
		m.RequestsInFlight,
		m.ScriptSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// ProcessStarted and ProcessExited track the active process gauge.
func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ProcessExited() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

func (m *Metrics) RecordPreemption() {
	if m == nil {
		return
	}
	m.Preemptions.Inc()
}

func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

func (m *Metrics) RecordLine(stream string) {
	if m == nil {
		return
	}
	m.StreamedLines.WithLabelValues(stream).Inc()
}

func (m *Metrics) RecordScriptWarning(rule string) {
	if m == nil {
		return
	}
	m.ScriptWarnings.WithLabelValues(rule).Inc()
}

// RecordSizes observes script and per-stream output sizes.
func (m *Metrics) RecordSizes(script, stdout, stderr int) {
	if m == nil {
		return
	}
	m.ScriptSizeBytes.Observe(float64(script))
	m.OutputSizeBytes.WithLabelValues("stdout").Observe(float64(stdout))
	m.OutputSizeBytes.WithLabelValues("stderr").Observe(float64(stderr))
}
