package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
// A nil *Metrics and a disabled one are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Scheduler metrics
	cycles        prometheus.Counter
	readyPerCycle prometheus.Histogram
	deadlocks     prometheus.Counter

	// Inference metrics
	inferences        *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	loopIterations    prometheus.Counter

	// Agent metrics
	agentCalls    *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec
	agentErrors   *prometheus.CounterVec

	// Checkpoint metrics
	checkpoints     *prometheus.CounterVec
	checkpointBytes prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started or resumed",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs that reached a terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of run execution in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of active runs",
		}),

		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Total number of scheduler cycles executed",
		}),
		readyPerCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_ready_inferences",
			Help:      "Number of inferences dispatched per cycle",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_deadlocks_total",
			Help:      "Total number of cycles that made no progress",
		}),

		inferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Total number of inferences resolved, by sequence kind and status",
		}, []string{"kind", "status"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Duration of inference evaluation in seconds",
			Buckets:   buckets,
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_retries_total",
			Help:      "Total number of inference retries by error class",
		}, []string{"class"}),
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total number of loop iterations armed",
		}),

		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of agent calls",
		}, []string{"strategy", "operation"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Duration of agent calls in seconds",
			Buckets:   buckets,
		}, []string{"strategy", "operation"}),
		agentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Total number of agent call errors",
		}, []string{"strategy", "operation"}),

		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints written or loaded",
		}, []string{"action"}),
		checkpointBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_size_bytes",
			Help:      "Size of checkpoint payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(512, 4, 10),
		}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of errors by error code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.cycles,
		m.readyPerCycle,
		m.deadlocks,
		m.inferences,
		m.inferenceDuration,
		m.retries,
		m.loopIterations,
		m.agentCalls,
		m.agentDuration,
		m.agentErrors,
		m.checkpoints,
		m.checkpointBytes,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a run reaching a terminal status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Scheduler Metrics

// RecordCycle records one scheduler cycle and how many inferences it dispatched.
func (m *Metrics) RecordCycle(dispatched int) {
	if !m.enabled() {
		return
	}
	m.cycles.Inc()
	m.readyPerCycle.Observe(float64(dispatched))
}

// RecordDeadlock records a cycle that made no progress.
func (m *Metrics) RecordDeadlock() {
	if !m.enabled() {
		return
	}
	m.deadlocks.Inc()
}

// Inference Metrics

// RecordInference records a resolved inference.
func (m *Metrics) RecordInference(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.inferences.WithLabelValues(kind, status).Inc()
	m.inferenceDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordRetry records a retry scheduled after an error of the given class.
func (m *Metrics) RecordRetry(class string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(class).Inc()
}

// RecordLoopIteration records an armed loop iteration.
func (m *Metrics) RecordLoopIteration() {
	if !m.enabled() {
		return
	}
	m.loopIterations.Inc()
}

// Agent Metrics

// RecordAgentCall records an agent call with its duration.
func (m *Metrics) RecordAgentCall(strategy, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.agentCalls.WithLabelValues(strategy, operation).Inc()
	m.agentDuration.WithLabelValues(strategy, operation).Observe(duration.Seconds())
}

// RecordAgentError records an agent call error.
func (m *Metrics) RecordAgentError(strategy, operation string) {
	if !m.enabled() {
		return
	}
	m.agentErrors.WithLabelValues(strategy, operation).Inc()
}

// Checkpoint Metrics

// RecordCheckpoint records a checkpoint action ("save", "load", "fork") and payload size.
func (m *Metrics) RecordCheckpoint(action string, size int) {
	if !m.enabled() {
		return
	}
	m.checkpoints.WithLabelValues(action).Inc()
	m.checkpointBytes.Observe(float64(size))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
