package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one worker. A Metrics built
// from a disabled config is a no-op; every Record method is nil-safe.
type Metrics struct {
	config MetricsConfig

	// Flight metrics
	flightsStarted   *prometheus.CounterVec
	flightsCompleted *prometheus.CounterVec
	flightDuration   *prometheus.HistogramVec
	flightsYielded   *prometheus.CounterVec

	// Step metrics
	stepExecutions *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepRetries    *prometheus.CounterVec
	undoFailures   *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Recovery metrics
	recoveryClaims    prometheus.Counter
	recoveryResubmits prometheus.Counter
	recoveryPasses    *prometheus.CounterVec

	// Job facade metrics
	jobRequests *prometheus.CounterVec

	// Pool metrics
	poolQueued  prometheus.Gauge
	poolRunning prometheus.Gauge
	poolWaiting prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.StepDurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		flightsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_started_total",
				Help:      "Flights picked up by a runner, including resumptions",
			},
			[]string{"class"},
		),
		flightsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_completed_total",
				Help:      "Flights that reached a terminal status",
			},
			[]string{"class", "status"},
		),
		flightDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flight_duration_seconds",
				Help:      "Time from submission to completion",
				Buckets:   buckets,
			},
			[]string{"class", "status"},
		),
		flightsYielded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_yielded_total",
				Help:      "Flights that left a runner before completion",
			},
			[]string{"class", "status"},
		),

		stepExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_executions_total",
				Help:      "Step invocations by outcome",
			},
			[]string{"class", "step", "direction", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of one step invocation",
				Buckets:   buckets,
			},
			[]string{"class", "step", "direction"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Retries scheduled by step retry rules",
			},
			[]string{"class", "step"},
		),
		undoFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "undo_failures_total",
				Help:      "Fatal undo failures recorded as suppressed",
			},
			[]string{"class", "step"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by kind and code",
			},
			[]string{"kind", "code"},
		),

		recoveryClaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_claims_total",
				Help:      "Flights claimed from obsolete owners",
			},
		),
		recoveryResubmits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_resubmits_total",
				Help:      "Owned flights resubmitted to the pool by recovery",
			},
		),
		recoveryPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_passes_total",
				Help:      "Recovery passes by result",
			},
			[]string{"result"},
		),

		jobRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_requests_total",
				Help:      "Job facade requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		poolQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queued_flights",
				Help:      "Flights waiting for a pool worker",
			},
		),
		poolRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_running_flights",
				Help:      "Flights currently executing on this worker",
			},
		),
		poolWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_waiting_flights",
				Help:      "Flights parked in retry backoff on this worker",
			},
		),
	}

	registry.MustRegister(
		m.flightsStarted,
		m.flightsCompleted,
		m.flightDuration,
		m.flightsYielded,
		m.stepExecutions,
		m.stepDuration,
		m.stepRetries,
		m.undoFailures,
		m.errorsByKind,
		m.recoveryClaims,
		m.recoveryResubmits,
		m.recoveryPasses,
		m.jobRequests,
		m.poolQueued,
		m.poolRunning,
		m.poolWaiting,
	)

	return m, nil
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Flight metrics

func (m *Metrics) RecordFlightStarted(class string) {
	if m == nil || m.flightsStarted == nil {
		return
	}
	m.flightsStarted.WithLabelValues(class).Inc()
}

// RecordFlightCompleted records a terminal flight and its end-to-end duration.
func (m *Metrics) RecordFlightCompleted(class, status string, duration time.Duration) {
	if m == nil || m.flightsCompleted == nil {
		return
	}
	m.flightsCompleted.WithLabelValues(class, status).Inc()
	m.flightDuration.WithLabelValues(class, status).Observe(duration.Seconds())
}

// RecordFlightYielded records a flight leaving the runner in a non-terminal status.
func (m *Metrics) RecordFlightYielded(class, status string) {
	if m == nil || m.flightsYielded == nil {
		return
	}
	m.flightsYielded.WithLabelValues(class, status).Inc()
}

// Step metrics

func (m *Metrics) RecordStepExecution(class, step, direction, status string, duration time.Duration) {
	if m == nil || m.stepExecutions == nil {
		return
	}
	m.stepExecutions.WithLabelValues(class, step, direction, status).Inc()
	m.stepDuration.WithLabelValues(class, step, direction).Observe(duration.Seconds())
}

func (m *Metrics) RecordStepRetry(class, step string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(class, step).Inc()
}

func (m *Metrics) RecordUndoFailure(class, step string) {
	if m == nil || m.undoFailures == nil {
		return
	}
	m.undoFailures.WithLabelValues(class, step).Inc()
}

// RecordError counts an error by kind and code.
func (m *Metrics) RecordError(kind, code string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Recovery metrics

func (m *Metrics) RecordRecoveryPass(claimed, resubmitted int, err error) {
	if m == nil || m.recoveryPasses == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.recoveryPasses.WithLabelValues(result).Inc()
	m.recoveryClaims.Add(float64(claimed))
	m.recoveryResubmits.Add(float64(resubmitted))
}

// RecordJobRequest counts one facade call.
func (m *Metrics) RecordJobRequest(operation, outcome string) {
	if m == nil || m.jobRequests == nil {
		return
	}
	m.jobRequests.WithLabelValues(operation, outcome).Inc()
}

// SetPoolStats publishes the pool gauges.
func (m *Metrics) SetPoolStats(queued, running, waiting int) {
	if m == nil || m.poolQueued == nil {
		return
	}
	m.poolQueued.Set(float64(queued))
	m.poolRunning.Set(float64(running))
	m.poolWaiting.Set(float64(waiting))
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server returns an HTTP server exposing the metrics endpoint, or nil when
// metrics are disabled. The caller owns ListenAndServe and Shutdown.
func (m *Metrics) Server(health func(ctx context.Context) error) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	if health != nil {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	}
	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
