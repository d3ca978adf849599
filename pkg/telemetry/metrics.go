package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for fnplane. A nil *Metrics, or one
// created with metrics disabled, silently discards every recording.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requests *prometheus.CounterVec

	// Lifecycle metrics
	transitions *prometheus.CounterVec

	// Event metrics
	eventsPublished *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec

	// Provisioner metrics
	provisionerCalls    *prometheus.CounterVec
	provisionerDuration *prometheus.HistogramVec
	provisionerErrors   *prometheus.CounterVec

	// Poller metrics
	pollerCycles   prometheus.Counter
	pollerLeased   prometheus.Counter
	pollerOutcomes *prometheus.CounterVec
	pollerInFlight prometheus.Gauge

	// Gateway metrics
	gatewayInvocations *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec

	// Artifact metrics
	artifactUploads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of deployment, deletion and status requests",
			},
			[]string{"operation", "outcome"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of application state transitions",
			},
			[]string{"from", "to"},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of lifecycle events published",
			},
			[]string{"type", "result"},
		),
		eventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Total number of lifecycle events consumed by workers",
			},
			[]string{"type", "result"},
		),

		provisionerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_calls_total",
				Help:      "Total number of provisioning calls",
			},
			[]string{"provisioner", "operation"},
		),
		provisionerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioner_call_duration_seconds",
				Help:      "Duration of provisioning calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provisioner", "operation"},
		),
		provisionerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_errors_total",
				Help:      "Total number of provisioning errors by kind",
			},
			[]string{"provisioner", "operation", "kind"},
		),

		pollerCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_cycles_total",
				Help:      "Total number of reconciliation poll cycles",
			},
		),
		pollerLeased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_leased_operations_total",
				Help:      "Total number of pending operations leased",
			},
		),
		pollerOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poller_outcomes_total",
				Help:      "Total number of pending operation outcomes",
			},
			[]string{"kind", "outcome"},
		),
		pollerInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poller_in_flight",
				Help:      "Current number of pending operations being polled",
			},
		),

		gatewayInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_invocations_total",
				Help:      "Total number of invocation requests by outcome",
			},
			[]string{"outcome"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_forward_duration_seconds",
				Help:      "Duration of forwarded invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"status_class"},
		),

		artifactUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_uploads_total",
				Help:      "Total number of artifact uploads",
			},
			[]string{"backend", "result"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.transitions,
		m.eventsPublished,
		m.eventsConsumed,
		m.provisionerCalls,
		m.provisionerDuration,
		m.provisionerErrors,
		m.pollerCycles,
		m.pollerLeased,
		m.pollerOutcomes,
		m.pollerInFlight,
		m.gatewayInvocations,
		m.gatewayDuration,
		m.artifactUploads,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Request Metrics

// RecordRequest counts a control-plane request by operation and outcome.
func (m *Metrics) RecordRequest(operation, outcome string) {
	if !m.enabled() {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}

// RecordTransition counts a persisted state change.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Event Metrics

// RecordEventPublished counts a publish attempt for an event type.
func (m *Metrics) RecordEventPublished(eventType string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

// RecordEventConsumed counts a handled event. Result is one of processed,
// stale, failed or dropped.
func (m *Metrics) RecordEventConsumed(eventType, result string) {
	if !m.enabled() {
		return
	}
	m.eventsConsumed.WithLabelValues(eventType, result).Inc()
}

// Provisioner Metrics

// RecordProvisionerCall records a provisioning call with its duration.
func (m *Metrics) RecordProvisionerCall(provisioner, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.provisionerCalls.WithLabelValues(provisioner, operation).Inc()
	m.provisionerDuration.WithLabelValues(provisioner, operation).Observe(duration.Seconds())
}

// RecordProvisionerError records a failed provisioning call.
func (m *Metrics) RecordProvisionerError(provisioner, operation, kind string) {
	if !m.enabled() {
		return
	}
	m.provisionerErrors.WithLabelValues(provisioner, operation, kind).Inc()
}

// Poller Metrics

// RecordPollCycle records one poll cycle and the number of operations leased.
func (m *Metrics) RecordPollCycle(leased int) {
	if !m.enabled() {
		return
	}
	m.pollerCycles.Inc()
	m.pollerLeased.Add(float64(leased))
}

// RecordPollOutcome counts how a leased operation was settled.
func (m *Metrics) RecordPollOutcome(kind, outcome string) {
	if !m.enabled() {
		return
	}
	m.pollerOutcomes.WithLabelValues(kind, outcome).Inc()
}

// AddPollInFlight adjusts the number of operations being polled.
func (m *Metrics) AddPollInFlight(delta int) {
	if !m.enabled() {
		return
	}
	m.pollerInFlight.Add(float64(delta))
}

// Gateway Metrics

// RecordInvocation counts an invocation outcome.
func (m *Metrics) RecordInvocation(outcome string) {
	if !m.enabled() {
		return
	}
	m.gatewayInvocations.WithLabelValues(outcome).Inc()
}

// RecordForward observes the latency of a forwarded invocation.
func (m *Metrics) RecordForward(status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.gatewayDuration.WithLabelValues(statusClass(status)).Observe(duration.Seconds())
}

// Artifact Metrics

// RecordArtifactUpload counts an artifact upload.
func (m *Metrics) RecordArtifactUpload(backend string, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.artifactUploads.WithLabelValues(backend, result).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
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

// ServeMetrics exposes metrics on the configured standalone listen address
// until ctx is cancelled. It returns immediately when no address is set.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
