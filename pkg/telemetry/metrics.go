package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Strato orchestrator.
type Metrics struct {
	config MetricsConfig

	// Liveness metrics
	heartbeatsReceived *prometheus.CounterVec
	nodesUp            *prometheus.GaugeVec

	// Placement metrics
	placements *prometheus.CounterVec

	// Dispatch metrics
	dispatches *prometheus.CounterVec

	// Backend metrics
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec

	// Reconcile metrics
	reconcileOverlays *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all record methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		heartbeatsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_received_total",
				Help:      "Total number of worker heartbeats received",
			},
			[]string{"role"},
		),
		nodesUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_up",
				Help:      "Number of live worker nodes at last query",
			},
			[]string{"role"},
		),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placements_total",
				Help:      "Total number of placement selections",
			},
			[]string{"role", "outcome"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of provisioning commands dispatched",
			},
			[]string{"command", "outcome"},
		),
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend provider calls",
			},
			[]string{"kind", "op", "outcome"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend provider calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "op"},
		),
		reconcileOverlays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_overlays_total",
				Help:      "Total number of read-time live-status overlays",
			},
			[]string{"kind", "live_status"},
		),
	}

	collectors := []prometheus.Collector{
		m.heartbeatsReceived,
		m.nodesUp,
		m.placements,
		m.dispatches,
		m.backendCalls,
		m.backendDuration,
		m.reconcileOverlays,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordHeartbeat records a received worker heartbeat.
func (m *Metrics) RecordHeartbeat(role string) {
	if m.heartbeatsReceived == nil {
		return
	}
	m.heartbeatsReceived.WithLabelValues(role).Inc()
}

// SetNodesUp records the live node count observed for a role.
func (m *Metrics) SetNodesUp(role string, count int) {
	if m.nodesUp == nil {
		return
	}
	m.nodesUp.WithLabelValues(role).Set(float64(count))
}

// RecordPlacement records the outcome of a placement selection.
func (m *Metrics) RecordPlacement(role, outcome string) {
	if m.placements == nil {
		return
	}
	m.placements.WithLabelValues(role, outcome).Inc()
}

// RecordDispatch records a dispatched (or failed-to-dispatch) command.
func (m *Metrics) RecordDispatch(command, outcome string) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(command, outcome).Inc()
}

// RecordBackendCall records a backend provider call and its duration.
func (m *Metrics) RecordBackendCall(kind, op, outcome string, duration time.Duration) {
	if m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(kind, op, outcome).Inc()
	m.backendDuration.WithLabelValues(kind, op).Observe(duration.Seconds())
}

// RecordReconcile records a read-time live-status overlay result.
func (m *Metrics) RecordReconcile(kind, liveStatus string) {
	if m.reconcileOverlays == nil {
		return
	}
	m.reconcileOverlays.WithLabelValues(kind, liveStatus).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server stops.
func (m *Metrics) Serve() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics HTTP server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
