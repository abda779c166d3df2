// Package telemetry exposes engine metrics over a Prometheus endpoint.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtoivan/trailwatch-go/internal/conf"
	"github.com/mtoivan/trailwatch-go/internal/logging"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	DetectionsTotal  *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	FilteredTotal    *prometheus.CounterVec
	DuplicatesTotal  prometheus.Counter
	DispatchTotal    *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	AnomalyScore     prometheus.Histogram
	CompositeScore   prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
	PipelineDuration prometheus.Histogram
}

// NewMetrics registers the engine collectors on a fresh registry and returns
// both.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailwatch_detections_total",
			Help: "Detection events received, by camera.",
		}, []string{"camera"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailwatch_alerts_total",
			Help: "Alerts promoted, by severity.",
		}, []string{"severity"}),
		FilteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailwatch_filtered_total",
			Help: "Detections filtered before alerting, by camera.",
		}, []string{"camera"}),
		DuplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trailwatch_duplicates_total",
			Help: "Alerts suppressed as duplicates.",
		}),
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailwatch_dispatch_total",
			Help: "Successful channel deliveries, by channel.",
		}, []string{"channel"}),
		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trailwatch_dispatch_failures_total",
			Help: "Failed channel deliveries, by channel.",
		}, []string{"channel"}),
		AnomalyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trailwatch_anomaly_score",
			Help:    "Distribution of anomaly scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		CompositeScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trailwatch_composite_confidence",
			Help:    "Distribution of composite confidence scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trailwatch_queue_depth",
			Help: "Depth of the bounded pipeline queues.",
		}, []string{"queue"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trailwatch_pipeline_duration_seconds",
			Help:    "Time from ingress to classification decision.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	return m, registry
}

// Endpoint serves the metrics registry over HTTP.
type Endpoint struct {
	server *http.Server
	logger *slog.Logger
}

// NewEndpoint creates the metrics listener.
func NewEndpoint(settings conf.TelemetrySettings, registry *prometheus.Registry) *Endpoint {
	logger := logging.ForService("telemetry")
	if logger == nil {
		logger = slog.Default().With("service", "telemetry")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Endpoint{
		server: &http.Server{
			Addr:              settings.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves the endpoint until Shutdown.
func (e *Endpoint) Start() {
	go func() {
		e.logger.Info("telemetry endpoint listening", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("telemetry endpoint failed", "error", err)
		}
	}()
}

// Shutdown stops the endpoint.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}
