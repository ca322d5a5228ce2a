// Package telemetry wires up Prometheus + OpenTelemetry exporters used
// across one run of the job.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dnsbl-monitor/pkg/config"
	"dnsbl-monitor/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters for the run's lifetime.
// Unlike the teacher's long-lived server, the Prometheus listener started
// here is shut down before main returns (SPEC_FULL.md §11) — it exists so a
// cron sidecar can scrape one run's counters, not to serve indefinitely.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds the run's reconciliation counters.
type Metrics struct {
	ZoneChecksTotal      metric.Int64Counter
	ZoneCheckFailures    metric.Int64Counter
	ZoneCheckDuration    metric.Float64Histogram
	IPsListed            metric.Int64Counter
	IPsCleared           metric.Int64Counter
	IPsUnchanged         metric.Int64Counter
	TrackerIssuesCreated metric.Int64Counter
	TrackerCommentsAdded metric.Int64Counter
	RunDuration          metric.Float64Histogram
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.PrometheusEnabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("setting up metrics: %w", err)
	}

	// Tracing has no exporter wired in this job; a run's single trace would
	// have nowhere to go, so the provider stays the honest no-op.
	t.tracerProvider = tracenoop.NewTracerProvider()
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus_port", cfg.PrometheusPort,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("starting prometheus server: %w", err)
	}
	t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates the run's counters and histograms.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnsbl-monitor")

	zoneChecksTotal, err := meter.Int64Counter(
		"dnsbl.zone_checks.total",
		metric.WithDescription("Total DNSBL zone queries performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zone checks counter: %w", err)
	}

	zoneCheckFailures, err := meter.Int64Counter(
		"dnsbl.zone_checks.failures",
		metric.WithDescription("DNSBL zone queries that resolved UNKNOWN"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zone check failures counter: %w", err)
	}

	zoneCheckDuration, err := meter.Float64Histogram(
		"dnsbl.zone_check.duration",
		metric.WithDescription("DNSBL zone query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zone check duration histogram: %w", err)
	}

	ipsListed, err := meter.Int64Counter(
		"dnsbl.ips.listed",
		metric.WithDescription("IPs transitioned to a listed state this run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ips listed counter: %w", err)
	}

	ipsCleared, err := meter.Int64Counter(
		"dnsbl.ips.cleared",
		metric.WithDescription("IPs transitioned to clean this run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ips cleared counter: %w", err)
	}

	ipsUnchanged, err := meter.Int64Counter(
		"dnsbl.ips.unchanged",
		metric.WithDescription("IPs with no transition this run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ips unchanged counter: %w", err)
	}

	trackerIssuesCreated, err := meter.Int64Counter(
		"dnsbl.tracker.issues_created",
		metric.WithDescription("Issue-tracker tickets created this run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tracker issues counter: %w", err)
	}

	trackerCommentsAdded, err := meter.Int64Counter(
		"dnsbl.tracker.comments_added",
		metric.WithDescription("Issue-tracker comments added this run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tracker comments counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"dnsbl.run.duration",
		metric.WithDescription("Total run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating run duration histogram: %w", err)
	}

	return &Metrics{
		ZoneChecksTotal:      zoneChecksTotal,
		ZoneCheckFailures:    zoneCheckFailures,
		ZoneCheckDuration:    zoneCheckDuration,
		IPsListed:            ipsListed,
		IPsCleared:           ipsCleared,
		IPsUnchanged:         ipsUnchanged,
		TrackerIssuesCreated: trackerIssuesCreated,
		TrackerCommentsAdded: trackerCommentsAdded,
		RunDuration:          runDuration,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry, including the run-scoped
// Prometheus listener.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
