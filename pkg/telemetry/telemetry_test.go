package telemetry

import (
	"context"
	"testing"
	"time"

	"dnsbl-monitor/pkg/config"
	"dnsbl-monitor/pkg/logging"

	"go.opentelemetry.io/otel/metric"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg     *config.TelemetryConfig
		name    string
		wantErr bool
	}{
		{
			name:    "disabled telemetry",
			cfg:     &config.TelemetryConfig{PrometheusEnabled: false},
			wantErr: false,
		},
		{
			name: "prometheus enabled",
			cfg: &config.TelemetryConfig{
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9091, // avoid conflicts with other tests
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tel == nil {
				t.Error("New() returned nil telemetry")
			}

			if tel != nil && tel.prometheusServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(ctx)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	if metrics.ZoneChecksTotal == nil {
		t.Error("ZoneChecksTotal not initialized")
	}
	if metrics.ZoneCheckDuration == nil {
		t.Error("ZoneCheckDuration not initialized")
	}
	if metrics.IPsListed == nil {
		t.Error("IPsListed not initialized")
	}
	if metrics.TrackerIssuesCreated == nil {
		t.Error("TrackerIssuesCreated not initialized")
	}
	if metrics.RunDuration == nil {
		t.Error("RunDuration not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	metrics.ZoneChecksTotal.Add(ctx, 1, metric.WithAttributes())
	metrics.IPsListed.Add(ctx, 1, metric.WithAttributes())
	metrics.ZoneCheckDuration.Record(ctx, 5.5, metric.WithAttributes())
	metrics.RunDuration.Record(ctx, 12.3, metric.WithAttributes())

	// If we got here without panicking, the test passes.
}

func TestMeterProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	if tel.MeterProvider() == nil {
		t.Error("MeterProvider() returned nil")
	}
}

func TestTracerProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	provider := tel.TracerProvider()
	if provider == nil {
		t.Error("TracerProvider() returned nil")
	}

	tracer := provider.Tracer("test-tracer")
	if tracer == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9092, // avoid conflicts with other tests
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDisabledTelemetry(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{PrometheusEnabled: false}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	if tel.MeterProvider() == nil {
		t.Error("disabled telemetry should still return a noop meter provider")
	}
	if tel.TracerProvider() == nil {
		t.Error("disabled telemetry should still return a noop tracer provider")
	}

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Errorf("InitMetrics() with disabled telemetry failed: %v", err)
	}
	if metrics == nil {
		t.Error("InitMetrics() returned nil metrics")
	}
}
