// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/config"
)

// InitProvider initializes the OpenTelemetry tracer provider. With
// config.ExporterNone spans are recorded but never exported.
//
// Note: Uses OTLP/HTTP protocol. The HTTP client honors HTTP_PROXY,
// HTTPS_PROXY, and NO_PROXY through Go's standard net/http transport.
func InitProvider(ctx context.Context, cfg *config.OTELConfig, exporterName, version string, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := newResource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch exporterName {
	case config.ExporterNone:
		logger.Info("Span export disabled")
	case config.ExporterOTLP:
		endpoint := cfg.GetEndpoint()
		logger.Info("OTEL configuration",
			zap.String("serviceName", cfg.ServiceName),
			zap.String("endpoint", endpoint),
			zap.Bool("insecure", cfg.Insecure),
			zap.String("resourceAttributes", cfg.ResourceAttributes))

		exporterOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown exporter %q", exporterName)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func newResource(ctx context.Context, cfg *config.OTELConfig, version string) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
