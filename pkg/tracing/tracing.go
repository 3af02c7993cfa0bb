// Package tracing wires up the OpenTelemetry SDK the core's per-job-
// run and per-device spans (pkg/dispatcher) attach to.
// The rest of the core only ever calls otel.Tracer(name) directly;
// this package is the one place that configures where those spans go.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls how spans leave the process.
type Config struct {
	// Enabled turns tracing on at all. When false, Setup installs the
	// SDK's no-op tracer provider and every otel.Tracer(...) call
	// elsewhere in the core becomes free.
	Enabled bool
	// ServiceName tags every span's resource.
	ServiceName string
	// SampleRatio is the fraction of traces recorded, in [0, 1].
	SampleRatio float64
}

// DefaultConfig samples every trace under the service name "netraven".
func DefaultConfig() Config {
	return Config{Enabled: true, ServiceName: "netraven", SampleRatio: 1.0}
}

// Setup installs a global TracerProvider per cfg and returns a
// shutdown function the caller must invoke on process exit to flush
// any buffered spans.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
