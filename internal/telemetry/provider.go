package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init installs the real MeterProvider. Until this runs, every
// otel.Meter(...) call made at package init() time (see engineMetrics in
// telemetry.go) resolves against the global no-op provider and silently
// drops measurements — the same deferred-registration behavior the
// teacher's doltMetrics comment describes for its own Dolt storage
// instruments.
//
// otlpEndpoint may be empty, in which case metrics are exported to stdout;
// a non-empty value (`bergamotd serve --otlp-endpoint`) switches to an
// OTLP/HTTP exporter pointed at that collector endpoint.
func Init(ctx context.Context, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	var reader sdkmetric.Reader

	if otlpEndpoint == "" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	} else {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(otlpEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	// Reconciler spans (Tracer in telemetry.go) always export to
	// stdout: no OTLP trace exporter is wired, only the OTLP metric one
	// above, so there is nothing for otlpEndpoint to select between here.
	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tracerProvider)

	return func(shutdownCtx context.Context) error {
		return errors.Join(tracerProvider.Shutdown(shutdownCtx), meterProvider.Shutdown(shutdownCtx))
	}, nil
}
