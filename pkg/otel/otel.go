// Package otel wires up tracing for the CLI. Unlike a long-running server,
// this is a one-shot client invocation: there is no OTLP collector to export
// to, so tracing either pretty-prints spans to stdout for inspection or is
// fully discarded, never both.
package otel

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// newResource describes this process for the spans it emits. A one-shot CLI
// invocation doesn't run in the fleet of containers the teacher's resource
// detectors were built for, so this carries only what's useful for reading a
// single trace back afterwards: which binary/version produced it, on which
// host and OS, under which SDK — not container or process-owner detection,
// which describe a long-running server's deployment rather than a single
// replay/reconstruct call.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	return resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcessPID(),
		resource.WithOS(),
		resource.WithHost(),
	)
}

// SetupTracing installs the global tracer provider and propagator. If
// enabled is false, spans are created but discarded; the caller still gets a
// working tracer so instrumented code paths never need a nil check.
func SetupTracing(ctx context.Context, enabled bool, serviceName, serviceVersion string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res, err := newResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter

	if enabled {
		zerolog.Ctx(ctx).Info().Msg("setting up tracer provider with pretty printing")

		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
