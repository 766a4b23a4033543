package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iamwavecut/doorman"

// Tracer returns the process tracer. Without SetupTracing this is the no-op global.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SetupTracing installs an sdk tracer provider and returns its shutdown.
func SetupTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
