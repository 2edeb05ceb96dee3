package hubclient

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cluster-hub"

// TracingConfig controls whether Hub HTTP calls and WS frame handling are
// traced. Disabled by default: a no-op tracer costs nothing per call.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

// tracerShutdown is returned by initTracer; it must be called on shutdown.
type tracerShutdown func(context.Context) error

// initTracer builds the tracer used by Client's HTTP and WS code paths. A
// disabled config yields the OpenTelemetry no-op tracer, which every span
// call turns into a zero-cost no-op.
func initTracer(ctx context.Context, cfg TracingConfig) (trace.Tracer, tracerShutdown, error) {
	if !cfg.Enabled {
		return nooptrace.NewTracerProvider().Tracer(tracerName), func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("hubclient: create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Tracer(tracerName), tp.Shutdown, nil
}
