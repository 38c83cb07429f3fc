package main

import (
	"context"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
)

type telemetryOptions struct {
	// otlpEndpoint is where broker spans are exported, empty keeps them in process.
	otlpEndpoint string
}

func (o *telemetryOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "An optional OTLP endpoint.")
}

// setup installs the global tracer provider and returns its shutdown func.
func (o *telemetryOptions) setup(ctx context.Context) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var opts []trace.TracerProviderOption

	if o.otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(o.otlpEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}

		opts = append(opts, trace.WithBatcher(exporter))
	}

	provider := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
