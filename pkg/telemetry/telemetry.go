// Package telemetry builds the OpenTelemetry providers used by the bridge.
//
// With stdout export disabled the providers still record, but nothing
// leaves the process. Callers that want spans and metrics printed pass
// Config{Stdout: true}.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is reported as service.name when Config leaves it empty.
const DefaultServiceName = "enclave-bridge"

// Config selects where telemetry goes.
type Config struct {
	ServiceName    string
	Stdout         bool
	Writer         io.Writer     // defaults to os.Stdout
	MetricInterval time.Duration // defaults to one minute
}

// Providers holds the SDK providers built by Setup.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Setup builds tracer and meter providers for cfg.
func Setup(cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = time.Minute
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	traceOptions := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	metricOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Stdout {
		spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, err
		}
		metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, err
		}
		traceOptions = append(traceOptions, sdktrace.WithBatcher(spanExporter))
		metricOptions = append(metricOptions, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval)),
		))
	}

	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOptions...),
		MeterProvider:  sdkmetric.NewMeterProvider(metricOptions...),
	}, nil
}

// Install registers the providers as the otel globals.
func (p *Providers) Install() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
}

// Shutdown flushes pending spans and metrics and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
}
