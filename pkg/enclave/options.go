package enclave

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultConnectTimeout bounds dialing the enclave for an exchange.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultReadTimeout is generous because the enclave may be generating
	// a proof before it answers.
	DefaultReadTimeout = 60 * time.Second
	// DefaultProbeTimeout bounds the connect-only health probe.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultChunkSize is the size of each read from the enclave stream.
	DefaultChunkSize = 4096
)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	probeTimeout   time.Duration
	chunkSize      int
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithConnectTimeout bounds how long Exchange waits for the dial.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.connectTimeout = timeout
	}
}

// WithReadTimeout sets the overall deadline for writing the request and
// reading the reply, measured from the moment the connection is up.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.readTimeout = timeout
	}
}

// WithProbeTimeout bounds Probe.
func WithProbeTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.probeTimeout = timeout
	}
}

// WithChunkSize sets the size of each read from the enclave connection.
func WithChunkSize(size int) ClientOption {
	return func(o *clientOptions) {
		o.chunkSize = size
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return func(o *clientOptions) {
		o.tracerProvider = provider
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(o *clientOptions) {
		o.meterProvider = provider
	}
}

func newClientOptions(opts []ClientOption) *clientOptions {
	options := &clientOptions{
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		probeTimeout:   DefaultProbeTimeout,
		chunkSize:      DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.tracerProvider == nil {
		options.tracerProvider = otel.GetTracerProvider()
	}
	if options.meterProvider == nil {
		options.meterProvider = otel.GetMeterProvider()
	}
	if options.chunkSize <= 0 {
		options.chunkSize = DefaultChunkSize
	}
	return options
}
