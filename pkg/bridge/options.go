package bridge

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxBodyBytes caps inbound request bodies and websocket messages.
const DefaultMaxBodyBytes = 10 << 20

// HandlerOption configures a Handler.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	logger         *slog.Logger
	maxBodyBytes   int64
	webSocket      bool
	checkOrigin    func(r *http.Request) bool
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithMaxBodyBytes caps request bodies. Larger bodies get 413.
func WithMaxBodyBytes(limit int64) HandlerOption {
	return func(o *handlerOptions) {
		o.maxBodyBytes = limit
	}
}

// WithWebSocket enables GET /ws, where every message is one exchange.
func WithWebSocket(enabled bool) HandlerOption {
	return func(o *handlerOptions) {
		o.webSocket = enabled
	}
}

// WithOriginCheck sets the websocket origin check.
// If not set, all origins are allowed.
func WithOriginCheck(fn func(r *http.Request) bool) HandlerOption {
	return func(o *handlerOptions) {
		o.checkOrigin = fn
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(provider trace.TracerProvider) HandlerOption {
	return func(o *handlerOptions) {
		o.tracerProvider = provider
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(provider metric.MeterProvider) HandlerOption {
	return func(o *handlerOptions) {
		o.meterProvider = provider
	}
}

func newHandlerOptions(opts []HandlerOption) *handlerOptions {
	options := &handlerOptions{
		maxBodyBytes: DefaultMaxBodyBytes,
		checkOrigin:  func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.maxBodyBytes <= 0 {
		options.maxBodyBytes = DefaultMaxBodyBytes
	}
	if options.checkOrigin == nil {
		options.checkOrigin = func(r *http.Request) bool { return true }
	}
	if options.tracerProvider == nil {
		options.tracerProvider = otel.GetTracerProvider()
	}
	if options.meterProvider == nil {
		options.meterProvider = otel.GetMeterProvider()
	}
	return options
}
