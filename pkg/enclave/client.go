// Package enclave exchanges JSON documents with an enclave over a stream
// transport that has no framing of its own.
//
// Every Exchange dials a fresh connection, writes the request followed by a
// newline, and reads until the bytes received so far parse as one JSON
// document, the enclave closes the stream, or the read deadline passes.
package enclave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client talks to one enclave endpoint. It holds no per-request state and
// is safe for concurrent use.
type Client struct {
	transport      Transport
	connectTimeout time.Duration
	readTimeout    time.Duration
	probeTimeout   time.Duration
	chunkSize      int
	logger         *slog.Logger
	tracer         trace.Tracer
	instruments    *instruments
}

// NewClient creates a Client for transport.
func NewClient(transport Transport, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("enclave: nil transport")
	}
	options := newClientOptions(opts)

	clientInstruments, err := newInstruments(options.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("enclave: creating instruments: %w", err)
	}

	return &Client{
		transport:      transport,
		connectTimeout: options.connectTimeout,
		readTimeout:    options.readTimeout,
		probeTimeout:   options.probeTimeout,
		chunkSize:      options.chunkSize,
		logger:         options.logger.With("endpoint", transport.String()),
		tracer:         options.tracerProvider.Tracer(instrumentationName),
		instruments:    clientInstruments,
	}, nil
}

// String returns the enclave address.
func (c *Client) String() string {
	return c.transport.String()
}

// Exchange sends payload to the enclave and returns its reply.
//
// Transport failures (dial, write, read) are not returned as errors: the
// reply is then a JSON document {"error": "Enclave error: ..."} so the
// caller always has a parseable body to forward. The only error returned
// in normal operation is ErrEmptyResponse.
//
// ctx carries tracing and logging values. Cancelling it does not abort an
// exchange in flight; the read timeout is the only bound.
func (c *Client) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "enclave.Exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("enclave.endpoint", c.transport.String()),
			attribute.Int("enclave.request_size", len(payload)),
		))
	defer span.End()

	c.instruments.inflight.Add(ctx, 1)
	defer c.instruments.inflight.Add(ctx, -1)

	started := time.Now()
	response, err := c.roundTrip(ctx, payload)
	c.instruments.duration.Record(ctx, time.Since(started).Seconds())

	kind := "success"
	if err != nil {
		kind = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.instruments.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))

	switch {
	case err == nil:
		c.instruments.responseBytes.Record(ctx, int64(len(response)))
		span.SetAttributes(attribute.Int("enclave.response_size", len(response)))
		c.logger.InfoContext(ctx, "enclave responded", "bytes", len(response))
		return response, nil
	case errors.Is(err, ErrEmptyResponse):
		c.logger.WarnContext(ctx, "enclave returned empty response")
		return nil, err
	case KindOf(err) == KindBackendUnreachable:
		c.logger.ErrorContext(ctx, "enclave error", "error", err)
		return transportErrorDocument(errors.Unwrap(err)), nil
	default:
		return nil, err
	}
}

// roundTrip performs one dial/write/read cycle. Transport failures come
// back as *Error with KindBackendUnreachable.
func (c *Client) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	c.logger.InfoContext(ctx, "connecting to enclave")

	dialContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.connectTimeout)
	defer cancel()
	conn, err := c.transport.DialContext(dialContext)
	if err != nil {
		return nil, unreachable(err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, unreachable(err)
	}
	if err := writeFrame(conn, payload); err != nil {
		return nil, unreachable(err)
	}

	response, timedOut, err := c.readResponse(conn)
	if err != nil {
		return nil, unreachable(err)
	}
	if timedOut && len(response) > 0 {
		c.logger.WarnContext(ctx, "read deadline passed, forwarding partial response",
			"bytes", len(response))
	}
	if len(response) == 0 {
		return nil, ErrEmptyResponse
	}
	return response, nil
}

// readResponse accumulates chunks until TryComplete succeeds, the stream
// ends, or the deadline passes. A deadline is not an error: whatever was
// read so far is returned with timedOut set.
func (c *Client) readResponse(conn net.Conn) (response []byte, timedOut bool, err error) {
	var buffer bytes.Buffer
	chunk := make([]byte, c.chunkSize)

	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			if _, complete := TryComplete(buffer.Bytes()); complete {
				return buffer.Bytes(), false, nil
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return buffer.Bytes(), false, nil
		}
		if isTimeout(readErr) {
			return buffer.Bytes(), true, nil
		}
		return nil, false, readErr
	}
}

// Probe reports whether a connection to the enclave can be opened within
// the probe timeout. No data is exchanged.
func (c *Client) Probe(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "enclave.Probe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("enclave.endpoint", c.transport.String())))
	defer span.End()

	probeContext, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	up := true
	conn, err := c.transport.DialContext(probeContext)
	if err != nil {
		up = false
		c.logger.DebugContext(ctx, "enclave probe failed", "error", err)
	} else {
		conn.Close()
	}

	span.SetAttributes(attribute.Bool("enclave.up", up))
	c.instruments.probes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("up", up)))
	return up
}

func unreachable(err error) error {
	return &Error{Kind: KindBackendUnreachable, Message: "enclave transport failed", Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}
