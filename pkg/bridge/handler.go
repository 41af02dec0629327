// Package bridge exposes an enclave over HTTP.
//
//	POST /     body forwarded to the enclave, reply returned verbatim
//	GET /health  connect-only probe of the enclave
//	GET /ws    optional websocket, one exchange per message
//
// Every other method and path answers 404.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

const instrumentationName = "github.com/monstercameron/enclave-bridge/pkg/bridge"

// Enclave is what the handler needs from the transport side.
// *enclave.Client satisfies it.
//
// Exchange errors are mapped by their enclave.Kind: KindInvalidRequest
// answers 400 with the error's message, KindEmptyResponse and
// KindBackendUnreachable answer 502, anything else 500. *enclave.Client
// only returns KindEmptyResponse and reports transport failures as an
// error document instead; other implementations may return any kind.
type Enclave interface {
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
	Probe(ctx context.Context) bool
	String() string
}

// Handler implements http.Handler in front of one enclave.
type Handler struct {
	enclave      Enclave
	logger       *slog.Logger
	maxBodyBytes int64
	webSocket    bool
	upgrader     websocket.Upgrader
	tracer       trace.Tracer
	requests     metric.Int64Counter
}

// NewHandler creates a Handler that forwards requests to target.
func NewHandler(target Enclave, opts ...HandlerOption) (*Handler, error) {
	if target == nil {
		return nil, errors.New("bridge: nil enclave")
	}
	options := newHandlerOptions(opts)

	requests, err := options.meterProvider.Meter(instrumentationName).Int64Counter("bridge.requests",
		metric.WithDescription("HTTP requests handled by route and status."),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("bridge: creating instruments: %w", err)
	}

	return &Handler{
		enclave:      target,
		logger:       options.logger,
		maxBodyBytes: options.maxBodyBytes,
		webSocket:    options.webSocket,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     options.checkOrigin,
		},
		tracer:   options.tracerProvider.Tracer(instrumentationName),
		requests: requests,
	}, nil
}

// ServeHTTP routes the request and converts any panic into a 500 so the
// server never sees an unhandled fault.
func (handler *Handler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	requestID := request.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	responseWriter.Header().Set(RequestIDHeader, requestID)

	route := handler.route(request)
	ctx, span := handler.tracer.Start(request.Context(), "bridge "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", request.Method),
			attribute.String("url.path", request.URL.Path),
			attribute.String("bridge.request_id", requestID),
		))
	logger := handler.logger.With("request_id", requestID)
	recorder := &statusRecorder{ResponseWriter: responseWriter}

	defer func() {
		if recovered := recover(); recovered != nil {
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			logger.ErrorContext(ctx, "panic while handling request", "panic", recovered)
			if !recorder.written() {
				writeError(recorder, http.StatusInternalServerError, fmt.Sprint(recovered))
			}
		}
		span.SetAttributes(attribute.Int("http.response.status_code", recorder.status))
		span.End()
		handler.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int("status", recorder.status)))
	}()

	switch route {
	case "exchange":
		handler.handleRequest(ctx, recorder, request, logger)
	case "health":
		handler.handleHealth(ctx, recorder)
	case "websocket":
		handler.handleWebSocket(ctx, recorder, request, logger)
	default:
		writeError(recorder, http.StatusNotFound, messageNotFound)
	}
}

func (handler *Handler) route(request *http.Request) string {
	switch {
	case request.Method == http.MethodPost && request.URL.Path == "/":
		return "exchange"
	case request.Method == http.MethodGet && request.URL.Path == "/health":
		return "health"
	case request.Method == http.MethodGet && request.URL.Path == "/ws" && handler.webSocket:
		return "websocket"
	default:
		return "not_found"
	}
}

// handleRequest validates the body, forwards it, and writes the reply.
func (handler *Handler) handleRequest(ctx context.Context, responseWriter http.ResponseWriter, request *http.Request, logger *slog.Logger) {
	logger.InfoContext(ctx, "new request", "remote_addr", request.RemoteAddr)

	if request.ContentLength <= 0 {
		logger.WarnContext(ctx, "rejecting request", "reason", messageEmptyBody)
		writeError(responseWriter, http.StatusBadRequest, messageEmptyBody)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(responseWriter, request.Body, handler.maxBodyBytes))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			logger.WarnContext(ctx, "rejecting request", "reason", messageBodyTooLarge, "limit", maxBytesError.Limit)
			writeError(responseWriter, http.StatusRequestEntityTooLarge, messageBodyTooLarge)
			return
		}
		logger.ErrorContext(ctx, "reading request body", "error", err)
		writeError(responseWriter, http.StatusInternalServerError, err.Error())
		return
	}

	requestType, err := inspectEnvelope(body)
	if err != nil {
		logger.WarnContext(ctx, "rejecting request", "reason", messageInvalidJSON, "error", err)
		writeError(responseWriter, http.StatusBadRequest, messageInvalidJSON)
		return
	}
	logger.InfoContext(ctx, "forwarding request", "type", requestType, "bytes", len(body))

	response, err := handler.enclave.Exchange(ctx, body)
	if err != nil {
		status, message := statusForError(err)
		logger.ErrorContext(ctx, "exchange failed", "status", status, "error", err)
		writeError(responseWriter, status, message)
		return
	}

	logger.InfoContext(ctx, "received response from enclave", "bytes", len(response))
	writeJSON(responseWriter, http.StatusOK, response)
	logger.InfoContext(ctx, "response sent to client")
}

// handleHealth reports whether the enclave accepts connections.
func (handler *Handler) handleHealth(ctx context.Context, responseWriter http.ResponseWriter) {
	if handler.enclave.Probe(ctx) {
		writeValue(responseWriter, http.StatusOK, healthResponse{
			Status:   "healthy",
			Endpoint: handler.enclave.String(),
		})
		return
	}
	writeValue(responseWriter, http.StatusServiceUnavailable, healthResponse{
		Status:   "enclave_down",
		Endpoint: handler.enclave.String(),
	})
}

// inspectEnvelope checks that body is UTF-8 JSON and returns its "type"
// field for logging. Bodies that are valid JSON but not objects are
// accepted with a nil type.
func inspectEnvelope(body []byte) (any, error) {
	if !utf8.Valid(body) {
		return nil, errors.New("body is not valid UTF-8")
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid JSON")
	}
	var envelope struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil
	}
	return envelope.Type, nil
}
