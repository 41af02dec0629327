package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/monstercameron/enclave-bridge/pkg/enclave"
	"github.com/monstercameron/enclave-bridge/pkg/enclave/enclavetest"
)

// fakeEnclave records calls and answers with canned values.
type fakeEnclave struct {
	response  []byte
	err       error
	panicWith any
	up        bool
	exchanges atomic.Int64
	probes    atomic.Int64
	lastBody  []byte
}

func (f *fakeEnclave) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	f.exchanges.Add(1)
	f.lastBody = append([]byte(nil), payload...)
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.response, f.err
}

func (f *fakeEnclave) Probe(ctx context.Context) bool {
	f.probes.Add(1)
	return f.up
}

func (f *fakeEnclave) String() string { return "vsock://16:5000" }

func newTestHandler(t *testing.T, target Enclave, opts ...HandlerOption) *Handler {
	t.Helper()
	handler, err := NewHandler(target, opts...)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return handler
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("response %q is not JSON: %v", recorder.Body.String(), err)
	}
	return body["error"]
}

func TestNewHandler_NilEnclave(t *testing.T) {
	if _, err := NewHandler(nil); err == nil {
		t.Fatal("expected error for nil enclave")
	}
}

func TestHandler_Post_ForwardsAndEchoesReply(t *testing.T) {
	reply := `{"type":"proof","ok":true}`
	fake := &fakeEnclave{response: []byte(reply)}
	handler := newTestHandler(t, fake)

	requestBody := `{"type":"prove","input":[1,2,3]}`
	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", recorder.Code, recorder.Body)
	}
	if recorder.Body.String() != reply {
		t.Errorf("body = %q, want %q", recorder.Body.String(), reply)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := recorder.Header().Get("Content-Length"); got != "26" {
		t.Errorf("Content-Length = %q, want 26", got)
	}
	if recorder.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request ID header")
	}
	if string(fake.lastBody) != requestBody {
		t.Errorf("enclave received %q, want %q", fake.lastBody, requestBody)
	}
}

func TestHandler_Post_RejectsBeforeExchange(t *testing.T) {
	tests := []struct {
		name        string
		body        io.Reader
		wantStatus  int
		wantMessage string
	}{
		{"empty body", strings.NewReader(""), http.StatusBadRequest, "Empty request body"},
		{"no content length", io.NopCloser(strings.NewReader(`{"a":1}`)), http.StatusBadRequest, "Empty request body"},
		{"invalid json", strings.NewReader(`{"type":`), http.StatusBadRequest, "Invalid JSON"},
		{"not json at all", strings.NewReader(`hello`), http.StatusBadRequest, "Invalid JSON"},
		{"invalid utf-8", strings.NewReader("{\"type\":\"\xff\xfe\"}"), http.StatusBadRequest, "Invalid JSON"},
		{"too large", strings.NewReader(`{"blob":"` + strings.Repeat("a", 128) + `"}`), http.StatusRequestEntityTooLarge, "Request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEnclave{response: []byte(`{}`)}
			handler := newTestHandler(t, fake, WithMaxBodyBytes(64))

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", tt.body))

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			if got := decodeError(t, recorder); got != tt.wantMessage {
				t.Errorf("error = %q, want %q", got, tt.wantMessage)
			}
			if fake.exchanges.Load() != 0 {
				t.Errorf("enclave was called %d times, want 0", fake.exchanges.Load())
			}
		})
	}
}

// Validation failures must not even open a connection to the enclave.
func TestHandler_Post_InvalidBodyOpensNoConnection(t *testing.T) {
	server, err := enclavetest.NewServer(enclavetest.Echo())
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	client, err := enclave.NewClient(server.Transport())
	if err != nil {
		t.Fatal(err)
	}
	handler := newTestHandler(t, client)

	for _, body := range []string{"", "{", "not json"} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, recorder.Code)
		}
	}
	if got := server.Connections(); got != 0 {
		t.Errorf("enclave accepted %d connections, want 0", got)
	}
}

func TestHandler_Post_ExchangeFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"empty response", enclave.ErrEmptyResponse, http.StatusBadGateway, "Enclave returned empty response"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "disk on fire"},
		{
			"invalid request",
			&enclave.Error{Kind: enclave.KindInvalidRequest, Message: "Missing type"},
			http.StatusBadRequest,
			"Missing type",
		},
		{
			"backend unreachable",
			&enclave.Error{Kind: enclave.KindBackendUnreachable, Message: "enclave transport failed", Err: errors.New("connection refused")},
			http.StatusBadGateway,
			"enclave transport failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, &fakeEnclave{err: tt.err})

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":"x"}`)))

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			if got := decodeError(t, recorder); got != tt.wantMessage {
				t.Errorf("error = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestHandler_Post_PanicBecomes500(t *testing.T) {
	handler := newTestHandler(t, &fakeEnclave{panicWith: "boom"})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", recorder.Code)
	}
	if got := decodeError(t, recorder); got != "boom" {
		t.Errorf("error = %q, want boom", got)
	}
}

func TestHandler_Post_AgainstMockEnclave(t *testing.T) {
	tests := []struct {
		name       string
		handler    enclavetest.HandlerFunc
		wantStatus int
		wantBody   string
	}{
		{"reply", enclavetest.Reply([]byte(`{"proof":"0xabc"}`)), http.StatusOK, `{"proof":"0xabc"}`},
		{"split reply", enclavetest.ReplyChunks(50*time.Millisecond, []byte(`{"proof":`), []byte(`"0xabc"}`)), http.StatusOK, `{"proof":"0xabc"}`},
		{"hangup", enclavetest.Hangup(), http.StatusBadGateway, `{"error":"Enclave returned empty response"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := enclavetest.NewServer(tt.handler)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			client, err := enclave.NewClient(server.Transport())
			if err != nil {
				t.Fatal(err)
			}
			handler := newTestHandler(t, client)

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":"prove"}`)))

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			if recorder.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", recorder.Body.String(), tt.wantBody)
			}
		})
	}
}

// A connect failure is reported inside a 200 response, not as 502 or 500.
func TestHandler_Post_UnreachableEnclaveIs200WithErrorDocument(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()

	client, err := enclave.NewClient(enclave.NetTransport{Network: "tcp", Address: address})
	if err != nil {
		t.Fatal(err)
	}
	handler := newTestHandler(t, client)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":"prove"}`)))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if got := decodeError(t, recorder); !strings.HasPrefix(got, "Enclave error: ") {
		t.Errorf("error = %q, want Enclave error prefix", got)
	}
}

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		up         bool
		wantStatus int
		wantState  string
	}{
		{"healthy", true, http.StatusOK, "healthy"},
		{"down", false, http.StatusServiceUnavailable, "enclave_down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEnclave{up: tt.up}
			handler := newTestHandler(t, fake)

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

			if recorder.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", recorder.Code, tt.wantStatus)
			}
			var body healthResponse
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantState || body.Endpoint != "vsock://16:5000" {
				t.Errorf("body = %+v", body)
			}
			if fake.probes.Load() != 1 {
				t.Errorf("probes = %d, want 1", fake.probes.Load())
			}
		})
	}
}

func TestHandler_NotFound(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodPut, "/"},
		{http.MethodPost, "/other"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/healthz"},
		{http.MethodDelete, "/health"},
		{http.MethodGet, "/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			fake := &fakeEnclave{up: true}
			handler := newTestHandler(t, fake)

			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`)))

			if recorder.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", recorder.Code)
			}
			if got := decodeError(t, recorder); got != "Not found" {
				t.Errorf("error = %q", got)
			}
			if fake.exchanges.Load() != 0 || fake.probes.Load() != 0 {
				t.Error("enclave must not be touched for unknown routes")
			}
		})
	}
}

func TestHandler_RequestIDPropagates(t *testing.T) {
	handler := newTestHandler(t, &fakeEnclave{up: true})

	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	request.Header.Set(RequestIDHeader, "req-42")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if got := recorder.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("%s = %q, want req-42", RequestIDHeader, got)
	}
}

func TestHandler_CountsRequests(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	handler := newTestHandler(t, &fakeEnclave{up: true, response: []byte(`{}`)},
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	var collected metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &collected); err != nil {
		t.Fatal(err)
	}

	var total int64
	for _, scope := range collected.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "bridge.requests" {
				continue
			}
			for _, point := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += point.Value
			}
		}
	}
	if total != 3 {
		t.Errorf("bridge.requests = %d, want 3", total)
	}
}

func TestInspectEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType any
		wantErr  bool
	}{
		{"object with type", `{"type":"prove"}`, "prove", false},
		{"object without type", `{"input":1}`, nil, false},
		{"array", `[1,2]`, nil, false},
		{"numeric type", `{"type":7}`, float64(7), false},
		{"invalid", `{"type":`, nil, true},
		{"invalid utf-8 in string", "{\"type\":\"\xff\xfe\"}", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inspectEnvelope([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("inspectEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantType {
				t.Errorf("inspectEnvelope() = %v, want %v", got, tt.wantType)
			}
		})
	}
}
