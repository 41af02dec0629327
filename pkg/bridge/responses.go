package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/monstercameron/enclave-bridge/pkg/enclave"
)

const (
	messageEmptyBody     = "Empty request body"
	messageInvalidJSON   = "Invalid JSON"
	messageBodyTooLarge  = "Request body too large"
	messageEmptyResponse = "Enclave returned empty response"
	messageNotFound      = "Not found"
)

type healthResponse struct {
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
}

// writeJSON writes body verbatim as an application/json response.
func writeJSON(responseWriter http.ResponseWriter, status int, body []byte) {
	header := responseWriter.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	responseWriter.WriteHeader(status)
	responseWriter.Write(body)
}

func writeValue(responseWriter http.ResponseWriter, status int, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		writeError(responseWriter, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(responseWriter, status, body)
}

// writeError writes {"error": message}.
func writeError(responseWriter http.ResponseWriter, status int, message string) {
	writeJSON(responseWriter, status, enclave.ErrorDocument(message))
}

// statusForError maps an exchange failure to an HTTP status and the message
// shown to the client.
func statusForError(err error) (int, string) {
	switch enclave.KindOf(err) {
	case enclave.KindInvalidRequest:
		var exchangeError *enclave.Error
		errors.As(err, &exchangeError)
		return http.StatusBadRequest, exchangeError.Message
	case enclave.KindEmptyResponse:
		return http.StatusBadGateway, messageEmptyResponse
	case enclave.KindBackendUnreachable:
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// statusRecorder remembers the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("bridge: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) written() bool {
	return r.status != 0
}
