package enclave

import (
	"encoding/json"
	"errors"
)

// Kind classifies an exchange failure.
type Kind int

const (
	// KindUnexpectedFailure covers anything not classified below.
	KindUnexpectedFailure Kind = iota
	// KindInvalidRequest means the request body was rejected before it
	// reached the enclave.
	KindInvalidRequest
	// KindBackendUnreachable means dialing, writing to or reading from the
	// enclave failed.
	KindBackendUnreachable
	// KindEmptyResponse means the enclave closed or timed out without
	// sending anything.
	KindEmptyResponse
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindBackendUnreachable:
		return "backend_unreachable"
	case KindEmptyResponse:
		return "empty_response"
	default:
		return "unexpected_failure"
	}
}

// Error is the failure half of an exchange outcome.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match on Kind so callers can test against the sentinels
// below regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ErrEmptyResponse is returned when the enclave closed the connection or
// let the read deadline pass without sending a single byte.
var ErrEmptyResponse = &Error{Kind: KindEmptyResponse, Message: "Enclave returned empty response"}

// KindOf returns the Kind carried by err, or KindUnexpectedFailure.
func KindOf(err error) Kind {
	var exchangeError *Error
	if errors.As(err, &exchangeError) {
		return exchangeError.Kind
	}
	return KindUnexpectedFailure
}

// ErrorDocument renders {"error": message} as the bridge's error body.
func ErrorDocument(message string) []byte {
	document, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	if err != nil {
		// Marshalling a single string field cannot fail.
		return []byte(`{"error":"internal error"}`)
	}
	return document
}

func transportErrorDocument(err error) []byte {
	return ErrorDocument("Enclave error: " + err.Error())
}
