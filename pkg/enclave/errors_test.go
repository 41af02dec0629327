package enclave

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("exchange: %w", &Error{Kind: KindEmptyResponse, Message: "nothing"})
	if !errors.Is(wrapped, ErrEmptyResponse) {
		t.Error("expected wrapped EmptyResponse error to match ErrEmptyResponse")
	}

	other := &Error{Kind: KindBackendUnreachable, Message: "down", Err: io.EOF}
	if errors.Is(other, ErrEmptyResponse) {
		t.Error("BackendUnreachable must not match ErrEmptyResponse")
	}
	if !errors.Is(other, io.EOF) {
		t.Error("expected Unwrap to expose the cause")
	}
	if other.Error() != "down: EOF" {
		t.Errorf("Error() = %q", other.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"empty response", ErrEmptyResponse, KindEmptyResponse},
		{"wrapped unreachable", fmt.Errorf("x: %w", unreachable(io.EOF)), KindBackendUnreachable},
		{"plain error", errors.New("boom"), KindUnexpectedFailure},
		{"invalid request", &Error{Kind: KindInvalidRequest, Message: "Invalid JSON"}, KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorDocument(t *testing.T) {
	document := ErrorDocument(`quote " and newline` + "\n")

	var decoded map[string]string
	if err := json.Unmarshal(document, &decoded); err != nil {
		t.Fatalf("ErrorDocument produced invalid JSON %q: %v", document, err)
	}
	if decoded["error"] != "quote \" and newline\n" {
		t.Errorf("error field = %q", decoded["error"])
	}
	if len(decoded) != 1 {
		t.Errorf("expected exactly one field, got %v", decoded)
	}
}

func TestTransportErrorDocument(t *testing.T) {
	var decoded map[string]string
	if err := json.Unmarshal(transportErrorDocument(io.ErrUnexpectedEOF), &decoded); err != nil {
		t.Fatal(err)
	}
	if want := "Enclave error: unexpected EOF"; decoded["error"] != want {
		t.Errorf("error field = %q, want %q", decoded["error"], want)
	}
}
