package enclave

import (
	"bytes"
	"encoding/json"
	"io"
	"unicode/utf8"
)

// TryComplete reports whether buffer holds one complete JSON document.
//
// The enclave stream has no length prefix and no trusted terminator, so a
// reply is considered finished the first time everything received so far
// parses as a single JSON value. Leading and trailing whitespace is allowed,
// which covers the newline the enclave usually appends.
func TryComplete(buffer []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(buffer)
	if len(trimmed) == 0 {
		return nil, false
	}
	if !utf8.Valid(trimmed) || !json.Valid(trimmed) {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}

// writeFrame writes payload followed by the newline delimiter, retrying
// short writes until the frame is out or the connection fails.
func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}
