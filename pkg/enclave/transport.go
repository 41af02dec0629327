package enclave

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Endpoint identifies an enclave by vsock context ID and port.
type Endpoint struct {
	ContextID uint32
	Port      uint32
}

func (e Endpoint) String() string {
	return fmt.Sprintf("vsock://%d:%d", e.ContextID, e.Port)
}

// Transport opens one stream connection to the enclave per call.
// Implementations must be safe for concurrent use.
type Transport interface {
	DialContext(ctx context.Context) (net.Conn, error)
	String() string
}

// VsockTransport dials an enclave over AF_VSOCK.
type VsockTransport struct {
	Endpoint Endpoint
}

// DialContext connects to the endpoint. vsock.Dial has no context support,
// so the dial runs in its own goroutine and a connection that completes
// after ctx is done is closed and discarded.
func (t VsockTransport) DialContext(ctx context.Context) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := vsock.Dial(t.Endpoint.ContextID, t.Endpoint.Port, nil)
		if err != nil {
			results <- dialResult{err: err}
			return
		}
		results <- dialResult{conn: conn}
	}()

	select {
	case result := <-results:
		return result.conn, result.err
	case <-ctx.Done():
		go func() {
			if late := <-results; late.conn != nil {
				late.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", t.Endpoint, ctx.Err())
	}
}

func (t VsockTransport) String() string {
	return t.Endpoint.String()
}

// NetTransport dials a regular network address. It stands in for the
// enclave during local development and in tests.
type NetTransport struct {
	Network string // "tcp" or "unix"
	Address string
}

func (t NetTransport) DialContext(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, t.Network, t.Address)
}

func (t NetTransport) String() string {
	return t.Network + "://" + t.Address
}

// ParseTransport turns a backend URL into a Transport. Accepted forms:
//   - "vsock://16:5000"
//   - "tcp://127.0.0.1:5000"
//   - "unix:///run/enclave.sock"
func ParseTransport(raw string) (Transport, error) {
	backendURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend %q: %w", raw, err)
	}

	switch backendURL.Scheme {
	case "vsock":
		endpoint, err := parseEndpoint(backendURL.Host)
		if err != nil {
			return nil, fmt.Errorf("parse backend %q: %w", raw, err)
		}
		return VsockTransport{Endpoint: endpoint}, nil
	case "tcp":
		if _, _, err := net.SplitHostPort(backendURL.Host); err != nil {
			return nil, fmt.Errorf("parse backend %q: %w", raw, err)
		}
		return NetTransport{Network: "tcp", Address: backendURL.Host}, nil
	case "unix":
		path := backendURL.Path
		if backendURL.Host != "" {
			path = backendURL.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("parse backend %q: empty socket path", raw)
		}
		return NetTransport{Network: "unix", Address: path}, nil
	default:
		return nil, fmt.Errorf("parse backend %q: unsupported scheme %q", raw, backendURL.Scheme)
	}
}

func parseEndpoint(hostPort string) (Endpoint, error) {
	host, port, ok := strings.Cut(hostPort, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("missing port in %q", hostPort)
	}
	contextID, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid context ID %q", host)
	}
	portNumber, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q", port)
	}
	return Endpoint{ContextID: uint32(contextID), Port: uint32(portNumber)}, nil
}
