package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/monstercameron/enclave-bridge/pkg/enclave"
)

// ServerOption configures the HTTP server built by NewServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	readTimeout     time.Duration
	exchangeTimeout time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

// WithReadTimeout bounds reading the request headers and body.
func WithReadTimeout(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = timeout
	}
}

// WithExchangeTimeout tells the server how long an enclave exchange may
// take, so the write timeout leaves room for it.
func WithExchangeTimeout(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.exchangeTimeout = timeout
	}
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.shutdownTimeout = timeout
	}
}

func newServerOptions(opts []ServerOption) *serverOptions {
	options := &serverOptions{
		readTimeout:     15 * time.Second,
		exchangeTimeout: enclave.DefaultConnectTimeout + enclave.DefaultReadTimeout,
		idleTimeout:     60 * time.Second,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// NewServer wraps handler in an http.Server that speaks HTTP/1.1 and
// cleartext HTTP/2.
//
// Example:
//
//	server := bridge.NewServer(":8001", handler)
//	log.Fatal(server.ListenAndServe())
func NewServer(address string, handler http.Handler, opts ...ServerOption) *http.Server {
	options := newServerOptions(opts)

	http2Server := &http2.Server{IdleTimeout: options.idleTimeout}
	return &http.Server{
		Addr:              address,
		Handler:           h2c.NewHandler(handler, http2Server),
		ReadHeaderTimeout: options.readTimeout,
		ReadTimeout:       options.readTimeout,
		WriteTimeout:      options.readTimeout + options.exchangeTimeout,
		IdleTimeout:       options.idleTimeout,
	}
}

// Run serves on listener until ctx is done, then shuts the server down
// gracefully. It returns nil after a clean shutdown.
func Run(ctx context.Context, server *http.Server, listener net.Listener, opts ...ServerOption) error {
	options := newServerOptions(opts)

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- server.Serve(listener)
	}()

	select {
	case err := <-serveErrors:
		return err
	case <-ctx.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), options.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		return err
	}
	if err := <-serveErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
