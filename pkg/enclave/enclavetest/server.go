// Package enclavetest provides a mock enclave: a stream listener that reads
// one newline-terminated request per connection and hands it to a
// HandlerFunc. It serves tests over TCP and local development over vsock.
package enclavetest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monstercameron/enclave-bridge/pkg/enclave"
)

// HandlerFunc handles one request. request has the trailing newline removed.
// The connection is closed when the handler returns. ctx is cancelled when
// the server closes.
type HandlerFunc func(ctx context.Context, conn net.Conn, request []byte)

// Server is a running mock enclave.
type Server struct {
	listener net.Listener
	handler  HandlerFunc
	ctx      context.Context
	cancel   context.CancelFunc

	connections atomic.Int64

	mu       sync.Mutex
	requests [][]byte
	active   map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer starts a mock enclave on a loopback TCP port.
func NewServer(handler HandlerFunc) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return Serve(listener, handler), nil
}

// Serve starts accepting on listener. The server owns listener from here on.
func Serve(listener net.Listener, handler HandlerFunc) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[net.Conn]struct{}),
	}
	server.wg.Add(1)
	go server.acceptLoop()
	return server
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.active[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if len(line) == 0 {
		// A probe: connect and hang up without sending anything.
		return
	}
	if err == nil {
		line = line[:len(line)-1]
	}

	s.mu.Lock()
	s.requests = append(s.requests, append([]byte(nil), line...))
	s.mu.Unlock()

	s.handler(s.ctx, conn, line)
}

// Transport returns a Transport that dials this server.
func (s *Server) Transport() enclave.NetTransport {
	address := s.listener.Addr()
	return enclave.NetTransport{Network: address.Network(), Address: address.String()}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Connections returns how many connections were accepted, probes included.
func (s *Server) Connections() int64 {
	return s.connections.Load()
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests := make([][]byte, len(s.requests))
	copy(requests, s.requests)
	return requests
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	err := s.listener.Close()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Reply answers every request with body.
func Reply(body []byte) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, request []byte) {
		conn.Write(body)
	}
}

// ReplyChunks writes each chunk separately with delay between them,
// forcing the client to reassemble the reply.
func ReplyChunks(delay time.Duration, chunks ...[]byte) HandlerFunc {
	return func(ctx context.Context, conn net.Conn, request []byte) {
		for i, chunk := range chunks {
			if i > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
		// Keep the connection open so completion must come from parsing.
		<-ctx.Done()
	}
}

// Echo answers every request with the request itself.
func Echo() HandlerFunc {
	return func(ctx context.Context, conn net.Conn, request []byte) {
		conn.Write(request)
	}
}

// Hangup closes the connection without replying.
func Hangup() HandlerFunc {
	return func(ctx context.Context, conn net.Conn, request []byte) {}
}

// Stall reads the request and then holds the connection open, silent,
// until the server closes.
func Stall() HandlerFunc {
	return func(ctx context.Context, conn net.Conn, request []byte) {
		<-ctx.Done()
	}
}
