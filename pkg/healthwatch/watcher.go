// Package healthwatch probes the enclave in the background and publishes
// the result through the standard gRPC health service, so orchestrators
// can watch enclave reachability without issuing HTTP requests.
package healthwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name that tracks the enclave. The
// empty name reports the same status.
const ServiceName = "enclave"

// DefaultInterval is the time between background probes.
const DefaultInterval = 5 * time.Second

// Prober reports whether the enclave accepts connections.
type Prober interface {
	Probe(ctx context.Context) bool
	String() string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the time between probes.
func WithInterval(interval time.Duration) Option {
	return func(w *Watcher) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithLogger sets the logger used for status transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher keeps a grpc health server in step with enclave probes.
type Watcher struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	server   *health.Server

	mu      sync.Mutex
	checked bool
	up      bool
}

// New returns a Watcher that reports NOT_SERVING until the first
// successful probe.
func New(prober Prober, opts ...Option) *Watcher {
	w := &Watcher{
		prober:   prober,
		interval: DefaultInterval,
		logger:   slog.Default(),
		server:   health.NewServer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return w
}

// Register exposes the health service on s.
func (w *Watcher) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, w.server)
}

// Up returns the result of the latest probe.
func (w *Watcher) Up() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

// Check probes once and publishes the result.
func (w *Watcher) Check(ctx context.Context) bool {
	up := w.prober.Probe(ctx)

	w.mu.Lock()
	changed := !w.checked || w.up != up
	w.checked = true
	w.up = up
	w.mu.Unlock()

	if up {
		w.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		w.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		if up {
			w.logger.InfoContext(ctx, "enclave reachable", "endpoint", w.prober.String())
		} else {
			w.logger.WarnContext(ctx, "enclave unreachable", "endpoint", w.prober.String())
		}
	}
	return up
}

// Run probes immediately and then every interval until ctx is done. On
// return the health server reports NOT_SERVING for every service.
func (w *Watcher) Run(ctx context.Context) {
	defer w.server.Shutdown()

	w.Check(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// DefaultStopTimeout bounds StopServer's graceful phase.
const DefaultStopTimeout = 5 * time.Second

// StopServer stops server gracefully, then forcibly once timeout passes.
// Health Watch streams stay open across health.Server.Shutdown, so
// GracefulStop alone can wait forever while a client is watching.
func StopServer(server *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		server.Stop()
		<-stopped
	}
}

func (w *Watcher) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	w.server.SetServingStatus("", status)
	w.server.SetServingStatus(ServiceName, status)
}
