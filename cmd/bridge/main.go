// Enclave-bridge accepts JSON requests over HTTP and forwards each one to
// an enclave over vsock, returning the enclave's JSON reply.
//
// Usage:
//
//	enclave-bridge [flags] [cid]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/monstercameron/enclave-bridge/pkg/bridge"
	"github.com/monstercameron/enclave-bridge/pkg/config"
	"github.com/monstercameron/enclave-bridge/pkg/enclave"
	"github.com/monstercameron/enclave-bridge/pkg/healthwatch"
	"github.com/monstercameron/enclave-bridge/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(filepath.Base(os.Args[0]), os.Args[1:], os.LookupEnv, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	providers, err := telemetry.Setup(telemetry.Config{Stdout: cfg.OTelStdout})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	providers.Install()
	defer func() {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownContext); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	transport, err := cfg.Transport()
	if err != nil {
		return err
	}
	client, err := enclave.NewClient(transport, append(cfg.ClientOptions(), enclave.WithLogger(logger))...)
	if err != nil {
		return err
	}
	handler, err := bridge.NewHandler(client,
		bridge.WithLogger(logger),
		bridge.WithMaxBodyBytes(cfg.MaxBodyBytes),
		bridge.WithWebSocket(cfg.WebSocket),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GRPCHealthListen != "" {
		stopHealth, err := startHealthService(ctx, cfg, client, logger)
		if err != nil {
			return err
		}
		defer stopHealth()
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	logger.Info("enclave bridge listening",
		"listen", listener.Addr().String(),
		"endpoint", client.String(),
		"websocket", cfg.WebSocket,
	)

	server := bridge.NewServer(cfg.Listen, handler,
		bridge.WithExchangeTimeout(cfg.ConnectTimeout+cfg.ReadTimeout))
	if err := bridge.Run(ctx, server, listener); err != nil {
		return fmt.Errorf("bridge server failed: %w", err)
	}
	logger.Info("enclave bridge stopped")
	return nil
}

// startHealthService serves the gRPC health service and keeps it updated
// from background probes until ctx is done.
func startHealthService(ctx context.Context, cfg config.Config, prober healthwatch.Prober, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", cfg.GRPCHealthListen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.GRPCHealthListen, err)
	}

	grpcServer := grpc.NewServer()
	watcher := healthwatch.New(prober,
		healthwatch.WithInterval(cfg.HealthInterval),
		healthwatch.WithLogger(logger),
	)
	watcher.Register(grpcServer)

	go watcher.Run(ctx)
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("grpc health server failed", "error", err)
		}
	}()
	logger.Info("grpc health service listening", "listen", listener.Addr().String())

	return func() { healthwatch.StopServer(grpcServer, healthwatch.DefaultStopTimeout) }, nil
}
