// Package config loads bridge settings from built-in defaults, the
// environment (optionally seeded from a .env file), command-line flags and
// an optional positional enclave CID, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/monstercameron/enclave-bridge/pkg/bridge"
	"github.com/monstercameron/enclave-bridge/pkg/enclave"
	"github.com/monstercameron/enclave-bridge/pkg/healthwatch"
)

// Defaults for the enclave endpoint and listener.
const (
	DefaultContextID = 16
	DefaultPort      = 5000
	DefaultListen    = ":8001"
)

// Environment variables consulted before flags.
const (
	EnvContextID = "ENCLAVE_CID"
	EnvPort      = "ENCLAVE_PORT"
	EnvListen    = "BRIDGE_LISTEN"
	EnvBackend   = "BRIDGE_BACKEND"
	EnvLogLevel  = "BRIDGE_LOG_LEVEL"
)

// Config is the resolved bridge configuration.
type Config struct {
	ContextID uint32
	Port      uint32
	Listen    string
	// Backend replaces the vsock endpoint with a tcp:// or unix:// address.
	Backend string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ProbeTimeout   time.Duration
	MaxBodyBytes   int64

	GRPCHealthListen string
	HealthInterval   time.Duration

	WebSocket  bool
	OTelStdout bool

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ContextID:      DefaultContextID,
		Port:           DefaultPort,
		Listen:         DefaultListen,
		ConnectTimeout: enclave.DefaultConnectTimeout,
		ReadTimeout:    enclave.DefaultReadTimeout,
		ProbeTimeout:   enclave.DefaultProbeTimeout,
		MaxBodyBytes:   bridge.DefaultMaxBodyBytes,
		HealthInterval: healthwatch.DefaultInterval,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadDotEnv copies variables from path into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration. args excludes the program name and
// lookupEnv is usually os.LookupEnv. pflag.ErrHelp is returned unwrapped
// when -h or --help is given.
func Load(name string, args []string, lookupEnv func(string) (string, bool), usage io.Writer) (Config, error) {
	cfg := Default()
	if err := applyEnvironment(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(usage)
	flags.Uint32Var(&cfg.ContextID, "cid", cfg.ContextID, "enclave vsock context ID")
	flags.Uint32Var(&cfg.Port, "port", cfg.Port, "enclave vsock port")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "tcp://host:port or unix:///path used instead of vsock")
	flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "enclave connect timeout")
	flags.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "enclave exchange timeout")
	flags.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "health probe timeout")
	flags.Int64Var(&cfg.MaxBodyBytes, "max-body", cfg.MaxBodyBytes, "largest accepted request body in bytes")
	flags.StringVar(&cfg.GRPCHealthListen, "grpc-health-listen", cfg.GRPCHealthListen, "gRPC health service listen address (empty disables)")
	flags.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "time between background enclave probes")
	flags.BoolVar(&cfg.WebSocket, "websocket", cfg.WebSocket, "serve GET /ws")
	flags.BoolVar(&cfg.OTelStdout, "otel-stdout", cfg.OTelStdout, "print spans and metrics to stdout")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	switch positional := flags.Args(); len(positional) {
	case 0:
	case 1:
		contextID, err := parseContextID(positional[0])
		if err != nil {
			return Config{}, fmt.Errorf("positional CID: %w", err)
		}
		cfg.ContextID = contextID
	default:
		return Config{}, fmt.Errorf("expected at most one positional CID, got %d arguments", len(positional))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvironment(cfg *Config, lookupEnv func(string) (string, bool)) error {
	if value, ok := lookupEnv(EnvContextID); ok && value != "" {
		contextID, err := parseContextID(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvContextID, err)
		}
		cfg.ContextID = contextID
	}
	if value, ok := lookupEnv(EnvPort); ok && value != "" {
		port, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = uint32(port)
	}
	if value, ok := lookupEnv(EnvListen); ok && value != "" {
		cfg.Listen = value
	}
	if value, ok := lookupEnv(EnvBackend); ok {
		cfg.Backend = value
	}
	if value, ok := lookupEnv(EnvLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}
	return nil
}

func parseContextID(raw string) (uint32, error) {
	contextID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid context ID %q", raw)
	}
	return uint32(contextID), nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Backend == "" && c.Port == 0 {
		return errors.New("port must be non-zero")
	}
	if c.Backend != "" {
		if _, err := enclave.ParseTransport(c.Backend); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"connect-timeout", c.ConnectTimeout},
		{"read-timeout", c.ReadTimeout},
		{"probe-timeout", c.ProbeTimeout},
		{"health-interval", c.HealthInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max-body must be positive, got %d", c.MaxBodyBytes)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log-format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Endpoint returns the configured vsock endpoint.
func (c Config) Endpoint() enclave.Endpoint {
	return enclave.Endpoint{ContextID: c.ContextID, Port: c.Port}
}

// Transport returns the backend transport if one is set, otherwise vsock.
func (c Config) Transport() (enclave.Transport, error) {
	if c.Backend != "" {
		return enclave.ParseTransport(c.Backend)
	}
	return enclave.VsockTransport{Endpoint: c.Endpoint()}, nil
}

// ClientOptions returns the enclave client options for the timeouts.
func (c Config) ClientOptions() []enclave.ClientOption {
	return []enclave.ClientOption{
		enclave.WithConnectTimeout(c.ConnectTimeout),
		enclave.WithReadTimeout(c.ReadTimeout),
		enclave.WithProbeTimeout(c.ProbeTimeout),
	}
}

// NewLogger builds a slog logger writing to w in the configured format.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOptions)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOptions)), nil
	default:
		return nil, fmt.Errorf("log-format must be json or text, got %q", c.LogFormat)
	}
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}
