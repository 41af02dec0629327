package enclave

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/monstercameron/enclave-bridge/pkg/enclave"

type instruments struct {
	exchanges     metric.Int64Counter
	duration      metric.Float64Histogram
	responseBytes metric.Int64Histogram
	inflight      metric.Int64UpDownCounter
	probes        metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var i instruments
	var err error

	i.exchanges, err = meter.Int64Counter("enclave.exchanges",
		metric.WithDescription("Exchanges with the enclave by outcome."),
		metric.WithUnit("{exchange}"))
	record(err)

	i.duration, err = meter.Float64Histogram("enclave.exchange.duration",
		metric.WithDescription("Time from dial to last byte read."),
		metric.WithUnit("s"))
	record(err)

	i.responseBytes, err = meter.Int64Histogram("enclave.exchange.response_size",
		metric.WithDescription("Bytes received from the enclave per exchange."),
		metric.WithUnit("By"))
	record(err)

	// Concurrent backend connections are not capped; this makes the
	// current number visible.
	i.inflight, err = meter.Int64UpDownCounter("enclave.exchange.inflight",
		metric.WithDescription("Exchanges currently holding an enclave connection."),
		metric.WithUnit("{exchange}"))
	record(err)

	i.probes, err = meter.Int64Counter("enclave.probes",
		metric.WithDescription("Liveness probes by result."),
		metric.WithUnit("{probe}"))
	record(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &i, nil
}
