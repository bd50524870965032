package middleware

import (
	"sync"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metric_api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/aggregation"

	"github.com/pgillich/bews-doubler/internal/tracing"
)

const meterName = "github.com/pgillich/bews-doubler/internal/middleware"

// DurationBuckets are the histogram boundaries in seconds. Requests may carry
// an artificial processing delay, so the upper buckets reach minutes.
var DurationBuckets = []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300} //nolint:gochecknoglobals // constant

// registry creates an instrument on first use and hands out the same one after.
type registry[T any, O any] struct {
	mu      sync.Mutex
	created map[string]T
	create  func(name string, options ...O) (T, error)
}

func newRegistry[T any, O any](create func(name string, options ...O) (T, error)) *registry[T, O] {
	return &registry[T, O]{created: map[string]T{}, create: create}
}

func (r *registry[T, O]) get(name string, options ...O) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instrument, has := r.created[name]; has {
		return instrument, nil
	}
	instrument, err := r.create(name, options...)
	if err != nil {
		return instrument, errors.WrapIfWithDetails(err, "unable to register metric", "name", name)
	}
	r.created[name] = instrument

	return instrument, nil
}

var (
	meterOnce  sync.Once                                                                     //nolint:gochecknoglobals // private
	meter      metric_api.Meter                                                              //nolint:gochecknoglobals // private
	counters   *registry[metric_api.Int64Counter, metric_api.Int64CounterOption]             //nolint:gochecknoglobals // private
	inFlights  *registry[metric_api.Int64UpDownCounter, metric_api.Int64UpDownCounterOption] //nolint:gochecknoglobals // private
	histograms *registry[metric_api.Float64Histogram, metric_api.Float64HistogramOption]     //nolint:gochecknoglobals // private
)

// GetMeter returns the meter of the process. The first call registers
// the Prometheus exporter to the default Prometheus registry.
func GetMeter(log logr.Logger) metric_api.Meter {
	meterOnce.Do(func() {
		exporter, err := prometheus.New()
		if err != nil {
			log.Error(err, "unable to instantiate prometheus exporter")
			panic(err)
		}
		provider := metric.NewMeterProvider(
			metric.WithReader(exporter),
			metric.WithView(metric.NewView(
				metric.Instrument{Kind: metric.InstrumentKindHistogram},
				metric.Stream{Aggregation: aggregation.ExplicitBucketHistogram{Boundaries: DurationBuckets}},
			)),
		)
		meter = provider.Meter(meterName, metric_api.WithInstrumentationVersion(tracing.SemVersion()))

		counters = newRegistry(meter.Int64Counter)
		inFlights = newRegistry(meter.Int64UpDownCounter)
		histograms = newRegistry(meter.Float64Histogram)
	})

	return meter
}

// Counter returns the named counter. GetMeter must be called before.
func Counter(name string, options ...metric_api.Int64CounterOption) (metric_api.Int64Counter, error) {
	return counters.get(name, options...)
}

// InFlight returns the named up-down counter of the running tasks.
func InFlight(name string, options ...metric_api.Int64UpDownCounterOption) (metric_api.Int64UpDownCounter, error) {
	return inFlights.get(name, options...)
}

// Duration returns the named histogram, in seconds.
func Duration(name string, options ...metric_api.Float64HistogramOption) (metric_api.Float64Histogram, error) {
	return histograms.get(name, append(options, metric_api.WithUnit("s"))...)
}
