package inner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metric_api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/middleware"
)

var (
	// ErrTypeCast is an error for type assertion from interface
	ErrTypeCast = errors.NewPlain("unable to cast interface to type")
)

// Span is a middleware to start/end a new span, using from context.
// Sets "traceID" and "spanID" values of the context logger.
func Span(tr trace.Tracer, spanName string, attrs ...attribute.KeyValue) InternalMiddleware {
	return func(next InternalMiddlewareFn) InternalMiddlewareFn {
		return func(ctx context.Context) (interface{}, error) {
			ctx, span := tr.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			if span.SpanContext().IsValid() {
				log := logr.FromContextOrDiscard(ctx).WithValues(
					"traceID", span.SpanContext().TraceID().String(),
					"spanID", span.SpanContext().SpanID().String(),
				)
				ctx = logr.NewContext(ctx, log)
			}

			retVal, err := next(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			return retVal, err
		}
	}
}

// TryCatch is a middleware for catching Go panic and propagating it as an error
func TryCatch() InternalMiddleware {
	return func(next InternalMiddlewareFn) InternalMiddlewareFn {
		return func(ctx context.Context) (interface{}, error) {
			var retVal interface{}
			var err error
			if errTryCatch := tryCatch(func() {
				retVal, err = next(ctx)
			})(); errTryCatch != nil {
				err = errTryCatch
			}

			return retVal, err
		}
	}
}

// ErrPanic is an error for captured panic
var ErrPanic = errors.NewPlain("captured panic")

// tryCatch captures a Go panic and returns as an error
func tryCatch(f func()) func() error {
	return func() (err error) {
		defer func() {
			if panicInfo := recover(); panicInfo != nil {
				err = errors.WithDetails(ErrPanic, "panic", fmt.Sprint(panicInfo), "stack", string(debug.Stack()))

				return
			}
		}()

		f() // calling the decorated function

		return err
	}
}

// Logger is a middleware for logging begin and end messages.
// A new logger with values is added to the context.
func Logger(log logr.Logger, values map[string]string, beginLevel int, endLevel int) InternalMiddleware {
	logValues := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		logValues = append(logValues, k, v)
	}

	return func(next InternalMiddlewareFn) InternalMiddlewareFn {
		return func(ctx context.Context) (interface{}, error) {
			log := log.WithValues(logValues...)
			ctx = logr.NewContext(ctx, log)
			log.V(beginLevel).Info("GO_BEGIN")
			beginTS := time.Now()

			retVal, err := next(ctx)

			log = logr.FromContextOrDiscard(ctx).WithValues("duration", fmt.Sprintf("%.3f", time.Since(beginTS).Seconds()))
			if err != nil {
				log.Error(err, "GO_END")
			} else {
				log.V(endLevel).Info("GO_END")
			}

			return retVal, err
		}
	}
}

// Metrics counts the calls per error class, records their duration
// and keeps the number of the running calls.
//
// The Prometheus exporter appends "_total" to counters and "_seconds" to the histogram.
func Metrics(log logr.Logger, name string, description string, attributes map[string]string,
	errFormatter middleware.ErrFormatter,
) InternalMiddleware {
	middleware.GetMeter(log)
	baseAttrs := make([]attribute.KeyValue, 0, len(attributes))
	for aKey, aVal := range attributes {
		baseAttrs = append(baseAttrs, attribute.Key(aKey).String(aVal))
	}
	calls, err := middleware.Counter(name, metric_api.WithDescription(description))
	if err != nil {
		log.Error(err, "unable to instantiate counter", "metricName", name)
		panic(err)
	}
	running, err := middleware.InFlight(name+"_in_flight", metric_api.WithDescription(description+", running"))
	if err != nil {
		log.Error(err, "unable to instantiate in-flight counter", "metricName", name)
		panic(err)
	}
	duration, err := middleware.Duration(name+"_duration", metric_api.WithDescription(description+", duration"))
	if err != nil {
		log.Error(err, "unable to instantiate histogram", "metricName", name)
		panic(err)
	}
	baseOpt := metric_api.WithAttributes(baseAttrs...)

	return func(next InternalMiddlewareFn) InternalMiddlewareFn {
		return func(ctx context.Context) (interface{}, error) {
			running.Add(ctx, 1, baseOpt)
			beginTS := time.Now()

			retVal, err := next(ctx)

			running.Add(ctx, -1, baseOpt)
			attrs := make([]attribute.KeyValue, len(baseAttrs), len(baseAttrs)+1)
			copy(attrs, baseAttrs)
			opt := metric_api.WithAttributes(append(attrs, attribute.Key(middleware.MetrAttrErr).String(errFormatter(err)))...)
			calls.Add(ctx, 1, opt)
			duration.Record(ctx, time.Since(beginTS).Seconds(), opt)

			return retVal, err
		}
	}
}
