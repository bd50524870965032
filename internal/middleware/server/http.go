// Package server holds the chi middlewares of the status endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	metric_api "go.opentelemetry.io/otel/metric"

	"github.com/pgillich/bews-doubler/internal/middleware"
)

// ChiMetricMiddleware counts the requests and records their durations per route pattern and status.
func ChiMetricMiddleware(name string, description string, attributes map[string]string, log logr.Logger,
) func(next http.Handler) http.Handler {
	middleware.GetMeter(log)
	baseAttrs := make([]attribute.KeyValue, 0, len(attributes))
	for aKey, aVal := range attributes {
		baseAttrs = append(baseAttrs, attribute.Key(aKey).String(aVal))
	}
	requests, err := middleware.Counter(name, metric_api.WithDescription(description))
	if err != nil {
		log.Error(err, "unable to instantiate counter", "metricName", name)
		panic(err)
	}
	duration, err := middleware.Duration(name+"_duration", metric_api.WithDescription(description+", duration"))
	if err != nil {
		log.Error(err, "unable to instantiate histogram", "metricName", name)
		panic(err)
	}

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			lrw := NewLoggingResponseWriter(w)

			beginTS := time.Now()

			next.ServeHTTP(lrw, r)

			elapsed := time.Since(beginTS)
			attrs := make([]attribute.KeyValue, len(baseAttrs), len(baseAttrs)+4)
			copy(attrs, baseAttrs)
			attrs = append(attrs,
				attribute.Key(middleware.MetrAttrMethod).String(r.Method),
				attribute.Key(middleware.MetrAttrHost).String(requestHost(r)),
				attribute.Key(middleware.MetrAttrPathPattern).String(getRoutePath(ctx, r)),
				attribute.Key(middleware.MetrAttrStatus).Int(lrw.statusCode),
			)
			opt := metric_api.WithAttributes(attrs...)
			requests.Add(ctx, 1, opt)
			duration.Record(ctx, elapsed.Seconds(), opt)
		}

		return http.HandlerFunc(fn)
	}
}

func getRoutePath(ctx context.Context, r *http.Request) string {
	routePath := ""
	if rctx := chi.RouteContext(ctx); rctx != nil {
		routePath = rctx.RoutePattern()
	}
	if routePath == "" {
		if r.URL.RawPath != "" {
			routePath = r.URL.RawPath
		} else {
			routePath = r.URL.Path
		}
	}

	return routePath
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}

	return r.URL.Host
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func NewLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
