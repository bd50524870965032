// Package tracing sets up the OpenTelemetry tracer provider and its exporters.
package tracing

import (
	"context"
	"net/url"
	"os"
	"sync"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.11.0"

	"github.com/pgillich/bews-doubler/internal/buildinfo"
)

type ErrorHandler struct {
	log *logr.Logger
}

func (e *ErrorHandler) Handle(err error) {
	e.log.Error(err, "OTEL ERROR")
}

var errorHandler = &ErrorHandler{} //nolint:gochecknoglobals // otel global
var onceSetOtel sync.Once          //nolint:gochecknoglobals // local once
var onceBodySetOtel = func() {     //nolint:gochecknoglobals // local once
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(errorHandler)
	otel.SetLogger(*errorHandler.log)
}

const (
	ServiceNamespace  = "bews"
	SpanKeyComponent  = "component"
	SpanKeyRequestID  = "bews.request_id"
	SpanKeyQueue      = "bews.queue"
	SpanComponentName = "bews-doubler"
)

// InitTracer builds a tracer provider. A nil exporter keeps spans local (log correlation only).
func InitTracer(exporter sdktrace.SpanExporter, sampler sdktrace.Sampler, service string, instance string, log logr.Logger) *sdktrace.TracerProvider {
	attrs := []attribute.KeyValue{
		semconv.ServiceNamespaceKey.String(ServiceNamespace),
		semconv.ServiceNameKey.String(service),
		semconv.ServiceInstanceIDKey.String(instance),
		semconv.ServiceVersionKey.String(Version()),
		attribute.Int("pid", os.Getpid()),
	}
	providerOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, attrs...)),
	}
	if exporter != nil {
		providerOptions = append(providerOptions, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(providerOptions...)

	if errorHandler.log == nil {
		errorHandler.log = &log
	}
	onceSetOtel.Do(onceBodySetOtel)

	return tp
}

// InjectHeaders returns the trace context of ctx as message headers.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	return headers
}

// ExtractHeaders returns ctx with the remote trace context of the message headers.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// NewProvider picks the OTLP exporter if otlpURL is set, else Jaeger if jaegerURL is set.
func NewProvider(jaegerURL string, otlpURL string, service string, instance string, log logr.Logger) (*sdktrace.TracerProvider, error) {
	exporter, err := OtlpProvider(otlpURL)
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "otlp exporter", "url", otlpURL)
	}
	if exporter == nil {
		if exporter, err = JaegerProvider(jaegerURL); err != nil {
			return nil, errors.WrapIfWithDetails(err, "jaeger exporter", "url", jaegerURL)
		}
	}

	return InitTracer(exporter, sdktrace.AlwaysSample(), service, instance, log), nil
}

func JaegerProvider(jUrl string) (sdktrace.SpanExporter, error) {
	if jUrl == "" || jUrl == "-" {
		return nil, nil
	}

	return jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(jUrl),
	))
}

func OtlpProvider(oUrl string) (sdktrace.SpanExporter, error) {
	if oUrl == "" || oUrl == "-" {
		return nil, nil
	}

	otlpUrl, err := url.ParseRequestURI(oUrl)
	if err != nil {
		return nil, err
	}

	return otlptracehttp.New(context.Background(), // otlptracehttp.client.Start does nothing in a HTTP client
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithEndpoint(otlpUrl.Host),
		otlptracehttp.WithURLPath(otlpUrl.Path),
	)
}

func Version() string {
	if buildinfo.Version != "" {
		return buildinfo.Version
	}

	return "0.0.1"
}

// SemVersion is the semantic version to be supplied to tracer/meter creation.
func SemVersion() string {
	return "semver:" + Version()
}
