package logger

import (
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrHTTPStatus = errors.NewPlain("http server error")
	ErrHTTPPanic  = errors.NewPlain("http handler panic")
)

// ChiLogr is a chi middleware.LogFormatter writing one logr line per request.
// Server errors are logged as errors, other requests at V(1).
type ChiLogr struct {
	logr.Logger
}

func (l *ChiLogr) NewLogEntry(r *http.Request) middleware.LogEntry {
	log := l.WithValues(
		"reqID", middleware.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"remoteAddr", r.RemoteAddr,
	)
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		log = log.WithValues("traceID", sc.TraceID().String(), "spanID", sc.SpanID().String())
	}

	return &chiLogrEntry{log}
}

type chiLogrEntry struct {
	log logr.Logger
}

func (e *chiLogrEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	log := e.log.WithValues("status", status, "bytes", bytes, "elapsed", elapsed)
	if status >= http.StatusInternalServerError {
		log.Error(ErrHTTPStatus, "HTTP_END")

		return
	}
	log.V(1).Info("HTTP_END")
}

func (e *chiLogrEntry) Panic(v interface{}, stack []byte) {
	e.log.Error(errors.WithDetails(ErrHTTPPanic, "panic", v), "HTTP_PANIC", "stack", string(stack))
}
