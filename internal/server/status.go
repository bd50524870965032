package server

import (
	"context"
	"net/http"

	"emperror.dev/errors"
	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/logger"
	mw_server "github.com/pgillich/bews-doubler/internal/middleware/server"
)

// RunServer serves h on addr until shutdown is closed.
func RunServer(h http.Handler, shutdown <-chan struct{}, addr string, log logr.Logger) {
	server := &http.Server{ // nolint:gosec // not secure
		Handler: h,
		Addr:    addr,
	}

	go func() {
		<-shutdown
		if err := server.Shutdown(context.Background()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Server shutdown error")
		}
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "Server exit error")
	} else {
		log.Info("Server exit")
	}
}

// StatusHandler serves /healthz (200 while consuming) and /metrics.
func (s *Service) StatusHandler(tp trace.TracerProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RequestLogger(&logger.ChiLogr{Logger: s.log}))
	r.Use(chi_middleware.Recoverer)
	r.Use(mw_server.ChiMetricMiddleware("bews_status_http", "Status endpoint requests", map[string]string{}, s.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, text := http.StatusOK, "OK"
		if !s.Ready() {
			status, text = http.StatusServiceUnavailable, "NOT CONSUMING"
		}
		w.WriteHeader(status)
		if _, err := w.Write([]byte(text)); err != nil {
			s.log.Error(err, "unable to write response")
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "status", otelhttp.WithTracerProvider(tp))
}
