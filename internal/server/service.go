package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/middleware"
	"github.com/pgillich/bews-doubler/internal/middleware/inner"
	"github.com/pgillich/bews-doubler/internal/model"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

const connCheckInterval = 100 * time.Millisecond

// Config is the config of the server command.
type Config struct {
	Provider config.Provider
	// Dialer overrides the dialer of the configured broker kind.
	Dialer broker.Dialer
}

// Service consumes the server queue and answers every request in its own pooled task.
type Service struct {
	config       Config
	serverRunner model.ServerRunner
	log          logr.Logger
	ctx          context.Context
	ready        atomic.Bool
}

func NewService(ctx context.Context, cfg interface{}, log logr.Logger) model.Service {
	conf, is := cfg.(*Config)
	if !is || conf.Provider == nil {
		log.Error(logger.ErrInvalidConfig, "config type")
		panic(logger.ErrInvalidConfig)
	}
	serverRunner, is := ctx.Value(model.CtxKeyServerRunner).(model.ServerRunner)
	if !is {
		serverRunner = RunServer
	}

	return &Service{
		config:       *conf,
		serverRunner: serverRunner,
		log:          log,
		ctx:          ctx,
	}
}

// Ready reports whether the server queue is being consumed.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) Run(args []string) error {
	s.log = s.log.WithValues("args", args)
	settings, err := s.config.Provider.Settings()
	if err != nil {
		return errors.WrapIf(err, "settings")
	}
	if err = settings.Validate(); err != nil {
		return err
	}
	dialer := s.config.Dialer
	if dialer == nil {
		if dialer, err = broker.NewDialer(settings.Broker, s.log); err != nil {
			return err
		}
	}
	tp, err := tracing.NewProvider(settings.JaegerURL, settings.OtlpURL, "bews-server", settings.ServerQueue, s.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			s.log.Error(err, "unable to shutdown tracer provider")
		}
	}()
	pool, err := ants.NewPool(settings.MaxInFlight, ants.WithPanicHandler(func(p interface{}) {
		s.log.Error(errors.NewPlain(fmt.Sprint(p)), "task panic")
	}))
	if err != nil {
		return errors.WrapIf(err, "worker pool")
	}
	defer pool.Release()

	s.log.Info("Server start", logger.KeyQueue, settings.ServerQueue, "exchange", settings.Exchange)
	g, ctx := errgroup.WithContext(s.ctx)
	if settings.StatusAddr != "" && settings.StatusAddr != "-" {
		g.Go(func() error {
			s.serverRunner(s.StatusHandler(tp), ctx.Done(), settings.StatusAddr, s.log)

			return nil
		})
	}
	g.Go(func() error {
		return s.respond(ctx, settings, dialer, pool, tp.Tracer("bews-server", trace.WithInstrumentationVersion(tracing.SemVersion())))
	})
	err = g.Wait()
	s.log.Info("Server exit")

	return err
}

// respond connects, consumes until the connection is lost, then connects again.
func (s *Service) respond(ctx context.Context, settings config.Settings, dialer broker.Dialer, pool *ants.Pool, tracer trace.Tracer) error {
	log := s.log.WithValues("host", settings.Host, "port", settings.Port)
	for {
		dialCtx, cancel := context.WithTimeout(ctx, settings.TimeoutConnect())
		conn, err := broker.DialWithRetry(dialCtx, dialer, settings.Params(), settings.RetryBackoff(), log)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.WrapIfWithDetails(err, "unable to connect", "timeout", settings.TimeoutConnect())
		}

		err = s.serve(ctx, settings, conn, pool, tracer)
		if errClose := conn.Close(); errClose != nil {
			log.V(1).Info("Close failed", "error", errClose.Error())
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Error(err, "Consumer stopped, reconnecting")

		timer := time.NewTimer(settings.RetryBackoff())
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) serve(ctx context.Context, settings config.Settings, conn broker.Connection, pool *ants.Pool, tracer trace.Tracer) error {
	queue := settings.ServerQueue
	log := s.log.WithValues(logger.KeyQueue, queue)
	if err := conn.DeclareTopology(ctx, broker.Topology{
		Exchange:   settings.Exchange,
		Queue:      queue,
		RoutingKey: settings.Exchange,
		Durable:    true,
	}); err != nil {
		return err
	}

	handler := NewHandler(conn)
	task := inner.InternalMiddlewareChain(
		inner.TryCatch(),
		inner.Logger(log, map[string]string{}, 1, 1),
		inner.Span(tracer, "handle request", attribute.String(tracing.SpanKeyQueue, queue),
			attribute.String(tracing.SpanKeyComponent, tracing.SpanComponentName)),
		inner.Metrics(log, "bews_server_requests", "Handled requests",
			map[string]string{middleware.MetrAttrQueue: queue}, middleware.FirstErr),
	)
	sub, err := conn.Consume(queue, false, func(d *broker.Delivery) {
		if err := pool.Submit(func() {
			if _, err := task(func(ctx context.Context) (interface{}, error) {
				return nil, handler.Handle(ctx, d)
			})(tracing.ExtractHeaders(ctx, d.Headers)); err != nil && !d.Settled() {
				reject(log, d)
			}
		}); err != nil {
			log.Error(err, "unable to submit request")
			reject(log, d)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.V(1).Info("Unsubscribe failed", "error", err.Error())
		}
	}()

	s.ready.Store(true)
	defer s.ready.Store(false)
	log.Info("Consuming")

	ticker := time.NewTicker(connCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !conn.IsOpen() {
				return broker.ErrConnectionClosed
			}
		}
	}
}
