package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/model"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

// Watcher calls onChange after the persisted settings changed.
type Watcher interface {
	Watch(onChange func())
}

// ServiceConfig is the config of the client command.
type ServiceConfig struct {
	Provider config.Provider
	// Dialer overrides the dialer of the configured broker kind.
	Dialer broker.Dialer
	// Watcher, if set, triggers ReloadAndReconnect.
	Watcher Watcher
	Delay   time.Duration
	In      io.Reader
	Out     io.Writer
}

// Service is a headless requester: it sends the payloads of the arguments,
// or of the input lines if there are no arguments, and prints the answers.
type Service struct {
	config ServiceConfig
	log    logr.Logger
	ctx    context.Context
}

func NewService(ctx context.Context, cfg interface{}, log logr.Logger) model.Service {
	conf, is := cfg.(*ServiceConfig)
	if !is || conf.Provider == nil || conf.Out == nil {
		log.Error(logger.ErrInvalidConfig, "config type")
		panic(logger.ErrInvalidConfig)
	}

	return &Service{config: *conf, log: log, ctx: ctx}
}

func (s *Service) Run(args []string) error {
	settings, err := s.config.Provider.Settings()
	if err != nil {
		return errors.WrapIf(err, "settings")
	}
	dialer := s.config.Dialer
	if dialer == nil {
		if dialer, err = broker.NewDialer(settings.Broker, s.log); err != nil {
			return err
		}
	}

	tp, err := tracing.NewProvider(settings.JaegerURL, settings.OtlpURL, "bews-client", settings.ClientIdentity, s.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			s.log.Error(err, "unable to shutdown tracer provider")
		}
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	c := New(s.config.Provider, dialer, s.log, Options{
		Tracer: tp.Tracer("bews-client", trace.WithInstrumentationVersion(tracing.SemVersion())),
	})
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	if s.config.Watcher != nil {
		s.config.Watcher.Watch(func() {
			if err := c.ReloadAndReconnect(); err != nil {
				s.log.Error(err, "unable to reload")
			}
		})
	}
	if err := c.Connect(); err != nil {
		return err
	}
	if err := s.waitReady(ctx, c); err != nil {
		return err
	}

	if len(args) > 0 {
		for _, payload := range args {
			if err := s.request(ctx, c, payload); err != nil {
				return err
			}
		}

		return nil
	}
	if s.config.In == nil {
		return nil
	}
	scanner := bufio.NewScanner(s.config.In)
	for scanner.Scan() {
		payload := strings.TrimSpace(scanner.Text())
		if payload == "" {
			continue
		}
		if err := s.request(ctx, c, payload); err != nil {
			return err
		}
	}

	return errors.WrapIf(scanner.Err(), "read input")
}

func (s *Service) waitReady(ctx context.Context, c *Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.Events():
			s.print(ev)
			switch ev.Kind {
			case EventServerReady:
				return nil
			case EventConnectionFailed:
				return ev.Err
			}
		}
	}
}

// request sends one payload and waits for its response or error.
// Request errors are printed, only a stopped client ends the loop.
func (s *Service) request(ctx context.Context, c *Client, payload string) error {
	requestID, err := c.SendRequest(payload, s.config.Delay)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.Events():
			s.print(ev)
			if ev.RequestID != requestID {
				continue
			}
			if ev.Kind == EventResponse {
				fmt.Fprintf(s.config.Out, "%s -> %s\n", payload, ev.Payload) //nolint:errcheck // console
			}

			return nil
		}
	}
}

func (s *Service) print(ev Event) {
	switch ev.Kind {
	case EventStateChanged:
		s.log.V(1).Info(ev.String())
	case EventResponse:
	default:
		fmt.Fprintln(s.config.Out, ev.String()) //nolint:errcheck // console
	}
}
