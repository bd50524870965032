package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	nats_server "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/suite"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/envelope"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

type ServiceTestSuite struct {
	suite.Suite
	log      logr.Logger
	natsSrv  *nats_server.Server
	settings config.Settings
	cancel   context.CancelFunc
	runErr   chan error
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	s.log = logger.GetLogger(s.T().Name())
	opts := broker.NatsTestOptions()
	s.natsSrv = broker.NatsRunServerCallback(&opts, nil)
	addr, is := s.natsSrv.Addr().(*net.TCPAddr)
	s.Require().True(is)
	s.settings = config.Settings{
		Host:             "127.0.0.1",
		Port:             addr.Port,
		Exchange:         "bews",
		ClientIdentity:   "server-test",
		StatusAddr:       "-",
		TimeoutConnectS:  2,
		RetryBackoffS:    0.1,
		TimeoutResponseS: 5,
	}
}

func (s *ServiceTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		select {
		case err := <-s.runErr:
			s.NoError(err)
		case <-time.After(5 * time.Second):
			s.Fail("service did not exit")
		}
		s.cancel = nil
	}
	s.natsSrv.Shutdown()
}

func (s *ServiceTestSuite) startService() *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	service, is := NewService(ctx, &Config{Provider: config.StaticProvider(s.settings)}, s.log).(*Service)
	s.Require().True(is)
	s.runErr = make(chan error, 1)
	go func() { s.runErr <- service.Run(nil) }()
	s.Require().Eventually(service.Ready, 5*time.Second, 10*time.Millisecond)

	return service
}

type requester struct {
	conn      broker.Connection
	queue     string
	responses chan envelope.Response
	headers   chan map[string]string
}

func (s *ServiceTestSuite) newRequester(queue string) *requester {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dialer, err := broker.NewDialer(broker.KindNats, s.log)
	s.Require().NoError(err)
	conn, err := dialer.Dial(ctx, broker.Params{Host: s.settings.Host, Port: s.settings.Port, Name: queue})
	s.Require().NoError(err)
	s.T().Cleanup(func() { conn.Close() }) //nolint:errcheck,gosec // test
	s.Require().NoError(conn.DeclareTopology(ctx, broker.Topology{Exchange: "bews", Queue: queue, Exclusive: true}))
	r := &requester{conn: conn, queue: queue, responses: make(chan envelope.Response, 16), headers: make(chan map[string]string, 16)}
	_, err = conn.Consume(queue, true, func(d *broker.Delivery) {
		resp, err := envelope.DecodeResponse(d.Body)
		s.NoError(err)
		select {
		case r.headers <- d.Headers:
		default:
		}
		r.responses <- resp
	})
	s.Require().NoError(err)

	return r
}

func (s *ServiceTestSuite) publish(r *requester, body []byte) {
	s.Require().NoError(r.conn.Publish(context.Background(), broker.Publishing{
		Exchange: "bews", RoutingKey: "bews", Body: body, ReplyTo: r.queue,
	}))
}

func (s *ServiceTestSuite) send(r *requester, requestID, payload string, delay time.Duration) {
	body, err := envelope.EncodeRequest(envelope.Request{
		ReturnAddress: r.queue, RequestID: requestID, Payload: payload,
		ProcessDelaySeconds: envelope.DelaySeconds(delay),
	})
	s.Require().NoError(err)
	s.publish(r, body)
}

func (s *ServiceTestSuite) receive(r *requester) envelope.Response {
	select {
	case resp := <-r.responses:
		return resp
	case <-time.After(5 * time.Second):
		s.FailNow("no response", r.queue)
	}

	return envelope.Response{}
}

func (s *ServiceTestSuite) TestExampleScenario() {
	s.startService()
	r := s.newRequester("client-a")

	s.send(r, "r1", "21", 0)
	s.Equal(envelope.Response{RequestID: "r1", Payload: "42"}, s.receive(r))
	s.send(r, "r2", envelope.PingPayload, 0)
	s.Equal(envelope.Response{RequestID: "r2", Payload: envelope.PongPayload}, s.receive(r))
	s.send(r, "r3", "abc", 0)
	s.Equal(envelope.Response{RequestID: "r3", Payload: envelope.InvalidInputPayload}, s.receive(r))
}

func (s *ServiceTestSuite) TestTraceContextPropagated() {
	s.startService()
	r := s.newRequester("client-t")
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck // test
	ctx, span := tp.Tracer("requester").Start(context.Background(), "send request")
	defer span.End()

	body, err := envelope.EncodeRequest(envelope.Request{ReturnAddress: r.queue, RequestID: "t1", Payload: "4"})
	s.Require().NoError(err)
	s.Require().NoError(r.conn.Publish(ctx, broker.Publishing{
		Exchange: "bews", RoutingKey: "bews", Body: body, ReplyTo: r.queue, Headers: tracing.InjectHeaders(ctx),
	}))
	s.Equal(envelope.Response{RequestID: "t1", Payload: "8"}, s.receive(r))

	headers := <-r.headers
	remote := trace.SpanContextFromContext(tracing.ExtractHeaders(context.Background(), headers))
	s.Require().True(remote.IsValid(), "response carries the trace context")
	s.Equal(span.SpanContext().TraceID(), remote.TraceID())
	s.NotEqual(span.SpanContext().SpanID(), remote.SpanID(), "server span is a child")
}

func (s *ServiceTestSuite) TestDelayDoesNotBlockOthers() {
	s.startService()
	slow := s.newRequester("client-slow")
	fast := s.newRequester("client-fast")

	begin := time.Now()
	s.send(slow, "slow", "1", 500*time.Millisecond)
	s.send(fast, "fast", "2", 0)

	s.Equal("4", s.receive(fast).Payload)
	s.Less(time.Since(begin), 500*time.Millisecond, "fast answered while slow is delayed")
	s.Empty(slow.responses)

	s.Equal("2", s.receive(slow).Payload)
	s.GreaterOrEqual(time.Since(begin), 500*time.Millisecond)
}

func (s *ServiceTestSuite) TestPoisonMessageIsolation() {
	s.startService()
	r := s.newRequester("client-p")

	s.publish(r, []byte("\xff\xff\xff not an envelope"))
	s.send(r, "after", "8", 0)
	s.Equal(envelope.Response{RequestID: "after", Payload: "16"}, s.receive(r))
	s.Empty(r.responses)
}

func (s *ServiceTestSuite) TestConnectBudgetExhausted() {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr, is := listener.Addr().(*net.TCPAddr)
	s.Require().True(is)
	s.Require().NoError(listener.Close())
	s.settings.Port = addr.Port
	s.settings.TimeoutConnectS = 0.3
	s.settings.RetryBackoffS = 0.05

	service := NewService(context.Background(), &Config{Provider: config.StaticProvider(s.settings)}, s.log)
	err = service.Run(nil)
	s.True(errors.Is(err, broker.ErrConnect), err)
}

func (s *ServiceTestSuite) TestStatusHandler() {
	service, is := NewService(context.Background(), &Config{Provider: config.StaticProvider(s.settings)}, s.log).(*Service)
	s.Require().True(is)
	srv := httptest.NewServer(service.StatusHandler(trace.NewNoopTracerProvider()))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path) //nolint:noctx // test
		s.Require().NoError(err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		s.Require().NoError(err)

		return resp.StatusCode, string(body)
	}

	status, _ := get("/healthz")
	s.Equal(http.StatusServiceUnavailable, status)
	service.ready.Store(true)
	status, body := get("/healthz")
	s.Equal(http.StatusOK, status)
	s.Equal("OK", body)

	status, body = get("/metrics")
	s.Equal(http.StatusOK, status)
	s.Contains(body, "bews_status_http")
}
