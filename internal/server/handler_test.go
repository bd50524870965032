package server

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/envelope"
	"github.com/pgillich/bews-doubler/internal/logger"
)

func TestDouble(t *testing.T) {
	for payload, expected := range map[string]string{
		"21":                             "42",
		"-4":                             "-8",
		" 7 ":                            "14",
		"0":                              "0",
		"123456789012345678901234567890": "246913578024691357802469135780",
		"2.0":                            "4",
		"1.25":                           "2.5",
		"abc":                            envelope.InvalidInputPayload,
		"":                               envelope.InvalidInputPayload,
		"NaN":                            envelope.InvalidInputPayload,
		"Inf":                            envelope.InvalidInputPayload,
		"1e308":                          envelope.InvalidInputPayload,
	} {
		assert.Equal(t, expected, Double(payload), payload)
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []broker.Publishing
}

func (p *fakePublisher) Publish(_ context.Context, publishing broker.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishing)

	return nil
}

func (p *fakePublisher) responses() []envelope.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	resps := make([]envelope.Response, 0, len(p.published))
	for _, publishing := range p.published {
		resp, err := envelope.DecodeResponse(publishing.Body)
		if err == nil {
			resps = append(resps, resp)
		}
	}

	return resps
}

type settleCounter struct {
	acks    atomic.Int32
	rejects atomic.Int32
}

func (c *settleCounter) delivery(body []byte) *broker.Delivery {
	return broker.NewDelivery(body, "", "",
		func() error { c.acks.Add(1); return nil },
		func() error { c.rejects.Add(1); return nil },
	)
}

type HandlerTestSuite struct {
	suite.Suite
	ctx       context.Context
	publisher *fakePublisher
	handler   *Handler
	settled   *settleCounter
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.ctx = logr.NewContext(context.Background(), logger.GetLogger("handler_test"))
	s.publisher = &fakePublisher{}
	s.handler = NewHandler(s.publisher)
	s.settled = &settleCounter{}
}

func (s *HandlerTestSuite) request(req envelope.Request) *broker.Delivery {
	body, err := envelope.EncodeRequest(req)
	s.Require().NoError(err)

	return s.settled.delivery(body)
}

func (s *HandlerTestSuite) TestExampleScenario() {
	for payload, expected := range map[string]string{
		"21":                 "42",
		envelope.PingPayload: envelope.PongPayload,
		"abc":                envelope.InvalidInputPayload,
	} {
		s.publisher.published = nil
		s.Require().NoError(s.handler.Handle(s.ctx, s.request(envelope.Request{
			ReturnAddress: "client-1", RequestID: "id-" + payload, Payload: payload,
		})))
		s.Require().Len(s.publisher.published, 1)
		publishing := s.publisher.published[0]
		s.Equal(broker.DefaultExchange, publishing.Exchange)
		s.Equal("client-1", publishing.RoutingKey)
		s.Equal("id-"+payload, publishing.CorrelationID)
		s.Equal([]envelope.Response{{RequestID: "id-" + payload, Payload: expected}}, s.publisher.responses())
	}
	s.Equal(int32(3), s.settled.acks.Load())
	s.Equal(int32(0), s.settled.rejects.Load())
}

func (s *HandlerTestSuite) TestPingIgnoresDelay() {
	begin := time.Now()
	s.Require().NoError(s.handler.Handle(s.ctx, s.request(envelope.Request{
		ReturnAddress: "client-1", RequestID: "ping", Payload: envelope.PingPayload,
		ProcessDelaySeconds: envelope.DelaySeconds(time.Hour),
	})))
	s.Less(time.Since(begin), time.Second)
	s.Equal(envelope.PongPayload, s.publisher.responses()[0].Payload)
}

func (s *HandlerTestSuite) TestDelay() {
	begin := time.Now()
	s.Require().NoError(s.handler.Handle(s.ctx, s.request(envelope.Request{
		ReturnAddress: "client-1", RequestID: "slow", Payload: "5",
		ProcessDelaySeconds: envelope.DelaySeconds(200 * time.Millisecond),
	})))
	s.GreaterOrEqual(time.Since(begin), 200*time.Millisecond)
	s.Equal("10", s.publisher.responses()[0].Payload)
}

func (s *HandlerTestSuite) TestDelayInterrupted() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	err := s.handler.Handle(ctx, s.request(envelope.Request{
		ReturnAddress: "client-1", RequestID: "slow", Payload: "5",
		ProcessDelaySeconds: envelope.DelaySeconds(time.Hour),
	}))
	s.True(errors.Is(err, ErrDelayInterrupted))
	s.Empty(s.publisher.published)
	s.Equal(int32(1), s.settled.rejects.Load())
}

func (s *HandlerTestSuite) TestPoisonMessage() {
	err := s.handler.Handle(s.ctx, s.settled.delivery([]byte{0xff, 0xff, 0xff}))
	s.True(errors.Is(err, envelope.ErrDecoding))

	var noAddress []byte
	noAddress = protowire.AppendTag(noAddress, 1, protowire.BytesType)
	noAddress = protowire.AppendString(noAddress, "")
	noAddress = protowire.AppendTag(noAddress, 2, protowire.BytesType)
	noAddress = protowire.AppendString(noAddress, "x")
	noAddress = protowire.AppendTag(noAddress, 4, protowire.BytesType)
	noAddress = protowire.AppendString(noAddress, "1")
	err = s.handler.Handle(s.ctx, s.settled.delivery(noAddress))
	s.True(errors.Is(err, envelope.ErrDecoding))
	s.Equal(int32(2), s.settled.rejects.Load())
	s.Empty(s.publisher.published)

	s.Require().NoError(s.handler.Handle(s.ctx, s.request(envelope.Request{
		ReturnAddress: "client-1", RequestID: "next", Payload: "1",
	})))
	s.Equal("2", s.publisher.responses()[0].Payload)
}

func (s *HandlerTestSuite) TestPublishFailure() {
	s.publisher.err = errors.WithMessage(broker.ErrPublish, "closed")
	err := s.handler.Handle(s.ctx, s.request(envelope.Request{ReturnAddress: "client-1", RequestID: "x", Payload: "1"}))
	s.True(errors.Is(err, broker.ErrPublish))
	s.Equal(int32(1), s.settled.rejects.Load())
	s.Equal(int32(0), s.settled.acks.Load())
}

func TestHandlerWithoutContextLogger(t *testing.T) {
	publisher := &fakePublisher{}
	body, err := envelope.EncodeRequest(envelope.Request{ReturnAddress: "c", RequestID: "r", Payload: "3"})
	require.NoError(t, err)
	require.NoError(t, NewHandler(publisher).Handle(context.Background(), broker.NewDelivery(body, "", "", nil, nil)))
	assert.Equal(t, "6", publisher.responses()[0].Payload)
}
