package client

import (
	"context"
	"time"

	"emperror.dev/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/envelope"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

func (c *Client) connect(ctx context.Context) {
	switch c.st.kind {
	case StateDisconnected:
		c.startConnect(ctx, nil)
	case StateConnecting:
		c.log.Info("Client is already attempting to connect")
	case StateConnected, StatePendingResponse:
		c.log.Info("Client is already connected")
	case StateErrorSend:
		c.log.Info("Reconnecting after send error")
		c.closeConnection()
		c.startConnect(ctx, nil)
	case StateError:
		if c.conn != nil && c.conn.IsOpen() {
			c.log.Info("Transport still open, resuming")
			c.transition(ctx, connected())

			return
		}
		c.log.Info("Reconnecting after error")
		c.closeConnection()
		c.startConnect(ctx, nil)
	}
}

func (c *Client) disconnect(ctx context.Context) {
	switch c.st.kind {
	case StateDisconnected:
		c.log.Info("Client is already disconnected")

		return
	case StatePendingResponse:
		c.failPending(ctx, ErrDisconnected)
	}
	c.log.Info("Disconnecting")
	c.closeConnection()
	c.transition(ctx, disconnected())
}

func (c *Client) sendRequest(ctx context.Context, req queuedRequest) {
	if req.payload == envelope.PingPayload {
		c.reject(ctx, req, ErrReservedPayload)

		return
	}

	switch c.st.kind {
	case StateDisconnected:
		c.enqueueOrReject(ctx, req, ErrDisconnected)
	case StateConnecting:
		c.enqueueOrReject(ctx, req, ErrConnecting)
	case StateConnected:
		if len(c.queue) > 0 {
			c.enqueueRequest(ctx, req, c.settings.QueueBound)

			return
		}
		c.publish(ctx, req)
	case StatePendingResponse:
		c.reject(ctx, req, ErrPendingResponse)
	case StateErrorSend, StateError:
		c.reject(ctx, req, ErrErrorState)
	}
}

func (c *Client) onResponse(ctx context.Context, resp envelope.Response) {
	log := c.log.WithValues(logger.KeyRequestID, resp.RequestID, logger.KeyState, c.st.kind.String())

	if c.st.kind == StatePendingResponse && resp.RequestID == c.st.pending.RequestID {
		log.Info("Received response", logger.KeyPayload, resp.Payload)
		c.transition(ctx, connected())
		c.emit(ctx, Event{Kind: EventResponse, RequestID: resp.RequestID, Payload: resp.Payload})

		return
	}
	if _, was := c.cancelled[resp.RequestID]; was {
		delete(c.cancelled, resp.RequestID)
		log.Info("Late response discarded")

		return
	}

	switch c.st.kind {
	case StatePendingResponse:
		log.Error(ErrPendingResponse, "Response does not match the pending request", "pendingID", c.st.pending.RequestID)
	case StateConnected:
		log.Info("Unexpected response")
	default:
		log.Error(errors.NewPlain("unexpected response"), "Cannot receive response")
	}
}

func (c *Client) onError(ctx context.Context, err error) {
	log := c.log.WithValues(logger.KeyState, c.st.kind.String())

	switch c.st.kind {
	case StateDisconnected, StateConnecting:
		log.Error(err, "Error ignored")
	case StatePendingResponse:
		c.failPending(ctx, err)
		fallthrough
	case StateConnected, StateErrorSend:
		log.Error(err, "Client error")
		c.transition(ctx, failed(err))
		c.emit(ctx, Event{Kind: EventError, Err: err})
	case StateError:
		log.Error(err, "Already in error state")
		c.st.err = err
	}
}

func (c *Client) cancel(ctx context.Context) {
	if c.st.kind != StatePendingResponse {
		c.log.Info("No pending request to cancel", logger.KeyState, c.st.kind.String())

		return
	}
	requestID := c.st.pending.RequestID
	c.rememberCancelled(requestID)
	c.log.Info("Pending request cancelled", logger.KeyRequestID, requestID)
	c.transition(ctx, connected())
}

func (c *Client) onDelivery(ctx context.Context, in inbound) {
	if in.generation != c.generation {
		c.log.V(1).Info("Message of a previous connection dropped")

		return
	}
	resp, err := envelope.DecodeResponse(in.delivery.Body)
	if err != nil {
		c.log.Error(err, "Malformed response dropped", "correlationID", in.delivery.CorrelationID)

		return
	}
	if resp.IsPong() {
		c.onPong(ctx)

		return
	}
	c.onResponse(ctx, resp)
}

func (c *Client) onPong(ctx context.Context) {
	if c.heartbeat == nil || !c.heartbeat.Pong(c.opts.Now()) {
		return
	}
	c.log.Info("Server ready")
	c.emit(ctx, Event{Kind: EventServerReady})
	if c.st.kind == StateError && errors.Is(c.st.err, ErrServerUnavailable) && c.conn != nil && c.conn.IsOpen() {
		c.transition(ctx, connected())
	}
}

// tick runs the periodic checks: heartbeat, liveness, connection, response timeout, queue.
func (c *Client) tick(ctx context.Context, now time.Time) {
	if c.heartbeat != nil && c.conn != nil && c.heartbeatState() && c.heartbeat.Due(now) {
		c.sendHeartbeat(ctx, now)
	}
	if c.heartbeat != nil && c.heartbeat.Expired(now) {
		c.log.Error(ErrServerUnavailable, "No PONG received", "lastPong", c.heartbeat.LastPongAt)
		c.emit(ctx, Event{Kind: EventServerUnavailable})
		c.onError(ctx, ErrServerUnavailable)
	}
	if c.conn != nil && !c.conn.IsOpen() {
		c.closeConnection()
		c.onError(ctx, ErrConnectionLost)
	}
	if c.st.kind == StatePendingResponse && now.After(c.st.pending.Deadline) {
		requestID := c.st.pending.RequestID
		c.rememberCancelled(requestID)
		c.log.Error(ErrResponseTimeout, "No response received", logger.KeyRequestID, requestID)
		c.transition(ctx, connected())
		c.emit(ctx, Event{Kind: EventError, RequestID: requestID, Err: ErrResponseTimeout})
	}
	if c.st.kind == StateConnected && len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		c.publish(ctx, req)
	}
}

func (c *Client) heartbeatState() bool {
	switch c.st.kind {
	case StateConnected, StatePendingResponse, StateError:
		return true
	}

	return false
}

// pingRequest builds the liveness probe. It travels on the request channel like any request.
func pingRequest(returnAddress, requestID string) envelope.Request {
	return envelope.Request{ReturnAddress: returnAddress, RequestID: requestID, Payload: envelope.PingPayload}
}

func (c *Client) sendHeartbeat(ctx context.Context, now time.Time) {
	c.heartbeat.Sent(now)
	body, err := envelope.EncodeRequest(pingRequest(c.settings.ClientIdentity, c.opts.NewID()))
	if err != nil {
		c.log.Error(err, "unable to encode PING")

		return
	}
	if err := c.conn.Publish(ctx, c.publishing(body, "")); err != nil {
		c.onError(ctx, errors.WrapIf(err, "heartbeat"))
	}
}

func (c *Client) publish(ctx context.Context, req queuedRequest) {
	log := c.log.WithValues(logger.KeyRequestID, req.requestID, logger.KeyPayload, req.payload, "delay", req.delay)
	body, err := envelope.EncodeRequest(envelope.Request{
		ReturnAddress:       c.settings.ClientIdentity,
		RequestID:           req.requestID,
		Payload:             req.payload,
		ProcessDelaySeconds: envelope.DelaySeconds(req.delay),
	})
	if err != nil {
		c.reject(ctx, req, err)

		return
	}
	ctx, span := c.opts.Tracer.Start(ctx, "send request",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(tracing.SpanKeyRequestID, req.requestID),
			attribute.String(tracing.SpanKeyQueue, c.settings.ClientIdentity),
		),
	)
	defer span.End()
	publishing := c.publishing(body, req.requestID)
	publishing.Headers = tracing.InjectHeaders(ctx)
	if err := c.conn.Publish(ctx, publishing); err != nil {
		err = errors.WrapIf(errors.WithMessage(ErrSendFailed, err.Error()), "publish")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(err, "Error sending request")
		c.transition(ctx, errorSend(err))
		c.emit(ctx, Event{Kind: EventError, RequestID: req.requestID, Err: err})

		return
	}
	now := c.opts.Now()
	log.Info("Sent request")
	c.transition(ctx, pendingResponse(&PendingRequest{
		RequestID: req.requestID,
		Payload:   req.payload,
		SentAt:    now,
		Deadline:  now.Add(c.settings.TimeoutResponse()),
	}))
}

func (c *Client) publishing(body []byte, correlationID string) broker.Publishing {
	return broker.Publishing{
		Exchange:      c.settings.Exchange,
		RoutingKey:    c.settings.Exchange,
		Body:          body,
		ReplyTo:       c.settings.ClientIdentity,
		CorrelationID: correlationID,
	}
}

func (c *Client) enqueueOrReject(ctx context.Context, req queuedRequest, cause error) {
	settings := c.settings
	if settings.RequestPolicy == "" {
		if s, err := c.provider.Settings(); err == nil {
			settings = s
		}
	}
	if settings.RequestPolicy != config.PolicyQueue {
		c.reject(ctx, req, cause)

		return
	}
	c.enqueueRequest(ctx, req, settings.QueueBound)
}

// enqueueRequest keeps the order of requests accepted before the connection came up.
func (c *Client) enqueueRequest(ctx context.Context, req queuedRequest, bound int) {
	if len(c.queue) >= bound {
		c.reject(ctx, req, ErrQueueFull)

		return
	}
	c.queue = append(c.queue, req)
	c.log.V(1).Info("Request queued", logger.KeyRequestID, req.requestID, "queued", len(c.queue))
}

func (c *Client) reject(ctx context.Context, req queuedRequest, err error) {
	c.log.Error(err, "Request rejected", logger.KeyRequestID, req.requestID, logger.KeyState, c.st.kind.String())
	c.emit(ctx, Event{Kind: EventError, RequestID: req.requestID, Err: err})
}

// failPending notifies the caller that the pending request will not be answered.
func (c *Client) failPending(ctx context.Context, err error) {
	requestID := c.st.pending.RequestID
	c.rememberCancelled(requestID)
	c.emit(ctx, Event{Kind: EventError, RequestID: requestID, Err: err})
}

func (c *Client) rememberCancelled(requestID string) {
	if len(c.cancelled) >= maxCancelled {
		c.cancelled = map[string]struct{}{}
	}
	c.cancelled[requestID] = struct{}{}
}
