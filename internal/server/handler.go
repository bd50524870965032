// Package server is the responder: it doubles the numbers sent by the clients.
package server

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/envelope"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

var ErrDelayInterrupted = errors.NewPlain("delay interrupted")

// Publisher sends the responses.
type Publisher interface {
	Publish(ctx context.Context, publishing broker.Publishing) error
}

// Handler answers one request. It holds no state between messages, so it can run concurrently.
type Handler struct {
	publisher Publisher
}

func NewHandler(publisher Publisher) *Handler {
	return &Handler{publisher: publisher}
}

// Handle settles d in every case: ack after the response is published, reject without requeue otherwise.
func (h *Handler) Handle(ctx context.Context, d *broker.Delivery) error {
	log := logr.FromContextOrDiscard(ctx)

	req, err := envelope.DecodeRequest(d.Body)
	if err == nil && req.ReturnAddress == "" {
		err = errors.WithDetails(envelope.ErrDecoding, "reason", "empty return address", "requestID", req.RequestID)
	}
	if err != nil {
		reject(log, d)

		return errors.WrapIf(err, "poison message")
	}
	log = log.WithValues(logger.KeyRequestID, req.RequestID, logger.KeyPayload, req.Payload)

	payload := envelope.PongPayload
	if !req.IsPing() {
		if delay := req.Delay(); delay > 0 {
			log.V(1).Info("Delaying", "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				reject(log, d)

				return errors.WithMessage(ErrDelayInterrupted, ctx.Err().Error())
			}
		}
		payload = Double(req.Payload)
	}

	body, err := envelope.EncodeResponse(envelope.Response{RequestID: req.RequestID, Payload: payload})
	if err == nil {
		err = h.publisher.Publish(ctx, broker.Publishing{
			Exchange:      broker.DefaultExchange,
			RoutingKey:    req.ReturnAddress,
			Body:          body,
			CorrelationID: req.RequestID,
			Headers:       tracing.InjectHeaders(ctx),
		})
	}
	if err != nil {
		reject(log, d)

		return errors.WrapIfWithDetails(err, "respond", "returnAddress", req.ReturnAddress)
	}
	if err := d.Ack(); err != nil {
		log.Error(err, "unable to ack request")
	}
	log.V(1).Info("Responded", "response", payload)

	return nil
}

func reject(log logr.Logger, d *broker.Delivery) {
	if err := d.Reject(); err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		log.Error(err, "unable to reject request")
	}
}

// Double returns twice the number in payload. Integers keep full precision, decimals are
// formatted in the shortest form. A payload which is not a number gives the invalid-input payload.
func Double(payload string) string {
	s := strings.TrimSpace(payload)
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n.Lsh(n, 1).String()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || math.IsInf(2*f, 0) {
		return envelope.InvalidInputPayload
	}

	return strconv.FormatFloat(2*f, 'f', -1, 64)
}
