// Package broker is the message broker transport consumed by the client and the responder.
// Topology follows AMQP terms: a direct exchange routes by routing key to bound queues,
// and the default exchange ("") routes to the queue named by the routing key.
package broker

import (
	"context"
	"sync/atomic"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
)

// DefaultExchange routes a message to the queue named by its routing key.
const DefaultExchange = ""

var (
	ErrConnect          = errors.NewPlain("broker connect")
	ErrTopology         = errors.NewPlain("broker topology")
	ErrPublish          = errors.NewPlain("broker publish")
	ErrConsume          = errors.NewPlain("broker consume")
	ErrConnectionClosed = errors.NewPlain("broker connection closed")
	ErrAlreadySettled   = errors.NewPlain("delivery already settled")
	ErrUnknownQueue     = errors.NewPlain("queue not declared")
)

// Params are the connection parameters of one broker session.
type Params struct {
	Host     string
	Port     int
	User     string
	Password string
	// Name identifies the connection on the broker side.
	Name string
}

// Topology is an exchange, a queue and the binding between them.
// An empty Exchange declares the queue only.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

type Publishing struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	ReplyTo       string
	CorrelationID string
	// Headers carries the trace context.
	Headers map[string]string
}

// Handler is called once per inbound message. It must settle the delivery.
type Handler func(d *Delivery)

type Subscription interface {
	Unsubscribe() error
}

type Dialer interface {
	// Dial opens a session. The deadline of ctx bounds the attempt.
	Dial(ctx context.Context, params Params) (Connection, error)
}

type Connection interface {
	// DeclareTopology is idempotent and safe to call on every (re)connect.
	DeclareTopology(ctx context.Context, topology Topology) error
	Publish(ctx context.Context, publishing Publishing) error
	Consume(queue string, autoAck bool, handler Handler) (Subscription, error)
	IsOpen() bool
	Close() error
}

// Delivery is one inbound message. Exactly one of Ack or Reject takes effect.
type Delivery struct {
	Body          []byte
	ReplyTo       string
	CorrelationID string
	Headers       map[string]string

	settled atomic.Bool
	ack     func() error
	reject  func() error
}

// NewDelivery builds a Delivery. Nil settle functions are no-ops (auto-acked transports).
func NewDelivery(body []byte, replyTo, correlationID string, ack, reject func() error) *Delivery {
	return &Delivery{
		Body:          body,
		ReplyTo:       replyTo,
		CorrelationID: correlationID,
		ack:           ack,
		reject:        reject,
	}
}

// Ack confirms the message was processed.
func (d *Delivery) Ack() error {
	return d.settle(d.ack)
}

// Reject discards the message without requeue.
func (d *Delivery) Reject() error {
	return d.settle(d.reject)
}

// Settled reports whether Ack or Reject was called.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

func (d *Delivery) settle(fn func() error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if fn == nil {
		return nil
	}

	return fn()
}

const (
	KindNats = "nats"
	KindAmqp = "amqp"
)

var ErrUnknownBroker = errors.NewPlain("unknown broker kind")

// NewDialer returns the Dialer of the broker kind.
func NewDialer(kind string, log logr.Logger) (Dialer, error) {
	switch kind {
	case KindNats, "":
		return &NatsDialer{Log: log}, nil
	case KindAmqp:
		return &AmqpDialer{Log: log}, nil
	}

	return nil, errors.WithDetails(ErrUnknownBroker, "kind", kind)
}
