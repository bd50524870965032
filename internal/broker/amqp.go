package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDefaultDialTimeout = 2 * time.Second
	amqpContentType        = "application/x-protobuf"
)

var _ Dialer = (*AmqpDialer)(nil)

// AmqpDialer opens RabbitMQ sessions: one connection and one channel per session.
type AmqpDialer struct {
	Log   logr.Logger
	Vhost string
}

func (d *AmqpDialer) Dial(ctx context.Context, params Params) (Connection, error) {
	timeout := amqpDefaultDialTimeout
	if deadline, has := ctx.Deadline(); has {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, errors.WithMessage(ErrConnect, context.DeadlineExceeded.Error())
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     params.Host,
		Port:     params.Port,
		Username: params.User,
		Password: params.Password,
		Vhost:    d.Vhost,
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	log := d.Log.WithValues("host", params.Host, "port", params.Port, "name", params.Name)

	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{"connection_name": params.Name},
	})
	if err != nil {
		return nil, errors.WithDetails(errors.WithMessage(ErrConnect, err.Error()), "host", params.Host, "port", params.Port)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // best effort

		return nil, errors.WithMessage(ErrConnect, err.Error())
	}
	log.V(1).Info("amqp.DialConfig")

	return &AmqpConnection{conn: conn, ch: ch, log: log}, nil
}

var _ Connection = (*AmqpConnection)(nil)

type AmqpConnection struct {
	conn *amqp.Connection
	log  logr.Logger
	// consumerLost is set when the broker stopped a consumer that was not cancelled by us.
	consumerLost atomic.Bool

	mu sync.Mutex
	ch *amqp.Channel
}

func (c *AmqpConnection) DeclareTopology(_ context.Context, topology Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if topology.Exchange != DefaultExchange {
		if err := c.ch.ExchangeDeclare(topology.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return errors.WithDetails(errors.WithMessage(ErrTopology, err.Error()), "exchange", topology.Exchange)
		}
	}
	if _, err := c.ch.QueueDeclare(topology.Queue, topology.Durable, topology.AutoDelete, topology.Exclusive, false, nil); err != nil {
		return errors.WithDetails(errors.WithMessage(ErrTopology, err.Error()), "queue", topology.Queue)
	}
	if topology.Exchange != DefaultExchange && topology.RoutingKey != "" {
		if err := c.ch.QueueBind(topology.Queue, topology.RoutingKey, topology.Exchange, false, nil); err != nil {
			return errors.WithDetails(errors.WithMessage(ErrTopology, err.Error()),
				"queue", topology.Queue, "exchange", topology.Exchange, "routingKey", topology.RoutingKey)
		}
	}

	return nil
}

func (c *AmqpConnection) Publish(ctx context.Context, publishing Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(ctx, publishing.Exchange, publishing.RoutingKey, false, false, amqp.Publishing{
		ContentType:   amqpContentType,
		ReplyTo:       publishing.ReplyTo,
		CorrelationId: publishing.CorrelationID,
		Headers:       amqpTable(publishing.Headers),
		Body:          publishing.Body,
	}); err != nil {
		return errors.WithDetails(errors.WithMessage(ErrPublish, err.Error()),
			"exchange", publishing.Exchange, "routingKey", publishing.RoutingKey)
	}

	return nil
}

func (c *AmqpConnection) Consume(queue string, autoAck bool, handler Handler) (Subscription, error) {
	tag := "bews-" + uuid.NewString()

	c.mu.Lock()
	deliveries, err := c.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return nil, errors.WithDetails(errors.WithMessage(ErrConsume, err.Error()), "queue", queue)
	}

	sub := &amqpSubscription{conn: c, tag: tag}
	go c.forward(queue, sub, deliveries, autoAck, handler)

	return sub, nil
}

// forward hands the deliveries to handler until the channel is closed.
func (c *AmqpConnection) forward(queue string, sub *amqpSubscription, deliveries <-chan amqp.Delivery, autoAck bool, handler Handler) {
	for d := range deliveries {
		d := d
		ack, reject := func() error { return d.Ack(false) }, func() error { return d.Reject(false) }
		if autoAck {
			ack, reject = nil, nil
		}
		delivery := NewDelivery(d.Body, d.ReplyTo, d.CorrelationId, ack, reject)
		delivery.Headers = amqpHeaders(d.Headers)
		handler(delivery)
	}
	if sub.cancelled.Load() {
		c.log.V(1).Info("amqp consumer stopped", "queue", queue, "consumerTag", sub.tag)

		return
	}
	c.consumerLost.Store(true)
	c.log.Error(ErrConnectionClosed, "amqp consumer closed by the broker", "queue", queue, "consumerTag", sub.tag)
}

// IsOpen is false after the connection or the channel was closed, or a consumer was lost.
func (c *AmqpConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.conn.IsClosed() && !c.ch.IsClosed() && !c.consumerLost.Load()
}

func (c *AmqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close() //nolint:wrapcheck // closing
}

type amqpSubscription struct {
	conn      *AmqpConnection
	tag       string
	cancelled atomic.Bool
}

func (s *amqpSubscription) Unsubscribe() error {
	s.cancelled.Store(true)
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	return s.conn.ch.Cancel(s.tag, false) //nolint:wrapcheck // best effort
}

func amqpTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}

	return table
}

func amqpHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for key, value := range table {
		if s, is := value.(string); is {
			headers[key] = s
		}
	}

	return headers
}
