package broker

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

const (
	NatsHeaderReplyTo       = "X-Reply-To"
	NatsHeaderCorrelationID = "X-Correlation-Id"

	natsDefaultDialTimeout = 2 * time.Second
)

var _ Dialer = (*NatsDialer)(nil)

// NatsDialer opens NATS sessions. Queues are NATS queue groups, a binding subscribes
// the queue to the "<exchange>.<routingKey>" subject besides the queue's own name.
type NatsDialer struct {
	Log     logr.Logger
	Options []nats.Option
}

func (d *NatsDialer) Dial(ctx context.Context, params Params) (Connection, error) {
	timeout := natsDefaultDialTimeout
	if deadline, has := ctx.Deadline(); has {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, errors.WithMessage(ErrConnect, context.DeadlineExceeded.Error())
	}
	natsURL := "nats://" + net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	log := d.Log.WithValues("url", natsURL, "name", params.Name)

	opts := append([]nats.Option{
		nats.Name(params.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error(err, "nats.Conn disconnected")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.V(1).Info("nats.Conn closed")
		}),
	}, d.Options...)
	if params.User != "" {
		opts = append(opts, nats.UserInfo(params.User, params.Password))
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, errors.WithDetails(errors.WithMessage(ErrConnect, err.Error()), "url", natsURL)
	}
	log.V(1).Info("nats.Connect")

	return &NatsConnection{
		conn:     conn,
		bindings: map[string]map[string]struct{}{},
		log:      log,
	}, nil
}

var _ Connection = (*NatsConnection)(nil)

type NatsConnection struct {
	conn *nats.Conn
	log  logr.Logger

	mu       sync.Mutex
	bindings map[string]map[string]struct{}
}

func (c *NatsConnection) DeclareTopology(_ context.Context, topology Topology) error {
	if topology.Queue == "" || strings.ContainsAny(topology.Queue, " \t\r\n.*>") {
		return errors.WithDetails(errors.WithMessage(ErrTopology, "invalid queue name"), "queue", topology.Queue)
	}
	if c.conn.IsClosed() {
		return errors.WithMessage(ErrTopology, ErrConnectionClosed.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	subjects, has := c.bindings[topology.Queue]
	if !has {
		subjects = map[string]struct{}{}
		c.bindings[topology.Queue] = subjects
	}
	if topology.Exchange != DefaultExchange && topology.RoutingKey != "" {
		subjects[natsSubject(topology.Exchange, topology.RoutingKey)] = struct{}{}
	}

	return nil
}

// Bindings returns the subjects routed to the queue, besides its own name.
func (c *NatsConnection) Bindings(queue string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects := make([]string, 0, len(c.bindings[queue]))
	for subject := range c.bindings[queue] {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	return subjects
}

func (c *NatsConnection) Publish(_ context.Context, publishing Publishing) error {
	subject := natsSubject(publishing.Exchange, publishing.RoutingKey)
	msg := nats.NewMsg(subject)
	msg.Data = publishing.Body
	for key, value := range publishing.Headers {
		msg.Header.Set(key, value)
	}
	if publishing.ReplyTo != "" {
		msg.Header.Set(NatsHeaderReplyTo, publishing.ReplyTo)
	}
	if publishing.CorrelationID != "" {
		msg.Header.Set(NatsHeaderCorrelationID, publishing.CorrelationID)
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return errors.WithDetails(errors.WithMessage(ErrPublish, err.Error()), "subject", subject)
	}
	c.log.V(2).Info("nats.Conn.PublishMsg", "subject", subject, "correlationID", publishing.CorrelationID)

	return nil
}

// Consume subscribes the handler to every subject bound to the queue.
// Core NATS has no redelivery: Ack and Reject only settle the delivery locally.
func (c *NatsConnection) Consume(queue string, _ bool, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bound, has := c.bindings[queue]
	if !has {
		return nil, errors.WithDetails(ErrUnknownQueue, "queue", queue)
	}
	subjects := []string{queue}
	for subject := range bound {
		subjects = append(subjects, subject)
	}

	sub := &natsSubscription{}
	for _, subject := range subjects {
		s, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
			d := NewDelivery(msg.Data,
				msg.Header.Get(NatsHeaderReplyTo),
				msg.Header.Get(NatsHeaderCorrelationID),
				nil, nil,
			)
			d.Headers = natsHeaders(msg.Header)
			handler(d)
		})
		if err != nil {
			sub.Unsubscribe() //nolint:errcheck,gosec // best effort
			return nil, errors.WithDetails(errors.WithMessage(ErrConsume, err.Error()), "subject", subject)
		}
		sub.subs = append(sub.subs, s)
	}
	if err := c.conn.Flush(); err != nil {
		sub.Unsubscribe() //nolint:errcheck,gosec // best effort
		return nil, errors.WithDetails(errors.WithMessage(ErrConsume, err.Error()), "queue", queue)
	}
	c.log.V(1).Info("nats.Conn.QueueSubscribe", "queue", queue, "subjects", subjects)

	return sub, nil
}

func (c *NatsConnection) IsOpen() bool {
	return c.conn.IsConnected()
}

func (c *NatsConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	c.conn.Close()

	return nil
}

func natsHeaders(header nats.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for key := range header {
		if key != NatsHeaderReplyTo && key != NatsHeaderCorrelationID {
			headers[key] = header.Get(key)
		}
	}

	return headers
}

type natsSubscription struct {
	subs []*nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Combine(errs...)
}

func natsSubject(exchange, routingKey string) string {
	if exchange == DefaultExchange {
		return routingKey
	}

	return exchange + "." + routingKey
}
