// Package client is the requester side: a connection state machine driven by a single worker
// goroutine. Public methods only enqueue commands; every state change happens on the worker.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	metric_api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/middleware"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultEventBuffer  = 64

	commandBuffer = 64
	inboundBuffer = 64
	maxCancelled  = 256
)

type Options struct {
	// TickInterval is the period of heartbeat, timeout and queue checks.
	TickInterval time.Duration
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	Now         func() time.Time
	NewID       func() string
	// Tracer starts one span per sent request. Default is the global tracer provider.
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("bews-client", trace.WithInstrumentationVersion(tracing.SemVersion()))
	}

	return o
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdSend
	cmdCancel
	cmdReload
)

type command struct {
	kind      commandKind
	requestID string
	payload   string
	delay     time.Duration
}

type inbound struct {
	generation uint64
	delivery   *broker.Delivery
}

type connectResult struct {
	generation uint64
	conn       broker.Connection
	sub        broker.Subscription
	err        error
}

type queuedRequest struct {
	requestID string
	payload   string
	delay     time.Duration
}

// Client is the connection state machine of one requester.
type Client struct {
	provider config.Provider
	dialer   broker.Dialer
	log      logr.Logger
	opts     Options
	events   chan Event
	counter  metric_api.Int64Counter

	commands       chan command
	inbound        chan inbound
	connectResults chan connectResult
	done           chan struct{}
	runOnce        sync.Once
	kind           atomic.Int32

	// Fields below are owned by the worker.
	st            state
	settings      config.Settings
	conn          broker.Connection
	sub           broker.Subscription
	generation    uint64
	heartbeat     *HeartbeatTracker
	queue         []queuedRequest
	cancelled     map[string]struct{}
	connectCancel context.CancelFunc
}

func New(provider config.Provider, dialer broker.Dialer, log logr.Logger, opts Options) *Client {
	opts = opts.withDefaults()
	middleware.GetMeter(log)
	counter, err := middleware.Counter("bews_client_events",
		metric_api.WithDescription("Client state machine notifications"))
	if err != nil {
		log.Error(err, "unable to instantiate counter")
	}

	return &Client{
		provider:       provider,
		dialer:         dialer,
		log:            log,
		opts:           opts,
		events:         make(chan Event, opts.EventBuffer),
		counter:        counter,
		commands:       make(chan command, commandBuffer),
		inbound:        make(chan inbound, inboundBuffer),
		connectResults: make(chan connectResult, 1),
		done:           make(chan struct{}),
		st:             disconnected(),
		cancelled:      map[string]struct{}{},
	}
}

// Events returns the notifications of the client. It must be drained by the caller.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the last state set by the worker.
func (c *Client) State() StateKind {
	return StateKind(c.kind.Load())
}

func (c *Client) Connect() error {
	return c.enqueue(command{kind: cmdConnect})
}

func (c *Client) Disconnect() error {
	return c.enqueue(command{kind: cmdDisconnect})
}

// SendRequest asks the responder to double payload, after delay on its side.
// The returned id correlates the EventResponse or EventError of the request.
func (c *Client) SendRequest(payload string, delay time.Duration) (string, error) {
	requestID := c.opts.NewID()

	return requestID, c.enqueue(command{kind: cmdSend, requestID: requestID, payload: payload, delay: delay})
}

// Cancel drops the pending request locally. A late response is discarded.
func (c *Client) Cancel() error {
	return c.enqueue(command{kind: cmdCancel})
}

// ReloadAndReconnect re-reads the settings and reconnects if the connection settings changed.
func (c *Client) ReloadAndReconnect() error {
	return c.enqueue(command{kind: cmdReload})
}

func (c *Client) enqueue(cmd command) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Run is the worker loop. It returns when ctx is cancelled, closing the connection.
func (c *Client) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return ErrStopped
	}
	defer close(c.done)
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	c.log.Info("Client start")

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			c.log.Info("Client exit")

			return nil
		case cmd := <-c.commands:
			c.handle(ctx, cmd)
		case in := <-c.inbound:
			c.onDelivery(ctx, in)
		case res := <-c.connectResults:
			c.onConnectResult(ctx, res)
		case <-ticker.C:
			c.tick(ctx, c.opts.Now())
		}
	}
}

func (c *Client) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdConnect:
		c.connect(ctx)
	case cmdDisconnect:
		c.disconnect(ctx)
	case cmdSend:
		c.sendRequest(ctx, queuedRequest{requestID: cmd.requestID, payload: cmd.payload, delay: cmd.delay})
	case cmdCancel:
		c.cancel(ctx)
	case cmdReload:
		c.reloadAndReconnect(ctx)
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	if c.counter != nil {
		c.counter.Add(ctx, 1, metric_api.WithAttributes(attribute.String(middleware.MetrAttrEvent, ev.Kind.String())))
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
		c.log.V(1).Info("Event dropped on exit", "event", ev.String())
	}
}

func (c *Client) transition(ctx context.Context, next state) {
	from := c.st.kind
	c.st = next
	c.kind.Store(int32(next.kind))
	if from == next.kind {
		return
	}
	c.log.V(1).Info("State changed", "from", from.String(), logger.KeyState, next.kind.String())
	c.emit(ctx, Event{Kind: EventStateChanged, From: from, To: next.kind})
}

// deliver hands a message from the transport goroutine over to the worker.
func (c *Client) deliver(generation uint64) broker.Handler {
	return func(d *broker.Delivery) {
		if err := d.Ack(); err != nil {
			c.log.Error(err, "unable to ack response")
		}
		select {
		case c.inbound <- inbound{generation: generation, delivery: d}:
		case <-c.done:
		}
	}
}
