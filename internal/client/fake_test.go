package client

import (
	"context"
	"strconv"
	"sync"

	"emperror.dev/errors"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/envelope"
)

type mutableProvider struct {
	mu       sync.Mutex
	settings config.Settings
}

func (p *mutableProvider) Settings() (config.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.settings.WithDefaults(), nil
}

func (p *mutableProvider) update(fn func(s *config.Settings)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.settings)
}

type fakeDialer struct {
	mu          sync.Mutex
	failAlways  bool
	autoRespond bool
	dials       []broker.Params
	conns       []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, params broker.Params) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, params)
	if d.failAlways {
		return nil, errors.WithMessage(broker.ErrConnect, "connection refused")
	}
	conn := &fakeConn{open: true, autoRespond: d.autoRespond, handlers: map[string]broker.Handler{}}
	d.conns = append(d.conns, conn)

	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dials)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	mu          sync.Mutex
	open        bool
	autoRespond bool
	publishErr  error
	topologies  []broker.Topology
	published   []broker.Publishing
	handlers    map[string]broker.Handler
}

func (c *fakeConn) DeclareTopology(_ context.Context, topology broker.Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topologies = append(c.topologies, topology)

	return nil
}

func (c *fakeConn) Publish(_ context.Context, publishing broker.Publishing) error {
	c.mu.Lock()
	if c.publishErr != nil {
		c.mu.Unlock()

		return c.publishErr
	}
	c.published = append(c.published, publishing)
	autoRespond := c.autoRespond
	c.mu.Unlock()

	if autoRespond {
		go c.respond(publishing)
	}

	return nil
}

func (c *fakeConn) respond(publishing broker.Publishing) {
	req, err := envelope.DecodeRequest(publishing.Body)
	if err != nil {
		return
	}
	payload := envelope.PongPayload
	if !req.IsPing() {
		n, err := strconv.Atoi(req.Payload)
		if err != nil {
			payload = envelope.InvalidInputPayload
		} else {
			payload = strconv.Itoa(2 * n)
		}
	}
	c.deliver(req.ReturnAddress, envelope.Response{RequestID: req.RequestID, Payload: payload})
}

func (c *fakeConn) Consume(queue string, _ bool, handler broker.Handler) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[queue] = handler

	return fakeSubscription{}, nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false

	return nil
}

func (c *fakeConn) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *fakeConn) setPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *fakeConn) deliver(queue string, resp envelope.Response) {
	body, err := envelope.EncodeResponse(resp)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	handler := c.handlers[queue]
	c.mu.Unlock()
	handler(broker.NewDelivery(body, "", resp.RequestID, nil, nil))
}

// requests returns the non-heartbeat requests published so far.
func (c *fakeConn) requests() []envelope.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var reqs []envelope.Request
	for _, p := range c.published {
		req, err := envelope.DecodeRequest(p.Body)
		if err == nil && !req.IsPing() {
			reqs = append(reqs, req)
		}
	}

	return reqs
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, p := range c.published {
		if req, err := envelope.DecodeRequest(p.Body); err == nil && req.IsPing() {
			count++
		}
	}

	return count
}

type fakeSubscription struct{}

func (fakeSubscription) Unsubscribe() error { return nil }
