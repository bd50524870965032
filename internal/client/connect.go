package client

import (
	"context"

	"emperror.dev/errors"

	"github.com/pgillich/bews-doubler/internal/broker"
	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/logger"
)

// startConnect enters Connecting and dials in the background. Nil settings are read from the provider.
func (c *Client) startConnect(ctx context.Context, settings *config.Settings) {
	if settings == nil {
		s, err := c.provider.Settings()
		if err != nil {
			err = errors.WithMessage(ErrConnectFailed, err.Error())
			c.log.Error(err, "unable to read settings")
			c.transition(ctx, failed(err))
			c.emit(ctx, Event{Kind: EventConnectionFailed, Err: err})

			return
		}
		settings = &s
	}
	c.settings = *settings
	c.heartbeat = NewHeartbeatTracker(settings.HeartbeatInterval())
	c.generation++
	generation := c.generation
	attemptCtx, cancel := context.WithTimeout(ctx, settings.TimeoutConnect())
	c.connectCancel = cancel
	c.transition(ctx, connecting())
	c.log.Info("Attempting to connect", "host", settings.Host, "port", settings.Port,
		"exchange", settings.Exchange, "clientIdentity", settings.ClientIdentity)

	go func(settings config.Settings) {
		defer cancel()
		res := c.establish(attemptCtx, settings, generation)
		select {
		case c.connectResults <- res:
		case <-c.done:
			if res.conn != nil {
				res.conn.Close() //nolint:errcheck,gosec // client stopped
			}
		}
	}(*settings)
}

// establish dials until the connect budget of ctx runs out,
// then declares the topology and subscribes to the reply queue.
func (c *Client) establish(ctx context.Context, settings config.Settings, generation uint64) connectResult {
	log := c.log.WithValues("host", settings.Host, "port", settings.Port)
	conn, err := broker.DialWithRetry(ctx, c.dialer, settings.Params(), settings.RetryBackoff(), log)
	if err != nil {
		return connectResult{generation: generation, err: errors.WithMessage(ErrConnectFailed, err.Error())}
	}

	if err := conn.DeclareTopology(ctx, broker.Topology{
		Exchange:  settings.Exchange,
		Queue:     settings.ClientIdentity,
		Durable:   true,
		Exclusive: true,
	}); err != nil {
		conn.Close() //nolint:errcheck,gosec // best effort

		return connectResult{generation: generation, err: errors.WithMessage(ErrConnectFailed, err.Error())}
	}
	sub, err := conn.Consume(settings.ClientIdentity, true, c.deliver(generation))
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // best effort

		return connectResult{generation: generation, err: errors.WithMessage(ErrConnectFailed, err.Error())}
	}
	log.Info("Connected", logger.KeyQueue, settings.ClientIdentity)

	return connectResult{generation: generation, conn: conn, sub: sub}
}

func (c *Client) onConnectResult(ctx context.Context, res connectResult) {
	if res.generation != c.generation || c.st.kind != StateConnecting {
		c.log.V(1).Info("Stale connect attempt dropped", logger.KeyState, c.st.kind.String())
		if res.sub != nil {
			res.sub.Unsubscribe() //nolint:errcheck,gosec // best effort
		}
		if res.conn != nil {
			res.conn.Close() //nolint:errcheck,gosec // best effort
		}

		return
	}
	c.connectCancel = nil
	if res.err != nil {
		c.log.Error(res.err, "Unable to connect")
		c.transition(ctx, failed(res.err))
		c.emit(ctx, Event{Kind: EventConnectionFailed, Err: res.err})

		return
	}
	c.conn = res.conn
	c.sub = res.sub
	c.cancelled = map[string]struct{}{}
	c.transition(ctx, connected())
	now := c.opts.Now()
	if c.heartbeat != nil && c.heartbeat.Due(now) {
		c.sendHeartbeat(ctx, now)
	}
}

// closeConnection closes the session best effort and drops its heartbeat tracking.
// Messages of the old session are ignored after.
func (c *Client) closeConnection() {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.V(1).Info("Unsubscribe failed", "error", err.Error())
		}
		c.sub = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.V(1).Info("Close failed", "error", err.Error())
		}
		c.conn = nil
	}
	c.heartbeat = nil
	c.generation++
}

// reloadAndReconnect reconnects only when the connection settings changed.
func (c *Client) reloadAndReconnect(ctx context.Context) {
	next, err := c.provider.Settings()
	if err != nil {
		c.log.Error(err, "unable to reload settings")
		c.emit(ctx, Event{Kind: EventError, Err: err})

		return
	}
	if c.settings.SameConnection(next) {
		c.log.Info("Settings reloaded, connection unchanged")
		c.settings = next
		if c.heartbeat != nil {
			c.heartbeat.SetInterval(next.HeartbeatInterval())
		}

		return
	}
	if c.st.kind == StateDisconnected {
		c.log.Info("Settings reloaded while disconnected")
		c.settings = next

		return
	}

	c.log.Info("Connection settings changed, reconnecting",
		"oldClientIdentity", c.settings.ClientIdentity, "clientIdentity", next.ClientIdentity)
	if c.st.kind == StatePendingResponse {
		c.failPending(ctx, ErrCancelled)
	}
	c.closeConnection()
	c.startConnect(ctx, &next)
}
