package broker

import (
	"testing"

	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmqpConsumerLost(t *testing.T) {
	conn := &AmqpConnection{conn: &amqp.Connection{}, ch: &amqp.Channel{}, log: logr.Discard()}
	require.True(t, conn.IsOpen())

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Body:          []byte("req"),
		ReplyTo:       "client-1",
		CorrelationId: "id-1",
		Headers:       amqp.Table{"traceparent": "00-abc-def-01", "retries": int32(1)},
	}
	close(deliveries)
	var received []*Delivery
	conn.forward("bews", &amqpSubscription{conn: conn, tag: "t1"}, deliveries, true, func(d *Delivery) {
		received = append(received, d)
	})

	require.Len(t, received, 1)
	assert.Equal(t, "client-1", received[0].ReplyTo)
	assert.Equal(t, map[string]string{"traceparent": "00-abc-def-01"}, received[0].Headers)
	assert.False(t, conn.IsOpen(), "closed deliveries mark the connection dead")
}

func TestAmqpConsumerCancelled(t *testing.T) {
	conn := &AmqpConnection{conn: &amqp.Connection{}, ch: &amqp.Channel{}, log: logr.Discard()}
	sub := &amqpSubscription{conn: conn, tag: "t1"}
	sub.cancelled.Store(true)
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	conn.forward("bews", sub, deliveries, false, func(*Delivery) {})
	assert.True(t, conn.IsOpen())
}

func TestAmqpTable(t *testing.T) {
	assert.Nil(t, amqpTable(nil))
	assert.Equal(t, amqp.Table{"traceparent": "x"}, amqpTable(map[string]string{"traceparent": "x"}))
}
