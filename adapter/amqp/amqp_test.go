package amqp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

func rabbitConn(t *testing.T) *amqp.Connection {
	t.Helper()
	url := os.Getenv("XSBUS_AMQP_URL")
	if url == "" {
		url = Defaults().URL
	}
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(2 * time.Second)})
	if err != nil {
		t.Skipf("RabbitMQ not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func tempQueue(t *testing.T, conn *amqp.Connection, base string) string {
	t.Helper()
	name := fmt.Sprintf("xsbus-test-%s-%d", base, time.Now().UnixNano())
	t.Cleanup(func() {
		ch, err := conn.Channel()
		if err != nil {
			return
		}
		defer ch.Close()
		_, _ = ch.QueueDelete(name, false, false, false)
	})
	return name
}

func newTestTransport(t *testing.T, conn *amqp.Connection, input string) *Transport {
	t.Helper()
	cfg := Defaults()
	cfg.Conn = conn
	cfg.InputQueue = input
	cfg.PollTimeout = 200 * time.Millisecond
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestConfigFromMap(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"url":          "amqp://u:p@broker:5672/",
		"input_queue":  "orders",
		"prefetch":     4,
		"confirms":     false,
		"poll_timeout": 300 * time.Millisecond,
	})
	assert.Equal(t, "amqp://u:p@broker:5672/", c.URL)
	assert.Equal(t, "orders", c.InputQueue)
	assert.Equal(t, 4, c.Prefetch)
	assert.False(t, c.Confirms)
	assert.Equal(t, 300*time.Millisecond, c.PollTimeout)
	require.NoError(t, c.Validate())

	assert.Error(t, Defaults().Validate(), "input queue is required")
}

func TestNewDeliveryHeaders(t *testing.T) {
	d := newDelivery(amqp.Delivery{
		Headers: amqp.Table{xsbus.HeaderMessageID: "m-9", "bytes": []byte("b"), "n": int32(3)},
		Body:    []byte("x"),
	})
	assert.Equal(t, "m-9", d.ID(), "falls back to the message id header")
	assert.Equal(t, "b", d.Message().Headers["bytes"])
	assert.Equal(t, "3", d.Message().Headers["n"])
}

func TestSendReceiveAck(t *testing.T) {
	conn := rabbitConn(t)
	input := tempQueue(t, conn, "ack")
	tr := newTestTransport(t, conn, input)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, xsbus.Endpoint(input), &xsbus.TransportMessage{
		ID:      "m-1",
		Headers: map[string]string{xsbus.HeaderReturnAddress: "billing"},
		Body:    []byte(`{"n":1}`),
	}))

	var d xsbus.Delivery
	var err error
	require.Eventually(t, func() bool {
		d, err = tr.Receive(ctx)
		return err == nil && d != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "m-1", d.ID())
	assert.Equal(t, "billing", d.Message().Headers[xsbus.HeaderReturnAddress])
	require.NoError(t, d.Ack(ctx))
}

func TestNackRequeues(t *testing.T) {
	conn := rabbitConn(t)
	input := tempQueue(t, conn, "nack")
	tr := newTestTransport(t, conn, input)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, xsbus.Endpoint(input), &xsbus.TransportMessage{ID: "m-2", Body: []byte("x")}))

	var d1, d2 xsbus.Delivery
	var err error
	require.Eventually(t, func() bool {
		d1, err = tr.Receive(ctx)
		return err == nil && d1 != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, d1.Nack(ctx, errors.New("boom")))

	require.Eventually(t, func() bool {
		d2, err = tr.Receive(ctx)
		return err == nil && d2 != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, d1.ID(), d2.ID())
	assert.True(t, d2.(*delivery).d.Redelivered)
	require.NoError(t, d2.Ack(ctx))
}

func TestClosedTransport(t *testing.T) {
	conn := rabbitConn(t)
	input := tempQueue(t, conn, "closed")
	tr := newTestTransport(t, conn, input)
	require.NoError(t, tr.Close(context.Background()))

	err := tr.Send(context.Background(), "x", &xsbus.TransportMessage{ID: "1"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
