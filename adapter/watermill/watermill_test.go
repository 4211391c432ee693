package watermill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	ps := NewGoChannel(watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	a, err := NewTransport(ps, ps, Config{InputQueue: "a", PollTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	b, err := NewTransport(ps, ps, Config{InputQueue: "b", PollTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return a, b
}

func receive(t *testing.T, tr *Transport) xsbus.Delivery {
	t.Helper()
	var d xsbus.Delivery
	var err error
	require.Eventually(t, func() bool {
		d, err = tr.Receive(context.Background())
		return err == nil && d != nil
	}, 2*time.Second, time.Millisecond)
	return d
}

func TestSendReceiveAck(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "b", &xsbus.TransportMessage{
		ID:      "m-1",
		Headers: map[string]string{xsbus.HeaderReturnAddress: "a"},
		Body:    []byte("hello"),
	}))

	d := receive(t, b)
	assert.Equal(t, "m-1", d.ID())
	assert.Equal(t, "a", d.Message().Headers[xsbus.HeaderReturnAddress])
	assert.Equal(t, "hello", string(d.Message().Body))
	require.NoError(t, d.Ack(ctx))
}

func TestNackRedeliversSameMessage(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "b", &xsbus.TransportMessage{ID: "m-2", Body: []byte("x")}))

	d1 := receive(t, b)
	require.NoError(t, d1.Nack(ctx, errors.New("boom")))

	d2 := receive(t, b)
	assert.Equal(t, d1.ID(), d2.ID())
	require.NoError(t, d2.Ack(ctx))
}

func TestSendAssignsIDWhenMissing(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.Send(context.Background(), "b", &xsbus.TransportMessage{Body: []byte("x")}))
	d := receive(t, b)
	assert.NotEmpty(t, d.ID())
}

func TestClosedTransport(t *testing.T) {
	a, _ := newPair(t)
	require.NoError(t, a.Close(context.Background()))
	assert.ErrorIs(t, a.Send(context.Background(), "b", &xsbus.TransportMessage{}), ErrClosed)
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type order struct {
	ID string `json:"id"`
}

func TestBusRetriesThenDeadLetters(t *testing.T) {
	ps := NewGoChannel(watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	tr, err := NewTransport(ps, ps, Config{InputQueue: "orders"})
	require.NoError(t, err)
	errorQ, err := NewTransport(ps, ps, Config{InputQueue: "error"})
	require.NoError(t, err)
	defer errorQ.Close(context.Background())

	var calls atomic.Int32
	bb := xsbus.NewBusBuilder().WithTransportInstance(tr).WithMaxRetries(2)
	xsbus.Handle(bb.Handlers(), func(_ context.Context, o order) error {
		calls.Add(1)
		return errors.New("rejected " + o.ID)
	})
	bus, err := bb.Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	_, err = bus.Start(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, bus.SendLocal(context.Background(), order{ID: "o-1"}))

	d := receive(t, errorQ)
	assert.Equal(t, "rejected o-1", d.Message().Headers[xsbus.HeaderErrorDetail])
	assert.Equal(t, "2", d.Message().Headers[xsbus.HeaderFailureCount])
	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, d.Ack(context.Background()))
}

func TestRegistryFactory(t *testing.T) {
	tr, err := xsbus.NewTransport(TransportName, map[string]any{"input_queue": "registry-wm"})
	require.NoError(t, err)
	defer tr.Close(context.Background())
	assert.Equal(t, xsbus.Endpoint("registry-wm"), tr.InputQueue())

	_, err = xsbus.NewTransport(TransportName, map[string]any{})
	assert.Error(t, err)
}

func TestConfigFromMapAcceptsDurationStrings(t *testing.T) {
	c := ConfigFromMap(map[string]any{"input_queue": "q", "poll_timeout": "250ms"})
	assert.Equal(t, "q", c.InputQueue)
	assert.Equal(t, 250*time.Millisecond, c.PollTimeout)

	c = ConfigFromMap(map[string]any{"poll_timeout": 2 * time.Second})
	assert.Equal(t, 2*time.Second, c.PollTimeout)

	c = ConfigFromMap(map[string]any{"poll_timeout": "soon"})
	assert.Equal(t, Defaults().PollTimeout, c.PollTimeout)
}
