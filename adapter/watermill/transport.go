// Package watermill adapts any watermill Publisher/Subscriber pair into an
// xsbus transport. Endpoints are watermill topics.
//
// Transport name: "watermill-gochannel" builds on a process-wide
// persistent GoChannel, which is handy for tests and local wiring.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/trickstertwo/xsbus"
)

const TransportName = "watermill-gochannel"

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("watermill transport is closed")

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		c := ConfigFromMap(cfg)
		pubSub := SharedGoChannel()
		return NewTransport(pubSub, pubSub, c)
	}); err != nil {
		panic(fmt.Errorf("xsbus: failed to register transport %q: %w", TransportName, err))
	}
}

var (
	sharedGoChannel     *gochannel.GoChannel
	sharedGoChannelOnce sync.Once
)

// SharedGoChannel is the process-wide pub/sub used by the registry factory.
func SharedGoChannel() *gochannel.GoChannel {
	sharedGoChannelOnce.Do(func() {
		sharedGoChannel = NewGoChannel(watermill.NopLogger{})
	})
	return sharedGoChannel
}

// NewGoChannel returns a persistent GoChannel, so messages sent before an
// endpoint subscribes are still delivered.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
		Persistent:          true,
	}, logger)
}

// Config controls the watermill transport.
type Config struct {
	// InputQueue is the topic this transport subscribes to (required).
	InputQueue string
	// PollTimeout bounds one Receive call (default: 100ms).
	PollTimeout time.Duration
}

func Defaults() Config {
	return Config{PollTimeout: 100 * time.Millisecond}
}

func (c Config) Validate() error {
	if c.InputQueue == "" {
		return fmt.Errorf("config: input_queue required")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: poll_timeout must be > 0, got %v", c.PollTimeout)
	}
	return nil
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["input_queue"].(string); ok {
		c.InputQueue = v
	}
	switch v := m["poll_timeout"].(type) {
	case time.Duration:
		if v > 0 {
			c.PollTimeout = v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.PollTimeout = d
		}
	}
	return c
}

// Transport implements xsbus.Transport over watermill.
type Transport struct {
	cfg      Config
	pub      message.Publisher
	messages <-chan *message.Message
	cancel   context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ xsbus.Transport = (*Transport)(nil)

// NewTransport subscribes to cfg.InputQueue on sub. The caller owns pub and
// sub; Close only ends the subscription.
func NewTransport(pub message.Publisher, sub message.Subscriber, cfg Config) (*Transport, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("watermill: publisher and subscriber required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = Defaults().PollTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := sub.Subscribe(ctx, cfg.InputQueue)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watermill: subscribe %q: %w", cfg.InputQueue, err)
	}
	return &Transport{cfg: cfg, pub: pub, messages: msgs, cancel: cancel}, nil
}

func (t *Transport) InputQueue() xsbus.Endpoint { return xsbus.Endpoint(t.cfg.InputQueue) }

// Send publishes msg on the endpoint topic. The watermill UUID carries the xsbus message id.
func (t *Transport) Send(ctx context.Context, endpoint xsbus.Endpoint, msg *xsbus.TransportMessage) error {
	if t.closed.Load() {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: ErrClosed}
	}
	if msg == nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: xsbus.ErrInvalidMessage}
	}

	id := msg.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	wm := message.NewMessage(id, msg.Body)
	for k, v := range msg.Headers {
		wm.Metadata.Set(k, v)
	}
	wm.SetContext(ctx)

	if err := t.pub.Publish(string(endpoint), wm); err != nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: err}
	}
	return nil
}

// Receive waits up to PollTimeout for the next message.
func (t *Transport) Receive(ctx context.Context) (xsbus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(t.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case wm, ok := <-t.messages:
		if !ok {
			return nil, &xsbus.TransportError{Op: "receive", Endpoint: t.InputQueue(), Err: ErrClosed}
		}
		return &delivery{
			wm: wm,
			tm: &xsbus.TransportMessage{
				ID:      wm.UUID,
				Headers: maps.Clone(map[string]string(wm.Metadata)),
				Body:    wm.Payload,
			},
		}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Forwardable(d xsbus.Delivery) *xsbus.TransportMessage {
	return d.Message().Clone()
}

// Close ends the input subscription.
func (t *Transport) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
	})
	return nil
}

type delivery struct {
	wm   *message.Message
	tm   *xsbus.TransportMessage
	once sync.Once
}

func (d *delivery) ID() string                       { return d.tm.ID }
func (d *delivery) Message() *xsbus.TransportMessage { return d.tm }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.wm.Ack() })
	return nil
}

// Nack asks the subscriber to redeliver the same message.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() { d.wm.Nack() })
	return nil
}
