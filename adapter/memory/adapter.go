package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xsbus"
)

const TransportName = "memory"

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		c := ConfigFromMap(cfg)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return NewTransport(DefaultNetwork(), c), nil
	}); err != nil {
		panic(fmt.Errorf("xsbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// InputQueue is the endpoint this transport receives from (required).
	InputQueue string
	// BufferSize is the capacity of queues this transport creates (default: 1024).
	BufferSize int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// PollTimeout bounds one Receive call (default: 100ms).
	PollTimeout time.Duration
}

// Defaults returns a Config with development defaults.
func Defaults() Config {
	return Config{
		BufferSize:  1024,
		PollTimeout: 100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.InputQueue == "" {
		return fmt.Errorf("config: input_queue required")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("config: poll_timeout must be > 0, got %v", c.PollTimeout)
	}
	return nil
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c := Defaults()
	if v, ok := cfg["input_queue"].(string); ok {
		c.InputQueue = v
	}
	c.BufferSize = max(1, getInt("buffer_size", c.BufferSize))
	c.RedeliveryDelay = getDur("redelivery_delay", 0)
	if d := getDur("poll_timeout", c.PollTimeout); d > 0 {
		c.PollTimeout = d
	}
	return c
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"input_queue":      c.InputQueue,
		"buffer_size":      c.BufferSize,
		"redelivery_delay": c.RedeliveryDelay,
		"poll_timeout":     c.PollTimeout,
	}
}

// Network is a set of in-process queues, one per endpoint. Transports on the
// same network can reach each other; transports built through the registry
// share DefaultNetwork.
type Network struct {
	mu     sync.Mutex
	queues map[xsbus.Endpoint]chan *entry
	size   int
}

var (
	defaultNetwork     *Network
	defaultNetworkOnce sync.Once
)

// DefaultNetwork is the process-wide network used by the registry factory.
func DefaultNetwork() *Network {
	defaultNetworkOnce.Do(func() { defaultNetwork = NewNetwork(1024) })
	return defaultNetwork
}

// NewNetwork returns an isolated network whose queues hold bufferSize messages.
func NewNetwork(bufferSize int) *Network {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &Network{queues: make(map[xsbus.Endpoint]chan *entry), size: bufferSize}
}

// queue returns the queue of ep. The first caller decides its capacity.
func (n *Network) queue(ep xsbus.Endpoint, size int) chan *entry {
	if size < 1 {
		size = n.size
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[ep]
	if !ok {
		q = make(chan *entry, size)
		n.queues[ep] = q
	}
	return q
}

// Len reports how many messages wait at ep.
func (n *Network) Len(ep xsbus.Endpoint) int { return len(n.queue(ep, 0)) }

// Drain removes and returns every message waiting at ep. Intended for tests
// that inspect an error endpoint.
func (n *Network) Drain(ep xsbus.Endpoint) []*xsbus.TransportMessage {
	q := n.queue(ep, 0)
	var out []*xsbus.TransportMessage
	for {
		select {
		case e := <-q:
			out = append(out, e.msg)
		default:
			return out
		}
	}
}

type entry struct {
	id  string
	msg *xsbus.TransportMessage
}

// Transport implements xsbus.Transport on a Network (dev/testing).
type Transport struct {
	cfg   Config
	net   *Network
	input chan *entry

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	requeues  sync.WaitGroup

	// Metrics for observability
	metrics *transportMetrics
}

type transportMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	sendErrors  atomic.Uint64
}

var _ xsbus.Transport = (*Transport)(nil)

// NewTransport creates an in-memory transport receiving from cfg.InputQueue on net.
func NewTransport(net *Network, cfg Config) *Transport {
	if net == nil {
		net = DefaultNetwork()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	return &Transport{
		cfg:     cfg,
		net:     net,
		input:   net.queue(xsbus.Endpoint(cfg.InputQueue), cfg.BufferSize),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

func (t *Transport) InputQueue() xsbus.Endpoint { return xsbus.Endpoint(t.cfg.InputQueue) }

// Network returns the network this transport is attached to.
func (t *Transport) Network() *Network { return t.net }

// Send copies msg into the queue of endpoint, blocking while it is full.
func (t *Transport) Send(ctx context.Context, endpoint xsbus.Endpoint, msg *xsbus.TransportMessage) error {
	if t.closed.Load() {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: ErrClosed}
	}
	if msg == nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: xsbus.ErrInvalidMessage}
	}

	e := &entry{id: msg.ID, msg: msg.Clone()}
	if e.id == "" {
		e.id = nextID()
	}

	select {
	case t.net.queue(endpoint, t.cfg.BufferSize) <- e:
		t.metrics.sent.Add(1)
		return nil
	case <-ctx.Done():
		t.metrics.sendErrors.Add(1)
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: ctx.Err()}
	}
}

// Receive waits up to PollTimeout for the next message.
func (t *Transport) Receive(ctx context.Context) (xsbus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(t.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case e := <-t.input:
		t.metrics.received.Add(1)
		return &delivery{t: t, e: e}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Forwardable(d xsbus.Delivery) *xsbus.TransportMessage {
	return d.Message().Clone()
}

// Close stops the transport and waits for pending delayed redeliveries to
// give up. Queued messages stay on the network.
func (t *Transport) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	t.requeues.Wait()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Sent        uint64
	Received    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	SendErrors  uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:        t.metrics.sent.Load(),
		Received:    t.metrics.received.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		SendErrors:  t.metrics.sendErrors.Load(),
	}
}

type delivery struct {
	t    *Transport
	e    *entry
	once sync.Once
}

func (d *delivery) ID() string                       { return d.e.id }
func (d *delivery) Message() *xsbus.TransportMessage { return d.e.msg }

// Ack marks the message as processed.
func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.t.metrics.acked.Add(1)
	})
	return nil
}

// Nack puts the message back on the input queue, keeping its id.
func (d *delivery) Nack(ctx context.Context, _ error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		d.t.metrics.redelivered.Add(1)

		delay := d.t.cfg.RedeliveryDelay
		if delay > 0 && d.t.closed.Load() {
			delay = 0
		}
		if delay <= 0 {
			select {
			case d.t.input <- d.e:
			case <-ctx.Done():
				err = ctx.Err()
			}
			return
		}

		d.t.requeues.Add(1)
		go func() {
			defer d.t.requeues.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-d.t.done:
				// last chance to keep the message on the network
				select {
				case d.t.input <- d.e:
				default:
				}
				return
			}
			select {
			case d.t.input <- d.e:
			case <-d.t.done:
			}
		}()
	})
	return err
}

// Simple monotonic ID generator (not distributed; dev/testing only).
var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
