// Package natsjs provides a NATS JetStream transport for xsbus.
//
// Transport name: "nats-jetstream"
//
// Every endpoint maps to the subject SubjectPrefix+endpoint inside one
// stream. The input queue is read by a durable pull consumer with explicit
// acks; Nack is a JetStream NAK, so redelivery keeps the message intact.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xsbus"
)

const TransportName = "nats-jetstream"

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("nats-jetstream transport is closed")

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xsbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Config configures the JetStream transport.
type Config struct {
	URL  string
	Conn *nats.Conn

	// InputQueue is the endpoint this transport receives from (required).
	InputQueue string

	Stream        string
	SubjectPrefix string
	DurablePrefix string
	// Retention is workqueue, limits or interest (default workqueue).
	Retention     string
	AckWait       time.Duration
	MaxAckPending int
	// FetchWait bounds one Receive call.
	FetchWait time.Duration
}

func Defaults() Config {
	return Config{
		URL:           nats.DefaultURL,
		Stream:        "XSBUS",
		SubjectPrefix: "xsbus.",
		DurablePrefix: "xsbus-",
		Retention:     "workqueue",
		AckWait:       30 * time.Second,
		MaxAckPending: 1024,
		FetchWait:     time.Second,
	}
}

func (c Config) Validate() error {
	if c.URL == "" && c.Conn == nil {
		return fmt.Errorf("config: url or conn required")
	}
	if c.InputQueue == "" {
		return fmt.Errorf("config: input_queue required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.FetchWait <= 0 {
		return fmt.Errorf("config: fetch_wait must be > 0, got %v", c.FetchWait)
	}
	return nil
}

// ConfigFromMap converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["conn"].(*nats.Conn); ok {
		c.Conn = v
	}
	if v, ok := m["input_queue"].(string); ok {
		c.InputQueue = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := m["subject_prefix"].(string); ok && v != "" {
		c.SubjectPrefix = v
	}
	if v, ok := m["durable_prefix"].(string); ok && v != "" {
		c.DurablePrefix = v
	}
	if v, ok := m["retention"].(string); ok && v != "" {
		c.Retention = v
	}
	if v, ok := m["ack_wait"].(time.Duration); ok && v > 0 {
		c.AckWait = v
	}
	if v, ok := m["max_ack_pending"].(int); ok && v > 0 {
		c.MaxAckPending = v
	}
	if v, ok := m["fetch_wait"].(time.Duration); ok && v > 0 {
		c.FetchWait = v
	}
	return c
}

// Transport implements xsbus.Transport on top of NATS JetStream.
type Transport struct {
	cfg      Config
	conn     *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	ownsConn bool

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ xsbus.Transport = (*Transport)(nil)

// NewTransport connects (unless cfg.Conn is set), ensures the stream and
// binds a durable pull consumer to the input subject.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg}

	if cfg.Conn != nil {
		t.conn = cfg.Conn
	} else {
		conn, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, err
		}
		t.conn = conn
		t.ownsConn = true
	}

	js, err := t.conn.JetStream()
	if err != nil {
		t.closeConn()
		return nil, err
	}
	t.js = js

	if err := t.ensureStream(); err != nil {
		t.closeConn()
		return nil, err
	}
	if err := t.subscribe(); err != nil {
		t.closeConn()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	retention := nats.WorkQueuePolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	})
	return err
}

func (t *Transport) subscribe() error {
	subject := t.subject(xsbus.Endpoint(t.cfg.InputQueue))
	durable := t.durable()

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxAckPending: t.cfg.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.cfg.Stream, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.cfg.Stream, consumerCfg); err != nil {
			return fmt.Errorf("natsjs: create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.cfg.Stream, durable))
	if err != nil {
		return fmt.Errorf("natsjs: subscribe: %w", err)
	}
	t.sub = sub
	return nil
}

func (t *Transport) subject(ep xsbus.Endpoint) string { return t.cfg.SubjectPrefix + string(ep) }

// durable derives a consumer name; durable names may not contain '.', '*' or '>'.
func (t *Transport) durable() string {
	return t.cfg.DurablePrefix + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(t.cfg.InputQueue)
}

func (t *Transport) InputQueue() xsbus.Endpoint { return xsbus.Endpoint(t.cfg.InputQueue) }

// Send publishes msg to the endpoint subject. The JetStream dedupe id is
// scoped to the destination so a publish fan-out is never collapsed.
func (t *Transport) Send(ctx context.Context, endpoint xsbus.Endpoint, msg *xsbus.TransportMessage) error {
	if t.closed.Load() {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: ErrClosed}
	}
	if msg == nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: xsbus.ErrInvalidMessage}
	}

	headers := nats.Header{}
	for k, v := range msg.Headers {
		headers.Set(k, v)
	}
	if msg.ID != "" {
		headers.Set(xsbus.HeaderMessageID, msg.ID)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID+"@"+string(endpoint)))
	}
	_, err := t.js.PublishMsg(&nats.Msg{
		Subject: t.subject(endpoint),
		Data:    msg.Body,
		Header:  headers,
	}, opts...)
	if err != nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: err}
	}
	return nil
}

// Receive fetches one message, waiting at most FetchWait.
func (t *Transport) Receive(ctx context.Context) (xsbus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs, err := t.sub.Fetch(1, nats.MaxWait(t.cfg.FetchWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, &xsbus.TransportError{Op: "receive", Endpoint: t.InputQueue(), Err: err}
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &delivery{msg: msgs[0], tm: toTransportMessage(msgs[0])}, nil
}

func (t *Transport) Forwardable(d xsbus.Delivery) *xsbus.TransportMessage {
	return d.Message().Clone()
}

// Close drains the consumer subscription and closes an owned connection.
func (t *Transport) Close(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.sub != nil {
			_ = t.sub.Drain()
		}
		t.closeConn()
	})
	return nil
}

func (t *Transport) closeConn() {
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
}

type delivery struct {
	msg  *nats.Msg
	tm   *xsbus.TransportMessage
	once sync.Once
}

func (d *delivery) ID() string                       { return d.tm.ID }
func (d *delivery) Message() *xsbus.TransportMessage { return d.tm }

func (d *delivery) Ack(_ context.Context) error {
	var err error
	d.once.Do(func() { err = d.msg.Ack() })
	return err
}

func (d *delivery) Nack(_ context.Context, _ error) error {
	var err error
	d.once.Do(func() { err = d.msg.Nak() })
	return err
}

// toTransportMessage copies the xsbus headers off a JetStream message,
// dropping the server's own Nats-* headers.
func toTransportMessage(m *nats.Msg) *xsbus.TransportMessage {
	tm := &xsbus.TransportMessage{
		Headers: make(map[string]string, len(m.Header)),
		Body:    m.Data,
	}
	for k, v := range m.Header {
		if len(v) == 0 || strings.HasPrefix(k, "Nats-") {
			continue
		}
		tm.Headers[k] = v[0]
	}
	tm.ID = tm.Headers[xsbus.HeaderMessageID]
	if tm.ID == "" {
		if meta, err := m.Metadata(); err == nil {
			tm.ID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		}
	}
	return tm
}
