package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsbus"
)

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("redis-streams transport is closed")

type transport struct {
	cfg    Config
	client *redis.Client
	owned  bool

	// entries claimed from idle consumers, served before new reads
	reclaimed chan redis.XMessage

	groupOnce sync.Once
	groupErr  error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Sent          uint64
	Received      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	SendErrors    uint64
	ReceiveErrors uint64
}

// NewTransport dials Redis and returns a transport reading cfg.InputQueue.
func NewTransport(cfg Config) (xsbus.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return newTransport(client, cfg, true), nil
}

// NewTransportWithClient uses an existing client. Close leaves the client open.
func NewTransportWithClient(client *redis.Client, cfg Config) (xsbus.Transport, error) {
	if client == nil {
		return nil, errors.New("redisstream: client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(client, cfg, false), nil
}

func newTransport(client *redis.Client, cfg Config, owned bool) *transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		cfg:       cfg,
		client:    client,
		owned:     owned,
		reclaimed: make(chan redis.XMessage, max(1, cfg.ClaimBatch)),
		cancel:    cancel,
		metrics:   &transportMetrics{},
	}

	// Optional pending entry recovery loop (claims messages stuck on other consumers)
	if cfg.ClaimMinIdle > 0 && cfg.ClaimInterval > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.claimLoop(ctx)
		}()
	}
	return t
}

func (t *transport) InputQueue() xsbus.Endpoint { return xsbus.Endpoint(t.cfg.InputQueue) }

// Send appends msg to the stream named by endpoint.
func (t *transport) Send(ctx context.Context, endpoint xsbus.Endpoint, msg *xsbus.TransportMessage) error {
	if t.closed.Load() {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: ErrClosed}
	}
	if msg == nil {
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: xsbus.ErrInvalidMessage}
	}

	if err := t.client.XAdd(ctx, t.addArgs(string(endpoint), encodeMessage(msg))).Err(); err != nil {
		t.metrics.sendErrors.Add(1)
		return &xsbus.TransportError{Op: "send", Endpoint: endpoint, Err: err}
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *transport) addArgs(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*", // Let Redis generate ID
		Values: values,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

// Receive returns a reclaimed entry if one is waiting, otherwise blocks on
// XREADGROUP for at most cfg.Block.
func (t *transport) Receive(ctx context.Context) (xsbus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	select {
	case m := <-t.reclaimed:
		t.metrics.received.Add(1)
		return t.newDelivery(m), nil
	default:
	}

	if err := t.ensureGroup(ctx); err != nil {
		t.metrics.receiveErrors.Add(1)
		return nil, &xsbus.TransportError{Op: "receive", Endpoint: t.InputQueue(), Err: err}
	}

	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.InputQueue, ">"},
		Count:    1,
		Block:    t.cfg.Block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block timeout (expected)
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.metrics.receiveErrors.Add(1)
		return nil, &xsbus.TransportError{Op: "receive", Endpoint: t.InputQueue(), Err: err}
	}

	for _, stream := range res {
		for _, m := range stream.Messages {
			t.metrics.received.Add(1)
			return t.newDelivery(m), nil
		}
	}
	return nil, nil
}

// ensureGroup creates the consumer group once. Entries already in the
// stream are delivered, so messages sent before the first Receive are kept.
func (t *transport) ensureGroup(ctx context.Context) error {
	if !t.cfg.AutoCreate {
		return nil
	}
	t.groupOnce.Do(func() {
		err := t.client.XGroupCreateMkStream(ctx, t.cfg.InputQueue, t.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			t.groupErr = err
		}
	})
	return t.groupErr
}

func (t *transport) newDelivery(m redis.XMessage) *delivery {
	return &delivery{
		t:        t,
		streamID: m.ID,
		values:   m.Values,
		msg:      decodeMessage(m.ID, m.Values),
	}
}

// Forwardable rebuilds the message from the received stream entry.
func (t *transport) Forwardable(d xsbus.Delivery) *xsbus.TransportMessage {
	if rd, ok := d.(*delivery); ok {
		return decodeMessage(rd.streamID, rd.values)
	}
	return d.Message().Clone()
}

// claimLoop periodically claims pending entries idle longer than
// ClaimMinIdle and hands them to Receive.
func (t *transport) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: t.cfg.InputQueue,
			Group:  t.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   t.cfg.InputQueue,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}

		for _, m := range msgs {
			if len(m.Values) == 0 {
				// entry was trimmed or deleted; nothing left to deliver
				_ = t.client.XAck(ctx, t.cfg.InputQueue, t.cfg.Group, m.ID).Err()
				continue
			}
			select {
			case t.reclaimed <- m:
				t.metrics.claimed.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stats returns current transport metrics.
func (t *transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Received:      t.metrics.received.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ReceiveErrors: t.metrics.receiveErrors.Load(),
	}
}

// Close stops the claim loop and, if the transport dialed it, the client.
func (t *transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		t.wg.Wait()
		if t.owned {
			err = t.client.Close()
		}
	})
	return err
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
