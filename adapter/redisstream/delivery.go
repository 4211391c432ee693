package redisstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsbus"
)

// delivery implements xsbus.Delivery for one stream entry.
type delivery struct {
	t        *transport
	streamID string
	values   map[string]any
	msg      *xsbus.TransportMessage

	// Ensures Ack/Nack happens exactly once
	once sync.Once
}

// ID is the xsbus message id, falling back to the stream entry id.
func (d *delivery) ID() string {
	if d.msg.ID != "" {
		return d.msg.ID
	}
	return d.streamID
}

func (d *delivery) Message() *xsbus.TransportMessage {
	return d.msg
}

// Ack acknowledges the entry, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		in := d.t.cfg.InputQueue
		err = d.t.client.XAck(ctx, in, d.t.cfg.Group, d.streamID).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
			// Optionally delete from stream after ack (saves memory)
			if d.t.cfg.AutoDeleteOnAck {
				_ = d.t.client.XDel(ctx, in, d.streamID).Err()
			}
		}
	})
	return err
}

// Nack requeues the message. Redis Streams has no NACK, so a copy of the
// entry is appended to the input stream and the original acknowledged in
// one MULTI block.
func (d *delivery) Nack(ctx context.Context, _ error) error {
	var err error
	d.once.Do(func() {
		in := d.t.cfg.InputQueue
		values := encodeMessage(d.msg)
		if _, ok := values[fieldID]; !ok {
			values[fieldID] = d.streamID
		}
		_, err = d.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, d.t.addArgs(in, values))
			pipe.XAck(ctx, in, d.t.cfg.Group, d.streamID)
			if d.t.cfg.AutoDeleteOnAck {
				pipe.XDel(ctx, in, d.streamID)
			}
			return nil
		})
		if err == nil {
			d.t.metrics.nacked.Add(1)
		}
	})
	return err
}

// encodeMessage flattens a transport message into stream entry values.
func encodeMessage(m *xsbus.TransportMessage) map[string]any {
	// Pre-size map to reduce rehashing: id, body + headers
	vals := make(map[string]any, 2+len(m.Headers))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldBody] = m.Body
	for k, v := range m.Headers {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs a transport message from stream entry values.
func decodeMessage(streamID string, vals map[string]any) *xsbus.TransportMessage {
	msg := &xsbus.TransportMessage{
		Headers: make(map[string]string, len(vals)),
	}

	if v, ok := vals[fieldID]; ok {
		msg.ID = asString(v)
	}
	if msg.ID == "" {
		msg.ID = streamID
	}

	switch p := vals[fieldBody].(type) {
	case []byte:
		msg.Body = p
	case string:
		msg.Body = []byte(p)
	}

	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Headers[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}

	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
