package xsbus

import (
	"context"
	"maps"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xsbus (prevents collisions).
type ctxKey string

const (
	codecCtxKey   ctxKey = "xsbus:codec"
	loggerCtxKey  ctxKey = "xsbus:logger"
	clockCtxKey   ctxKey = "xsbus:clock"
	sagasCtxKey   ctxKey = "xsbus:sagas"
	messageCtxKey ctxKey = "xsbus:message"
)

// MessageContext describes the message a handler is processing. It is
// carried by the ctx passed to handlers and is what Reply reads the return
// address from.
type MessageContext struct {
	bus      *Bus
	delivery Delivery
	envelope *Envelope
	worker   int
}

// MessageID is the transport id of the message being handled.
func (mc *MessageContext) MessageID() string { return mc.delivery.ID() }

// Header returns one header of the message being handled.
func (mc *MessageContext) Header(key string) string { return mc.envelope.Header(key) }

// Headers returns a copy of the headers of the message being handled.
func (mc *MessageContext) Headers() map[string]string { return maps.Clone(mc.envelope.Headers) }

// ReturnAddress is the input endpoint of the sender.
func (mc *MessageContext) ReturnAddress() Endpoint { return mc.envelope.ReturnAddress() }

// Worker is the index of the worker running the handler.
func (mc *MessageContext) Worker() int { return mc.worker }

// Bus returns the bus that received the message.
func (mc *MessageContext) Bus() *Bus { return mc.bus }

func withMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageCtxKey, mc)
}

// MessageContextFrom returns the message being handled, if ctx belongs to a handler invocation.
func MessageContextFrom(ctx context.Context) (*MessageContext, bool) {
	if v := ctx.Value(messageCtxKey); v != nil {
		if mc, ok := v.(*MessageContext); ok && mc != nil {
			return mc, true
		}
	}
	return nil, false
}

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the bus codec injected into handler contexts.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectSagaStore(ctx context.Context, s SagaStore) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sagasCtxKey, s)
}

// SagaStoreFromContext returns the saga store of the bus running the handler.
func SagaStoreFromContext(ctx context.Context) (SagaStore, bool) {
	if v := ctx.Value(sagasCtxKey); v != nil {
		if s, ok := v.(SagaStore); ok && s != nil {
			return s, true
		}
	}
	return nil, false
}

// InjectAll injects the standard handler dependencies. Useful for calling
// handlers directly in tests.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock, sagas SagaStore) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectSagaStore(ctx, sagas)
	return ctx
}
