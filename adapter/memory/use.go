package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xsbus"
)

// Use builds a Bus on the in-memory transport of DefaultNetwork.
// Mirrors redisstream.Use and xlog "Use" pattern: explicit construction, panic on bad config.
//
// Example:
//
//	bus := memory.Use(memory.Config{InputQueue: "billing"},
//	    memory.WithLogger(logger),
//	    memory.WithHandlers(func(r *xsbus.HandlerRegistry) {
//	        xsbus.Handle(r, onInvoice)
//	    }),
//	)
func Use(cfg Config, opts ...Option) *xsbus.Bus {
	base := Defaults()
	if cfg.BufferSize < 1 {
		cfg.BufferSize = base.BufferSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = base.PollTimeout
	}

	bb := xsbus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// Option configures the xsbus.Bus when calling Use.
type Option func(*xsbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xsbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xsbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xsbus.BusBuilder) { b.WithCodec(name) }
}

// WithHandlers registers handlers on the bus's default activator.
func WithHandlers(register func(r *xsbus.HandlerRegistry)) Option {
	return func(b *xsbus.BusBuilder) { register(b.Handlers()) }
}

// WithRoute maps messageType to endpoint.
func WithRoute(messageType string, endpoint xsbus.Endpoint) Option {
	return func(b *xsbus.BusBuilder) { b.Route(messageType, endpoint) }
}

// WithMaxRetries sets the dead-letter threshold (default: 5).
func WithMaxRetries(n int) Option {
	return func(b *xsbus.BusBuilder) { b.WithMaxRetries(n) }
}

// WithErrorEndpoint sets where failed messages are forwarded (default: "error").
func WithErrorEndpoint(ep xsbus.Endpoint) Option {
	return func(b *xsbus.BusBuilder) { b.WithErrorEndpoint(ep) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xsbus.Middleware) Option {
	return func(b *xsbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xsbus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xsbus.Observer) Option {
	return func(b *xsbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xsbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
