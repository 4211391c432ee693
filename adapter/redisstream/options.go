package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xsbus"
)

// Option configures the xsbus.Bus construction when calling Use.
type Option func(*xsbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xsbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xsbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
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

// WithSubscriptionStore shares subscriptions between bus instances (see store/redisstore).
func WithSubscriptionStore(s xsbus.SubscriptionStore) Option {
	return func(b *xsbus.BusBuilder) { b.WithSubscriptionStore(s) }
}

// WithSagaStore persists saga state outside the process.
func WithSagaStore(s xsbus.SagaStore) Option {
	return func(b *xsbus.BusBuilder) { b.WithSagaStore(s) }
}

// WithMaxRetries sets the dead-letter threshold.
func WithMaxRetries(n int) Option {
	return func(b *xsbus.BusBuilder) { b.WithMaxRetries(n) }
}

// WithErrorEndpoint sets the stream failed messages are forwarded to.
func WithErrorEndpoint(ep xsbus.Endpoint) Option {
	return func(b *xsbus.BusBuilder) { b.WithErrorEndpoint(ep) }
}

// WithWorkers sets the default worker count for Start.
func WithWorkers(n int) Option {
	return func(b *xsbus.BusBuilder) { b.WithWorkers(n) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xsbus.Middleware) Option {
	return func(b *xsbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xsbus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xsbus.Observer) Option {
	return func(b *xsbus.BusBuilder) { b.WithObserver(obs...) }
}
