package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xsbus"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := xsbus.RegisterTransport(TransportName, func(cfg map[string]any) (xsbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xsbus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Redis Streams and returns it. It panics when Redis is
// unreachable or the config is invalid, like xlog/xclock "Use".
func Use(cfg Config, opts ...Option) *xsbus.Bus {
	bb := xsbus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return bus
}
