package xsbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xsbus"
	"github.com/trickstertwo/xsbus/adapter/memory"
)

type OrderPlaced struct {
	OrderID string `json:"order_id"`
}

type InvoiceIssued struct {
	OrderID string `json:"order_id"`
	Number  string `json:"number"`
}

type ShipOrder struct {
	OrderID string `json:"order_id"`
}

var testLogger = zerolog.Use(zerolog.Config{
	MinLevel:          xlog.LevelError,
	ConsoleTimeFormat: time.RFC3339Nano,
}).With(xlog.Str("app", "xsbus-test"))

// memoryTransport returns a transport receiving from input on net.
func memoryTransport(net *memory.Network, input string) *memory.Transport {
	cfg := memory.Defaults()
	cfg.InputQueue = input
	cfg.PollTimeout = 10 * time.Millisecond
	return memory.NewTransport(net, cfg)
}

// newBuilder returns a builder on an in-memory transport of net.
func newBuilder(net *memory.Network, input string) *xsbus.BusBuilder {
	return xsbus.NewBusBuilder().
		WithLogger(testLogger).
		WithTransportInstance(memoryTransport(net, input))
}

// build builds and, when workers > 0, starts the bus. It is closed on cleanup.
func build(t *testing.T, bb *xsbus.BusBuilder, workers int) *xsbus.Bus {
	t.Helper()
	bus, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	if workers > 0 {
		_, err = bus.Start(context.Background(), workers)
		require.NoError(t, err)
	}
	return bus
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msgAndArgs...)
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []xsbus.Event
}

func (r *recorder) OnEvent(e xsbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(typ xsbus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) first(typ xsbus.EventType) (xsbus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return xsbus.Event{}, false
}
