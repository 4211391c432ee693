package xsbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, msg any) error {
				trace = append(trace, name)
				return next.Handle(ctx, msg)
			})
		}
	}
	h := Chain(HandlerFunc(func(context.Context, any) error {
		trace = append(trace, "handler")
		return nil
	}), mw("outer"), nil, mw("inner"))

	require.NoError(t, h.Handle(context.Background(), nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestRetryMiddleware(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(HandlerFunc(func(context.Context, any) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, h.Handle(context.Background(), nil))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	permanent := errors.New("permanent")
	h = RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	})(HandlerFunc(func(context.Context, any) error {
		calls.Add(1)
		return permanent
	}))
	assert.ErrorIs(t, h.Handle(context.Background(), nil), permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutMiddleware(t *testing.T) {
	slow := HandlerFunc(func(ctx context.Context, _ any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := TimeoutMiddleware(10*time.Millisecond)(slow).Handle(context.Background(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fast := HandlerFunc(func(context.Context, any) error { return nil })
	assert.NoError(t, TimeoutMiddleware(time.Second)(fast).Handle(context.Background(), nil))
	assert.NoError(t, TimeoutMiddleware(0)(fast).Handle(context.Background(), nil))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(HandlerFunc(func(context.Context, any) error { panic("bad") }))
	err := h.Handle(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestObserverPoolDeliversAndDrops(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)

	block := make(chan struct{})
	var mu sync.Mutex
	var got []EventType
	obs := ObserverFunc(func(e Event) {
		<-block
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	pool.Notify(Event{Type: Ack}, []Observer{obs})
	// wait until the single worker picked the first event up
	require.Eventually(t, func() bool { return pool.Stats().ActiveEvents == 0 }, time.Second, time.Millisecond)
	pool.Notify(Event{Type: Nack}, []Observer{obs})
	pool.Notify(Event{Type: SystemError}, []Observer{obs})
	assert.Equal(t, uint64(1), pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Close(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{Ack, Nack}, got)
	assert.Equal(t, uint64(2), pool.Stats().Processed)

	pool.Notify(Event{Type: Ack}, []Observer{obs})
	assert.Equal(t, uint64(2), pool.Stats().Processed, "closed pool ignores events")
}

func TestObserverPanicDoesNotStopPool(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 10)
	var seen atomic.Int32
	bad := ObserverFunc(func(Event) { panic("observer bug") })
	good := ObserverFunc(func(Event) { seen.Add(1) })

	pool.Notify(Event{Type: Ack}, []Observer{bad, good})
	pool.Notify(Event{Type: Ack}, []Observer{bad, good})
	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, int32(2), seen.Load())
}

func TestLoggingMiddlewarePassesResultThrough(t *testing.T) {
	boom := errors.New("boom")
	h := LoggingMiddleware(nil)(HandlerFunc(func(context.Context, any) error { return boom }))
	assert.ErrorIs(t, h.Handle(context.Background(), orderPlaced{}), boom)

	ok := LoggingMiddleware(nil)(HandlerFunc(func(context.Context, any) error { return nil }))
	assert.NoError(t, ok.Handle(context.Background(), orderPlaced{}))
}

// countingClock counts Now calls on top of the system clock.
type countingClock struct {
	xclock.Clock
	nows atomic.Int32
}

func (c *countingClock) Now() time.Time {
	c.nows.Add(1)
	return c.Clock.Now()
}

func TestLoggingMiddlewareUsesContextClock(t *testing.T) {
	clock := &countingClock{Clock: xclock.Default()}
	ctx := injectClock(context.Background(), clock)

	h := LoggingMiddleware(nil)(HandlerFunc(func(context.Context, any) error { return nil }))
	require.NoError(t, h.Handle(ctx, orderPlaced{}))
	assert.Equal(t, int32(1), clock.nows.Load())
}
