package xsbus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch e.Type {
	case SystemError:
		o.Logger.Error().
			Str("type", string(e.Type)).
			Str("endpoint", string(e.Endpoint)).
			Str("message_id", e.MessageID).
			Err(e.Err).
			Msg("xsbus system error")
	case UserError, Nack:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("endpoint", string(e.Endpoint)).
			Str("message_id", e.MessageID).
			Str("message_type", e.MessageType).
			Str("attempts", strconv.Itoa(e.Attempts)).
			Err(e.Err).
			Msg("xsbus handler failed")
	case MaxRetriesExceeded:
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("endpoint", string(e.Endpoint)).
			Str("message_id", e.MessageID).
			Str("attempts", strconv.Itoa(e.Attempts)).
			Err(e.Err).
			Msg("xsbus message moved to error queue")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("endpoint", string(e.Endpoint)).
			Str("message_id", e.MessageID).
			Str("message_type", e.MessageType).
			Dur("duration", e.Duration).
			Msg("xsbus event")
	}
}

// ObserverPool manages asynchronous event dispatching to observers.
// Slow observers never block the worker loops: events are dropped when the
// buffer is full.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool creates a pool for async observer notification.
// workers: number of dispatch goroutines; bufferSize: event channel capacity.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues an event for the given observers. Never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already queued
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent calls all observers for a single event.
// An observer panic must not kill the dispatch goroutine.
func (op *ObserverPool) dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(*e)
		}()
	}
}

// Close stops accepting events and waits up to timeout for queued ones to be dispatched.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
