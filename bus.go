package xsbus

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the coordinator: it routes outgoing messages, owns the worker pool
// that pumps the input queue, and reports worker outcomes to observers.
type Bus struct {
	transport     Transport
	serializer    Serializer
	router        Router
	subscriptions SubscriptionStore
	sagas         SagaStore
	activator     Activator
	inspector     PipelineInspector
	failures      *FailureTracker
	clock         xclock.Clock
	logger        *xlog.Logger
	middlewares   []Middleware
	control       map[string]Handler

	errorEndpoint  Endpoint
	ackTimeout     time.Duration
	defaultWorkers int

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics

	startMu   sync.Mutex
	started   bool
	closing   bool
	workers   []*worker
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	sent         atomic.Uint64
	published    atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	userErrors   atomic.Uint64
	systemErrors atomic.Uint64
	deadLettered atomic.Uint64
	processingNs atomic.Int64
}

// InputQueue is the endpoint this bus receives from and the return address of everything it sends.
func (b *Bus) InputQueue() Endpoint { return b.transport.InputQueue() }

// ErrorEndpoint is where messages go once they exceed the retry budget.
func (b *Bus) ErrorEndpoint() Endpoint { return b.errorEndpoint }

// Failures exposes the shared failure tracker.
func (b *Bus) Failures() *FailureTracker { return b.failures }

// Send routes msg by its type and sends it.
func (b *Bus) Send(ctx context.Context, msg any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	ep, err := b.router.EndpointFor(TypeName(msg))
	if err != nil {
		return err
	}
	return b.dispatch(ctx, SendDone, []Endpoint{ep}, b.newEnvelope(nil, msg))
}

// SendTo sends msg to endpoint without consulting the router.
func (b *Bus) SendTo(ctx context.Context, endpoint Endpoint, msg any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	return b.dispatch(ctx, SendDone, []Endpoint{endpoint}, b.newEnvelope(nil, msg))
}

// SendLocal sends msg to this bus's own input queue.
func (b *Bus) SendLocal(ctx context.Context, msg any) error {
	return b.SendTo(ctx, b.transport.InputQueue(), msg)
}

// Publish sends one copy of msg to every subscriber of its type. A failed
// send does not stop the remaining ones; all failures are joined.
func (b *Bus) Publish(ctx context.Context, msg any) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	typ := TypeName(msg)
	subscribers, err := b.subscriptions.Subscribers(ctx, typ)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		b.logger.Debug().Str("message_type", typ).Msg("xsbus: publish without subscribers")
		return nil
	}
	return b.dispatch(ctx, PublishDone, subscribers, b.newEnvelope(nil, msg))
}

// Reply sends msg to the return address of the message being handled in ctx.
func (b *Bus) Reply(ctx context.Context, msg any) error {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return ErrNoCurrentMessage
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	to := mc.ReturnAddress()
	if to == "" {
		return ErrNoReturnAddress
	}
	correlation := mc.Header(HeaderMessageID)
	if correlation == "" {
		correlation = mc.MessageID()
	}
	env := b.newEnvelope(map[string]string{HeaderCorrelationID: correlation}, msg)
	return b.dispatch(ctx, SendDone, []Endpoint{to}, env)
}

func (b *Bus) newEnvelope(extra map[string]string, msgs ...any) *Envelope {
	headers := make(map[string]string, 3+len(extra))
	for k, v := range extra {
		headers[k] = v
	}
	headers[HeaderMessageID] = uuid.NewString()
	headers[HeaderReturnAddress] = string(b.transport.InputQueue())
	headers[HeaderSentAt] = b.clock.Now().UTC().Format(time.RFC3339Nano)
	return &Envelope{Messages: msgs, Headers: headers}
}

// dispatch serializes env once and sends it to every endpoint.
func (b *Bus) dispatch(ctx context.Context, kind EventType, endpoints []Endpoint, env *Envelope) error {
	tm, err := b.serializer.Serialize(env)
	if err != nil {
		b.metrics.systemErrors.Add(1)
		return err
	}
	typ := ""
	if len(env.Messages) > 0 {
		typ = TypeName(env.Messages[0])
	}

	var errs []error
	for i, ep := range endpoints {
		out := tm
		if i > 0 {
			out = tm.Clone()
		}
		start := b.clock.Now()
		err := b.transport.Send(ctx, ep, out)
		if err != nil {
			var te *TransportError
			if !errors.As(err, &te) {
				err = &TransportError{Op: "send", Endpoint: ep, Err: err}
			}
			errs = append(errs, err)
		} else if kind == PublishDone {
			b.metrics.published.Add(1)
		} else {
			b.metrics.sent.Add(1)
		}
		b.notify(Event{
			Type:        kind,
			Endpoint:    ep,
			MessageID:   tm.ID,
			MessageType: typ,
			Duration:    b.clock.Since(start),
			Err:         err,
		})
	}
	return errors.Join(errs...)
}

// Start launches workers receive loops (the configured default when
// workers < 1). Calling Start on a running bus is a no-op.
func (b *Bus) Start(ctx context.Context, workers int) (*Bus, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.closing || b.closed.Load() {
		return nil, ErrBusClosed
	}
	if b.started {
		return b, nil
	}
	if workers < 1 {
		workers = b.defaultWorkers
	}
	if workers < 1 {
		workers = 1
	}

	b.workers = make([]*worker, 0, workers)
	for i := 0; i < workers; i++ {
		rctx, cancel := context.WithCancel(ctx)
		w := &worker{id: i, bus: b, stop: make(chan struct{}), cancel: cancel}
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go w.run(rctx)
	}
	b.started = true
	b.logger.Debug().
		Str("input_queue", string(b.transport.InputQueue())).
		Str("workers", strconv.Itoa(workers)).
		Msg("xsbus: bus started")
	return b, nil
}

// Close is the dispose operation: it asks every worker to stop after its
// current message, waits for them, then releases observers and the transport.
// Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.startMu.Lock()
		b.closing = true
		workers := b.workers
		b.startMu.Unlock()

		for _, w := range workers {
			w.Stop()
		}

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn().Err(ctx.Err()).Msg("xsbus: workers still running at close deadline")
			closeErr = ctx.Err()
		}

		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xsbus: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xsbus: transport close failed")
			closeErr = errors.Join(closeErr, err)
		}
	})

	return closeErr
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	b.startMu.Lock()
	workers := len(b.workers)
	b.startMu.Unlock()

	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:                b.metrics.sent.Load(),
		Published:           b.metrics.published.Load(),
		Consumed:            b.metrics.consumed.Load(),
		Acked:               b.metrics.acked.Load(),
		Nacked:              b.metrics.nacked.Load(),
		UserErrors:          b.metrics.userErrors.Load(),
		SystemErrors:        b.metrics.systemErrors.Load(),
		DeadLettered:        b.metrics.deadLettered.Load(),
		PendingFailures:     b.failures.Len(),
		Workers:             workers,
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once closed and "degraded" when more than 5% of
// consumed messages failed.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	failed := metrics.UserErrors + metrics.SystemErrors
	if failed > 0 && metrics.Consumed > 0 {
		if float64(failed)/float64(metrics.Consumed) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
	}
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	// func-backed observers cannot be compared and are never removed
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify dispatches events asynchronously through the observer pool.
func (b *Bus) notify(e Event) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
