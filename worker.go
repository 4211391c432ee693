package xsbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

const (
	minReceiveBackoff = 100 * time.Millisecond
	maxReceiveBackoff = 5 * time.Second
)

// systemFailure marks a failure outside application handlers, such as handler
// activation or a panic in the pipeline. It is reported as a system error but
// still counts against the message's retry budget.
type systemFailure struct {
	op  string
	err error
}

func (e *systemFailure) Error() string { return "xsbus: " + e.op + ": " + e.err.Error() }
func (e *systemFailure) Unwrap() error { return e.err }

// decodeFailure marks a delivery the serializer could not read.
type decodeFailure struct{ err error }

func (e *decodeFailure) Error() string { return e.err.Error() }
func (e *decodeFailure) Unwrap() error { return e.err }

// worker pumps the bus input queue. Stop takes effect between messages; an
// in-progress handler always runs to completion.
type worker struct {
	id       int
	bus      *Bus
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// Stop signals the worker to exit after the current message.
func (w *worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.cancel()
	})
}

func (w *worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *worker) run(ctx context.Context) {
	b := w.bus
	input := b.transport.InputQueue()
	defer b.wg.Done()
	defer b.notify(Event{Type: WorkerStopped, Endpoint: input, Worker: w.id})

	b.notify(Event{Type: WorkerStarted, Endpoint: input, Worker: w.id})

	backoff := minReceiveBackoff
	for {
		if w.stopped() || ctx.Err() != nil {
			return
		}

		d, err := b.transport.Receive(ctx)
		if err != nil {
			if w.stopped() || ctx.Err() != nil {
				return
			}
			var te *TransportError
			if !errors.As(err, &te) {
				err = &TransportError{Op: "receive", Endpoint: input, Err: err}
			}
			b.metrics.systemErrors.Add(1)
			b.notify(Event{Type: SystemError, Endpoint: input, Worker: w.id, Err: err})

			select {
			case <-time.After(backoff):
			case <-w.stop:
				return
			}
			backoff *= 2
			if backoff > maxReceiveBackoff {
				backoff = maxReceiveBackoff
			}
			continue
		}
		backoff = minReceiveBackoff

		if d == nil {
			continue
		}
		w.process(d)
	}
}

// process runs one delivery through the pipeline and settles it.
func (w *worker) process(d Delivery) {
	b := w.bus
	start := b.clock.Now()
	b.metrics.consumed.Add(1)

	typ, err := w.handle(d)
	b.recordProcessingTime(int64(b.clock.Since(start)))

	var df *decodeFailure
	var sf *systemFailure
	switch {
	case err == nil:
		w.succeed(d, typ, start)
	case errors.As(err, &df):
		w.poison(d, df.err)
	case errors.As(err, &sf):
		w.fail(d, typ, err, true)
	default:
		w.fail(d, typ, err, false)
	}
}

// handle decodes d and runs its handlers. A panic anywhere outside the
// recovered handler chain comes back as a systemFailure.
func (w *worker) handle(d Delivery) (typ string, err error) {
	b := w.bus
	defer func() {
		if r := recover(); r != nil {
			err = &systemFailure{op: "pipeline panic", err: fmt.Errorf("%v", r)}
		}
	}()

	env, err := b.serializer.Deserialize(d.Message())
	if err != nil {
		return "", &decodeFailure{err: err}
	}
	if len(env.Messages) > 0 {
		typ = TypeName(env.Messages[0])
	}
	b.notify(Event{Type: ConsumeStart, Endpoint: b.transport.InputQueue(), MessageID: d.ID(), MessageType: typ, Worker: w.id})

	mc := &MessageContext{bus: b, delivery: d, envelope: env, worker: w.id}
	return typ, w.dispatch(withMessageContext(b.baseCtx, mc), env)
}

// dispatch runs every handler for every logical message in order and stops
// at the first error.
func (w *worker) dispatch(ctx context.Context, env *Envelope) error {
	b := w.bus
	for _, msg := range env.Messages {
		typ := TypeName(msg)

		var handlers []Handler
		if h, ok := b.control[typ]; ok {
			handlers = append(handlers, h)
		}
		activated, err := b.activator.Activate(ctx, typ)
		if err != nil {
			return &systemFailure{op: "activate handlers", err: err}
		}
		handlers = append(handlers, activated...)
		handlers = b.inspector.Order(typ, handlers)

		if len(handlers) == 0 {
			b.logger.Debug().
				Str("message_type", typ).
				Str("endpoint", string(b.transport.InputQueue())).
				Msg("xsbus: no handlers for message")
			continue
		}

		if err := w.invoke(ctx, msg, handlers); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) invoke(ctx context.Context, msg any, handlers []Handler) error {
	defer func() {
		for _, h := range handlers {
			if c, ok := h.(io.Closer); ok {
				if err := c.Close(); err != nil {
					w.bus.logger.Warn().Err(err).Str("handler", HandlerNameOf(h)).Msg("xsbus: handler close failed")
				}
			}
		}
	}()

	for _, h := range handlers {
		wrapped := Chain(RecoveryMiddleware()(h), w.bus.middlewares...)
		if err := wrapped.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) succeed(d Delivery, typ string, start time.Time) {
	b := w.bus
	input := b.transport.InputQueue()

	actx, cancel := context.WithTimeout(b.baseCtx, b.ackTimeout)
	defer cancel()
	if err := d.Ack(actx); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: input, MessageID: d.ID(), MessageType: typ, Worker: w.id,
			Err: &TransportError{Op: "ack", Endpoint: input, Err: err}})
	} else {
		b.metrics.acked.Add(1)
	}
	b.failures.ClearFailure(d.ID())

	b.notify(Event{Type: ConsumeDone, Endpoint: input, MessageID: d.ID(), MessageType: typ, Worker: w.id, Duration: b.clock.Since(start)})
	b.notify(Event{Type: Ack, Endpoint: input, MessageID: d.ID(), MessageType: typ, Worker: w.id})
}

// fail records a failure and either nacks the delivery for retry or, at the
// threshold, moves it to the error endpoint. System failures count against
// the same threshold.
func (w *worker) fail(d Delivery, typ string, cause error, system bool) {
	b := w.bus
	input := b.transport.InputQueue()
	id := d.ID()

	count := b.failures.RecordFailure(id, cause)
	if system {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: input, MessageID: id, MessageType: typ, Worker: w.id, Attempts: count, Err: cause})
	} else {
		b.metrics.userErrors.Add(1)
		b.notify(Event{Type: UserError, Endpoint: input, MessageID: id, MessageType: typ, Worker: w.id, Attempts: count, Err: cause})
	}

	if !b.failures.HasFailedTooManyTimes(id) {
		w.nack(d, typ, cause)
		return
	}

	if err := w.forward(d, cause, count); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: b.errorEndpoint, MessageID: id, MessageType: typ, Worker: w.id, Err: err})
		w.nackAfter(minReceiveBackoff, d, typ, cause)
		return
	}

	b.failures.ClearFailure(id)
	actx, cancel := context.WithTimeout(b.baseCtx, b.ackTimeout)
	defer cancel()
	if err := d.Ack(actx); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: input, MessageID: id, MessageType: typ, Worker: w.id,
			Err: &TransportError{Op: "ack", Endpoint: input, Err: err}})
	} else {
		b.metrics.acked.Add(1)
	}
	b.metrics.deadLettered.Add(1)
	b.notify(Event{Type: MaxRetriesExceeded, Endpoint: b.errorEndpoint, MessageID: id, MessageType: typ, Worker: w.id, Attempts: count, Err: cause})
}

// poison handles a message that cannot be deserialized. No handler could
// ever succeed, so it goes straight to the error endpoint.
func (w *worker) poison(d Delivery, cause error) {
	b := w.bus
	input := b.transport.InputQueue()
	id := d.ID()

	b.metrics.systemErrors.Add(1)
	b.notify(Event{Type: SystemError, Endpoint: input, MessageID: id, Worker: w.id, Err: cause})

	if err := w.forward(d, cause, 0); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: b.errorEndpoint, MessageID: id, Worker: w.id, Err: err})
		w.nackAfter(minReceiveBackoff, d, "", cause)
		return
	}

	actx, cancel := context.WithTimeout(b.baseCtx, b.ackTimeout)
	defer cancel()
	if err := d.Ack(actx); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: input, MessageID: id, Worker: w.id,
			Err: &TransportError{Op: "ack", Endpoint: input, Err: err}})
		return
	}
	b.metrics.acked.Add(1)
	b.metrics.deadLettered.Add(1)
}

// forward sends the received message, bytes untouched, to the error endpoint
// with the failure described in transport headers.
func (w *worker) forward(d Delivery, cause error, count int) error {
	b := w.bus
	fm := b.transport.Forwardable(d)
	if fm == nil {
		fm = d.Message().Clone()
	}
	if fm.Headers == nil {
		fm.Headers = make(map[string]string, 3)
	}
	fm.Headers[HeaderErrorDetail] = cause.Error()
	fm.Headers[HeaderFailureCount] = strconv.Itoa(count)
	fm.Headers[HeaderOriginalQueue] = string(b.transport.InputQueue())

	sctx, cancel := context.WithTimeout(b.baseCtx, b.ackTimeout)
	defer cancel()
	if err := b.transport.Send(sctx, b.errorEndpoint, fm); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return err
		}
		return &TransportError{Op: "forward", Endpoint: b.errorEndpoint, Err: err}
	}
	return nil
}

// nackAfter nacks d after pause, or at once when the worker stops.
func (w *worker) nackAfter(pause time.Duration, d Delivery, typ string, reason error) {
	t := time.NewTimer(pause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stop:
	}
	w.nack(d, typ, reason)
}

func (w *worker) nack(d Delivery, typ string, reason error) {
	b := w.bus
	input := b.transport.InputQueue()

	actx, cancel := context.WithTimeout(b.baseCtx, b.ackTimeout)
	defer cancel()
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.systemErrors.Add(1)
		b.notify(Event{Type: SystemError, Endpoint: input, MessageID: d.ID(), MessageType: typ, Worker: w.id,
			Err: &TransportError{Op: "nack", Endpoint: input, Err: err}})
		return
	}
	b.metrics.nacked.Add(1)
	b.notify(Event{Type: Nack, Endpoint: input, MessageID: d.ID(), MessageType: typ, Worker: w.id, Err: reason})
}
