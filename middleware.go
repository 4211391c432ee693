package xsbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// RetryConfig controls in-process retries of a single handler call. These
// run inside one delivery attempt; the failure tracker only sees the final error.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg any) error {
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastErr = next.Handle(ctx, msg)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		})
	}
}

// TimeoutMiddleware bounds handler execution time. The bus itself imposes
// no timeout; add this when a stuck handler must not stall a worker.
// The abandoned handler keeps running in its goroutine.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg any) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next.Handle(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg any) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}

// LoggingMiddleware logs each handler invocation at debug level.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	if l == nil {
		l = xlog.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg any) error {
			clock, ok := ClockFromContext(ctx)
			if !ok {
				clock = xclock.Default()
			}
			start := clock.Now()
			id := ""
			if mc, ok := MessageContextFrom(ctx); ok {
				id = mc.MessageID()
			}
			err := next.Handle(ctx, msg)
			l.Debug().
				Str("message_type", TypeName(msg)).
				Str("message_id", id).
				Dur("dur", clock.Since(start)).
				Err(err).
				Msg("handler done")
			return err
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
