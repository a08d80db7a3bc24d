package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kalambet/jobharvest/internal/operations"
)

// ErrExhausted is matched by the error returned when every attempt failed
// with a retryable error.
var ErrExhausted = errors.New("retry budget exhausted")

// ExhaustedError carries the last failure once the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Class    Classification
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts (%s): %v", e.Attempts, e.Class.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Policy controls retries at one call site.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay scales the wait: attempt k+1 waits BaseDelay*k.
	BaseDelay time.Duration
	// CallTimeout bounds each individual attempt. Zero means no bound
	// beyond the caller's context.
	CallTimeout time.Duration
	// Notify is called before each wait with the number of the attempt
	// that just failed.
	Notify func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns three attempts one second apart, then two.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// linearBackOff yields BaseDelay, 2*BaseDelay, 3*BaseDelay, ...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempt budget runs out, or ctx is aborted. Cancellation is returned as
// is and never retried. A retryable failure that outlasts the budget is
// returned as *ExhaustedError.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	attempt := func() (T, error) {
		attempts++
		if err := operations.Check(ctx); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}

		callCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}

		res, err := op(callCtx)
		if err == nil {
			return res, nil
		}
		if cerr := operations.Check(ctx); cerr != nil {
			return res, backoff.Permanent(cerr)
		}
		if !Classify(err).Retryable {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(&linearBackOff{base: p.BaseDelay}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.Debug("retrying", "call", name, "attempt", attempts, "delay", d, "err", err)
			if p.Notify != nil {
				p.Notify(attempts, d, err)
			}
		}),
	)
	if err == nil {
		return res, nil
	}

	if cerr := operations.Check(ctx); cerr != nil {
		return res, cerr
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if c := Classify(err); c.Retryable {
		return res, &ExhaustedError{Attempts: attempts, Class: c, Err: err}
	}
	return res, err
}
