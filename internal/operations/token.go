package operations

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Token is the cancellation capability shared by every stage of one
// operation. It is a context.Context, so it is passed as ctx to anything
// that can block. Only the Registry aborts it.
type Token struct {
	context.Context
	abort context.CancelCauseFunc
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{Context: ctx, abort: cancel}
}

// NewDetachedToken returns a token that is not owned by any registry, along
// with the function that aborts it. Used by one-shot callers and tests.
func NewDetachedToken(parent context.Context) (*Token, func(cause error)) {
	t := newToken(parent)
	return t, func(cause error) { t.abort(cause) }
}

// Aborted reports whether the token has been aborted.
func (t *Token) Aborted() bool {
	return t.Err() != nil
}

// Cause returns why the token was aborted, or nil.
func (t *Token) Cause() error {
	if !t.Aborted() {
		return nil
	}
	return context.Cause(t.Context)
}

// OnAbort registers fn to run once, in its own goroutine, when the token is
// aborted. The returned stop function unregisters it.
func (t *Token) OnAbort(fn func(cause error)) (stop func() bool) {
	return context.AfterFunc(t.Context, func() {
		fn(context.Cause(t.Context))
	})
}

// Check returns an error matching ErrCancelled if ctx is done, nil otherwise.
// Call it at the top of every loop iteration and before every external call
// or write.
func Check(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Sleep pauses for d unless ctx is aborted first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return Check(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Check(ctx)
	case <-t.C:
		return nil
	}
}
