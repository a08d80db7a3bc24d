// Package throttle provides per-channel minimum-interval gates for calls to
// external services.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/jobharvest/internal/operations"
)

// Observer receives the time each Wait spent blocked. Used for metrics.
type Observer func(channel string, waited time.Duration)

// Throttler spaces successive releases of one channel at least Interval
// apart. The first call is released immediately. Waiters are served one at
// a time; the limiter paces reservations and the gap to the previous
// release is re-checked against the clock before returning, so a late
// timer never shortens the spacing.
type Throttler struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter
	observe  Observer

	turn        chan struct{}
	lastRelease time.Time
	onRelease   func(time.Time)
}

// New returns a Throttler for the named channel. A non-positive interval
// disables throttling.
func New(name string, interval time.Duration) *Throttler {
	t := &Throttler{name: name, interval: interval}
	if interval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(interval), 1)
		t.turn = make(chan struct{}, 1)
	}
	return t
}

// Name returns the channel name.
func (t *Throttler) Name() string { return t.name }

// Interval returns the minimum spacing between releases.
func (t *Throttler) Interval() time.Duration { return t.interval }

// Wait blocks until the channel may be used again. If ctx is aborted while
// waiting, Wait returns immediately with an error matching
// operations.ErrCancelled and the slot is given back.
func (t *Throttler) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := operations.Check(ctx); err != nil {
		return err
	}
	if t.limiter == nil {
		return nil
	}

	began := time.Now()
	err := t.await(ctx)
	if t.observe != nil {
		t.observe(t.name, time.Since(began))
	}
	if err != nil {
		if cerr := operations.Check(ctx); cerr != nil {
			return cerr
		}
		return fmt.Errorf("throttle %s: %w", t.name, err)
	}
	return nil
}

func (t *Throttler) await(ctx context.Context) error {
	select {
	case t.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.turn }()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if !t.lastRelease.IsZero() {
		if gap := t.interval - time.Since(t.lastRelease); gap > 0 {
			if err := operations.Sleep(ctx, gap); err != nil {
				return err
			}
		}
	}
	t.lastRelease = time.Now()
	if t.onRelease != nil {
		t.onRelease(t.lastRelease)
	}
	return nil
}

// Channel names.
const (
	ChannelAPI      = "api"
	ChannelPage     = "page"
	ChannelDetail   = "detail"
	ChannelAnalysis = "analysis"
)

// Intervals configures the default channel set.
type Intervals struct {
	API      time.Duration
	Page     time.Duration
	Detail   time.Duration
	Analysis time.Duration
}

// DefaultIntervals returns the intervals used when none are configured.
func DefaultIntervals() Intervals {
	return Intervals{
		API:      1000 * time.Millisecond,
		Page:     2000 * time.Millisecond,
		Detail:   1500 * time.Millisecond,
		Analysis: 500 * time.Millisecond,
	}
}

// Set holds one independent Throttler per external channel.
type Set struct {
	API      *Throttler
	Page     *Throttler
	Detail   *Throttler
	Analysis *Throttler
}

// NewSet builds the channel set. obs may be nil.
func NewSet(iv Intervals, obs Observer) *Set {
	mk := func(name string, d time.Duration) *Throttler {
		t := New(name, d)
		t.observe = obs
		return t
	}
	return &Set{
		API:      mk(ChannelAPI, iv.API),
		Page:     mk(ChannelPage, iv.Page),
		Detail:   mk(ChannelDetail, iv.Detail),
		Analysis: mk(ChannelAnalysis, iv.Analysis),
	}
}
