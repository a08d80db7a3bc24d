// Package scheduler triggers collection runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/operations"
)

// Collector starts a collection run.
type Collector interface {
	Collect(ctx context.Context, req harvest.CollectRequest) (harvest.CollectReport, error)
}

// Scheduler runs a collection every interval. A tick that finds a
// collection already active is skipped.
type Scheduler struct {
	collector Collector
	req       harvest.CollectRequest
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a Scheduler. If interval is <= 0 Run returns immediately.
func New(c Collector, req harvest.CollectRequest, interval time.Duration) *Scheduler {
	return &Scheduler{
		collector: c,
		req:       req,
		interval:  interval,
		logger:    slog.Default(),
	}
}

// Run triggers collections until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info("scheduled collection enabled", "interval", s.interval, "sources", s.req.Sources)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled collection failed", "error", err)
		}
	}
}

// RunOnce triggers one collection. It returns false, without error, when
// another collection holds the kind.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	rep, err := s.collector.Collect(ctx, s.req)
	if errors.Is(err, operations.ErrConflict) {
		s.logger.Debug("collection already active, skipping scheduled run")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("scheduled collection finished",
		"outcome", rep.Outcome,
		"seen", rep.Stats.TotalSeen,
		"persisted", rep.Stats.NewlyPersisted,
	)
	return true, nil
}
