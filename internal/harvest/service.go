// Package harvest runs collection and enrichment as guarded operations:
// each run claims its kind in the registry, drives the pipeline under the
// operation token and records a run summary when it ends.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/pipeline"
	"github.com/kalambet/jobharvest/internal/sources"
	"github.com/kalambet/jobharvest/internal/storage"
)

// ErrInvalidRequest is returned for requests rejected before any operation
// is registered.
var ErrInvalidRequest = errors.New("invalid request")

// recordTimeout bounds the run-history write after an operation ends.
const recordTimeout = 5 * time.Second

// Store is the persistence the service needs.
type Store interface {
	pipeline.Sink
	pipeline.Backlog
	RecordRun(ctx context.Context, r storage.Run) error
	ListRuns(ctx context.Context, kind string, limit int) ([]storage.Run, error)
}

// SourceFactory builds the named sources. The returned function releases
// their resources.
type SourceFactory func(ctx context.Context, names []string) ([]sources.Source, func(), error)

// Config wires a Service.
type Config struct {
	Registry     *operations.Registry
	Orchestrator *pipeline.Orchestrator
	Store        Store
	Sources      SourceFactory
	// ItemDelay paces consecutive new items.
	ItemDelay time.Duration
	// Enrich is the default for collection requests that do not say.
	Enrich bool
	Logger *slog.Logger
}

// Service is the single entry point for starting, cancelling and
// inspecting operations. HTTP handlers, MCP tools and the scheduler share it.
type Service struct {
	registry *operations.Registry
	orch     *pipeline.Orchestrator
	store    Store
	sources  SourceFactory
	delay    time.Duration
	enrich   bool
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: cfg.Registry,
		orch:     cfg.Orchestrator,
		store:    cfg.Store,
		sources:  cfg.Sources,
		delay:    cfg.ItemDelay,
		enrich:   cfg.Enrich,
		logger:   logger,
		now:      time.Now,
	}
}

// CollectRequest starts a collection run.
type CollectRequest struct {
	Sources []string `json:"sources" validate:"required,min=1,dive,oneof=all startupjobs jobscz docs"`
	// Limit caps newly seen postings; zero means no limit.
	Limit  int   `json:"limit,omitempty" validate:"gte=0"`
	Enrich *bool `json:"enrich,omitempty"`
}

// EnrichRequest starts an enrichment backfill.
type EnrichRequest struct {
	Limit int `json:"limit,omitempty" validate:"gte=0"`
}

// CollectReport is the result of a collection run. Success is false when
// the run was cancelled or failed; Stats then holds the partial counts.
type CollectReport struct {
	Success bool               `json:"success"`
	Outcome operations.Outcome `json:"outcome"`
	Stats   pipeline.Result    `json:"stats"`
	Error   string             `json:"error,omitempty"`
}

// EnrichReport is the result of an enrichment backfill.
type EnrichReport struct {
	Success bool                    `json:"success"`
	Outcome operations.Outcome      `json:"outcome"`
	Stats   pipeline.BackfillResult `json:"stats"`
	Error   string                  `json:"error,omitempty"`
}

// Collect runs a collection synchronously. It returns an error only when
// the request is invalid or the kind is already active (*ConflictError);
// both leave no trace. Cancellation and failure are reported in the report.
func (s *Service) Collect(ctx context.Context, req CollectRequest) (CollectReport, error) {
	names, err := normalizeSources(req.Sources)
	if err != nil {
		return CollectReport{}, err
	}
	if req.Limit < 0 {
		return CollectReport{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	enrich := s.enrich
	if req.Enrich != nil {
		enrich = *req.Enrich
	}

	descriptor := "collect " + strings.Join(names, ",")
	if req.Limit > 0 {
		descriptor += fmt.Sprintf(" (limit %d)", req.Limit)
	}

	var (
		res   pipeline.Result
		opID  string
		start time.Time
	)
	runErr := s.registry.RunExclusive(operations.KindCollection, operations.Params{Descriptor: descriptor}, func(tok *operations.Token) error {
		st := s.registry.Status(operations.KindCollection)
		opID, start = st.ID, st.StartedAt

		srcs, release, err := s.sources(tok, names)
		if err != nil {
			return fmt.Errorf("building sources: %w", err)
		}
		defer release()

		var runErr error
		res, runErr = s.orch.Run(tok, srcs, pipeline.RunOptions{
			Enrich:    enrich,
			Limit:     req.Limit,
			ItemDelay: s.delay,
		})
		return runErr
	})
	if errors.Is(runErr, operations.ErrConflict) {
		return CollectReport{}, runErr
	}

	outcome := operations.OutcomeOf(runErr)
	res.Outcome = outcome
	rep := CollectReport{Success: outcome == operations.OutcomeCompleted, Outcome: outcome, Stats: res}
	if outcome == operations.OutcomeFailed {
		rep.Error = runErr.Error()
	}

	s.record(ctx, storage.Run{
		ID:         opID,
		Kind:       string(operations.KindCollection),
		Descriptor: descriptor,
		StartedAt:  start,
		Outcome:    string(outcome),
		Seen:       res.TotalSeen,
		Persisted:  res.NewlyPersisted,
		Duplicates: res.DuplicatesSkipped,
		Failed:     res.Failed,
		Error:      errText(runErr),
	})
	return rep, nil
}

// Enrich runs the enrichment backfill synchronously, with the same error
// contract as Collect.
func (s *Service) Enrich(ctx context.Context, req EnrichRequest) (EnrichReport, error) {
	if req.Limit < 0 {
		return EnrichReport{}, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	limit := req.Limit
	if limit == 0 {
		limit = pipeline.DefaultBackfillLimit
	}
	descriptor := fmt.Sprintf("enrich up to %d stored postings", limit)

	var (
		res   pipeline.BackfillResult
		opID  string
		start time.Time
	)
	runErr := s.registry.RunExclusive(operations.KindEnrichment, operations.Params{Descriptor: descriptor}, func(tok *operations.Token) error {
		st := s.registry.Status(operations.KindEnrichment)
		opID, start = st.ID, st.StartedAt

		var err error
		res, err = s.orch.EnrichStored(tok, s.store, limit, s.delay)
		return err
	})
	if errors.Is(runErr, operations.ErrConflict) {
		return EnrichReport{}, runErr
	}

	outcome := operations.OutcomeOf(runErr)
	res.Outcome = outcome
	rep := EnrichReport{Success: outcome == operations.OutcomeCompleted, Outcome: outcome, Stats: res}
	if outcome == operations.OutcomeFailed {
		rep.Error = runErr.Error()
	}

	s.record(ctx, storage.Run{
		ID:         opID,
		Kind:       string(operations.KindEnrichment),
		Descriptor: descriptor,
		StartedAt:  start,
		Outcome:    string(outcome),
		Seen:       res.Total,
		Persisted:  res.Processed,
		Failed:     res.Failed,
		Error:      errText(runErr),
	})
	return rep, nil
}

// Cancel requests cancellation of kind and reports whether it was active.
func (s *Service) Cancel(kind operations.Kind) bool {
	return s.registry.Cancel(kind)
}

// Status returns the registry status of kind.
func (s *Service) Status(kind operations.Kind) operations.Status {
	return s.registry.Status(kind)
}

// Runs lists recorded runs, newest first.
func (s *Service) Runs(ctx context.Context, kind string, limit int) ([]storage.Run, error) {
	return s.store.ListRuns(ctx, kind, limit)
}

// record stores the run summary. The operation context is gone by now, so
// the write runs detached from cancellation with its own deadline.
func (s *Service) record(ctx context.Context, r storage.Run) {
	if r.ID == "" {
		return
	}
	r.FinishedAt = s.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.RecordRun(ctx, r); err != nil {
		s.logger.Warn("recording run failed", "kind", r.Kind, "id", r.ID, "err", err)
	}
}

// normalizeSources lowercases, validates and dedups the requested names.
func normalizeSources(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one source is required", ErrInvalidRequest)
	}
	valid := append(sources.Names(), sources.All)
	var out []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if !slices.Contains(valid, n) {
			return nil, fmt.Errorf("%w: unknown source %q (valid: %s)", ErrInvalidRequest, n, strings.Join(valid, ", "))
		}
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
