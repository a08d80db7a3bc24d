// Package pipeline drives collection runs: sources are paged strictly in
// sequence, and every item goes through dedup, optional hydration,
// enrichment and persistence under the operation's cancellation token.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/jobharvest/internal/analysis"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/sources"
	"github.com/kalambet/jobharvest/internal/storage"
)

// Sink persists postings. InsertPosting must return an error matching
// storage.ErrDuplicateKey when the URL is already stored.
type Sink interface {
	PostingExists(ctx context.Context, url string) (bool, error)
	InsertPosting(ctx context.Context, p posting.Posting) (int64, error)
}

// Enricher analyzes postings and researches companies. Both methods return
// an error only when ctx was aborted.
type Enricher interface {
	Analyze(ctx context.Context, p posting.Posting) (analysis.Verdict, error)
	Research(ctx context.Context, company string) (*posting.CompanyInfo, error)
}

// Stage is the enrichment progress of one item.
type Stage string

const (
	StageUnanalyzed Stage = "unanalyzed"
	StageAnalyzed   Stage = "analyzed"
	StageResearched Stage = "researched"
	StagePersisted  Stage = "persisted"
)

// ItemResult is how processing of a single item ended.
type ItemResult string

const (
	ItemPersisted ItemResult = "persisted"
	ItemDuplicate ItemResult = "duplicate"
	// ItemIncomplete is a posting whose detail page lacked a title or
	// company. It is dropped without counting as a failure.
	ItemIncomplete ItemResult = "incomplete"
	ItemFailed     ItemResult = "failed"
)

// ItemObserver is notified once per item. It must not block.
type ItemObserver func(source string, result ItemResult)

// RunOptions configures one collection run.
type RunOptions struct {
	Enrich bool
	// Limit stops the run after this many newly persisted items when
	// positive. Duplicates, incomplete and failed items do not count.
	Limit int
	// ItemDelay pauses after every persisted item.
	ItemDelay time.Duration
}

// Result aggregates a collection run. It is returned with partial counters
// when the run is cancelled.
type Result struct {
	TotalSeen         int                `json:"total_seen"`
	NewlyPersisted    int                `json:"newly_persisted"`
	DuplicatesSkipped int                `json:"duplicates_skipped"`
	IncompleteSkipped int                `json:"incomplete_skipped"`
	Failed            int                `json:"failed"`
	Analyzed          int                `json:"analyzed"`
	Researched        int                `json:"researched"`
	SourceErrors      map[string]string  `json:"source_errors,omitempty"`
	Outcome           operations.Outcome `json:"outcome"`
}

// Orchestrator runs collection and backfill operations.
type Orchestrator struct {
	sink     Sink
	enricher Enricher
	observe  ItemObserver
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the per-item observer.
func WithObserver(fn ItemObserver) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator. enricher may be nil, which disables
// enrichment regardless of RunOptions.
func New(sink Sink, enricher Enricher, opts ...Option) *Orchestrator {
	o := &Orchestrator{sink: sink, enricher: enricher, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var errLimitReached = errors.New("item limit reached")

// Run pages through srcs one after another. A source that fails is
// recorded in SourceErrors and the run moves on to the next source. When
// ctx is aborted Run returns the partial Result with OutcomeCancelled and
// an error matching operations.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, srcs []sources.Source, opts RunOptions) (Result, error) {
	res := Result{}
	began := time.Now()
	newItems := 0

	for _, src := range srcs {
		err := o.runSource(ctx, src, opts, &res, &newItems)
		if err == nil {
			continue
		}
		if operations.IsCancelled(err) {
			res.Outcome = operations.OutcomeCancelled
			o.logger.Info("collection cancelled", "source", src.Name(), "seen", res.TotalSeen, "persisted", res.NewlyPersisted, "cause", err)
			return res, err
		}
		if errors.Is(err, errLimitReached) {
			o.logger.Debug("item limit reached", "limit", opts.Limit)
			break
		}
		o.logger.Warn("source failed", "source", src.Name(), "err", err)
		if res.SourceErrors == nil {
			res.SourceErrors = make(map[string]string)
		}
		res.SourceErrors[src.Name()] = err.Error()
	}

	res.Outcome = operations.OutcomeCompleted
	o.logger.Info("collection finished",
		"seen", res.TotalSeen,
		"persisted", res.NewlyPersisted,
		"duplicates", res.DuplicatesSkipped,
		"incomplete", res.IncompleteSkipped,
		"failed", res.Failed,
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return res, nil
}

func (o *Orchestrator) runSource(ctx context.Context, src sources.Source, opts RunOptions, res *Result, newItems *int) error {
	logger := o.logger.With("source", src.Name())
	cursor := 1
	for {
		if err := operations.Check(ctx); err != nil {
			return err
		}
		page, err := src.FetchPage(ctx, cursor)
		if err != nil {
			if operations.IsCancelled(err) {
				return err
			}
			if sources.IsTerminal(err) {
				logger.Debug("upstream ended pagination", "page", cursor, "err", err)
				return nil
			}
			return err
		}

		for _, item := range page.Items {
			persisted, err := o.processItem(ctx, src, item, opts, res)
			if err != nil {
				return err
			}
			if !persisted {
				continue
			}
			*newItems++
			if opts.Limit > 0 && *newItems >= opts.Limit {
				return errLimitReached
			}
			if err := operations.Sleep(ctx, opts.ItemDelay); err != nil {
				return err
			}
		}

		if page.Done || len(page.Items) == 0 {
			return nil
		}
		next := page.Next
		if next <= cursor {
			next = cursor + 1
		}
		cursor = next
	}
}

// processItem handles one posting. It reports whether the item was
// persisted, and returns an error only on cancellation.
func (o *Orchestrator) processItem(ctx context.Context, src sources.Source, p posting.Posting, opts RunOptions, res *Result) (bool, error) {
	res.TotalSeen++
	if err := operations.Check(ctx); err != nil {
		return false, err
	}
	logger := o.logger.With("source", src.Name(), "url", p.Key())

	exists, err := o.sink.PostingExists(ctx, p.Key())
	if err != nil {
		if operations.IsCancelled(err) {
			return false, err
		}
		logger.Warn("dedup check failed", "err", err)
		o.fail(src.Name(), res)
		return false, nil
	}
	if exists {
		o.duplicate(src.Name(), res)
		return false, nil
	}

	if h, ok := src.(sources.Hydrator); ok {
		if err := h.Hydrate(ctx, &p); err != nil {
			if operations.IsCancelled(err) {
				return false, err
			}
			if errors.Is(err, sources.ErrIncomplete) {
				logger.Info("skipping posting with incomplete details", "err", err)
				res.IncompleteSkipped++
				o.notify(src.Name(), ItemIncomplete)
				return false, nil
			}
			logger.Warn("fetching details failed", "err", err)
			o.fail(src.Name(), res)
			return false, nil
		}
	}

	stage := StageUnanalyzed
	if opts.Enrich && o.enricher != nil {
		stage, err = o.enrich(ctx, &p, res)
		if err != nil {
			return false, err
		}
	}

	if err := operations.Check(ctx); err != nil {
		return false, err
	}
	_, err = o.sink.InsertPosting(ctx, p)
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		logger.Debug("duplicate on insert")
		o.duplicate(src.Name(), res)
		return false, nil
	case err != nil:
		if operations.IsCancelled(err) {
			return false, err
		}
		logger.Warn("persisting posting failed", "err", err)
		o.fail(src.Name(), res)
		return false, nil
	}

	res.NewlyPersisted++
	logger.Debug("posting stored", "from", stage, "to", StagePersisted)
	o.notify(src.Name(), ItemPersisted)
	return true, nil
}

// enrich advances p through analysis and, for promising postings, company
// research. Failures leave p at the last stage it reached.
func (o *Orchestrator) enrich(ctx context.Context, p *posting.Posting, res *Result) (Stage, error) {
	v, err := o.enricher.Analyze(ctx, *p)
	if err != nil {
		return StageUnanalyzed, err
	}
	if v.Degraded || v.Analysis == nil {
		return StageUnanalyzed, nil
	}
	applyAnalysis(p, v.Analysis)
	res.Analyzed++

	if !v.Analysis.Recommendation.WarrantsResearch() {
		return StageAnalyzed, nil
	}
	info, err := o.enricher.Research(ctx, p.Company)
	if err != nil {
		return StageAnalyzed, err
	}
	if info == nil {
		return StageAnalyzed, nil
	}
	p.Research = info
	res.Researched++
	return StageResearched, nil
}

func applyAnalysis(p *posting.Posting, a *posting.Analysis) {
	p.Analysis = a
	p.Processed = true
	if p.Company == "" && a.CompanyName != "" {
		p.Company = a.CompanyName
	}
}

func (o *Orchestrator) duplicate(source string, res *Result) {
	res.DuplicatesSkipped++
	o.notify(source, ItemDuplicate)
}

func (o *Orchestrator) fail(source string, res *Result) {
	res.Failed++
	o.notify(source, ItemFailed)
}

func (o *Orchestrator) notify(source string, r ItemResult) {
	if o.observe != nil {
		o.observe(source, r)
	}
}
