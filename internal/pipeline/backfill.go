package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
)

// DefaultBackfillLimit caps a backfill run when no limit is given.
const DefaultBackfillLimit = 50

// backfillLabel is the source name reported to the observer.
const backfillLabel = "backfill"

// Backlog is the store view needed to enrich already stored postings.
type Backlog interface {
	ListUnprocessed(ctx context.Context, limit int) ([]posting.Posting, error)
	SaveEnrichment(ctx context.Context, id int64, a *posting.Analysis, r *posting.CompanyInfo, company string) error
}

// BackfillResult aggregates an enrichment backfill run.
type BackfillResult struct {
	Total      int                `json:"total"`
	Processed  int                `json:"processed"`
	Researched int                `json:"researched"`
	Failed     int                `json:"failed"`
	Outcome    operations.Outcome `json:"outcome"`
}

// EnrichStored analyzes up to limit stored postings that have not been
// processed yet. Postings whose analysis is unavailable stay unprocessed
// and count as failed.
func (o *Orchestrator) EnrichStored(ctx context.Context, backlog Backlog, limit int, itemDelay time.Duration) (BackfillResult, error) {
	var res BackfillResult
	if o.enricher == nil {
		return res, errors.New("enrichment is not configured")
	}
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}

	cancelled := func(err error) (BackfillResult, error) {
		res.Outcome = operations.OutcomeCancelled
		o.logger.Info("backfill cancelled", "processed", res.Processed, "total", res.Total)
		return res, err
	}

	pending, err := backlog.ListUnprocessed(ctx, limit)
	if err != nil {
		if operations.IsCancelled(err) {
			return cancelled(err)
		}
		return res, err
	}
	res.Total = len(pending)

	for i := range pending {
		p := &pending[i]
		if err := operations.Check(ctx); err != nil {
			return cancelled(err)
		}
		stage, err := o.enrich(ctx, p, &Result{})
		if err != nil {
			return cancelled(err)
		}
		if stage == StageUnanalyzed {
			res.Failed++
			o.notify(backfillLabel, ItemFailed)
		} else {
			if err := operations.Check(ctx); err != nil {
				return cancelled(err)
			}
			if err := backlog.SaveEnrichment(ctx, p.ID, p.Analysis, p.Research, p.Company); err != nil {
				if operations.IsCancelled(err) {
					return cancelled(err)
				}
				o.logger.Warn("saving enrichment failed", "id", p.ID, "err", err)
				res.Failed++
				o.notify(backfillLabel, ItemFailed)
			} else {
				res.Processed++
				if stage == StageResearched {
					res.Researched++
				}
				o.notify(backfillLabel, ItemPersisted)
			}
		}
		if err := operations.Sleep(ctx, itemDelay); err != nil {
			return cancelled(err)
		}
	}

	res.Outcome = operations.OutcomeCompleted
	o.logger.Info("backfill finished", "processed", res.Processed, "failed", res.Failed, "researched", res.Researched)
	return res, nil
}
