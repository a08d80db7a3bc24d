package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/jobharvest/internal/analysis"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
)

type saved struct {
	id       int64
	analysis *posting.Analysis
	research *posting.CompanyInfo
	company  string
}

type fakeBacklog struct {
	pending []posting.Posting
	listErr error
	saveErr error
	limit   int
	saved   []saved
}

func (b *fakeBacklog) ListUnprocessed(ctx context.Context, limit int) ([]posting.Posting, error) {
	b.limit = limit
	if b.listErr != nil {
		return nil, b.listErr
	}
	if limit < len(b.pending) {
		return b.pending[:limit], nil
	}
	return b.pending, nil
}

func (b *fakeBacklog) SaveEnrichment(ctx context.Context, id int64, a *posting.Analysis, r *posting.CompanyInfo, company string) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saved = append(b.saved, saved{id: id, analysis: a, research: r, company: company})
	return nil
}

func backlogOf(n int) *fakeBacklog {
	b := &fakeBacklog{}
	for i, p := range items("stored", n) {
		p.ID = int64(i + 1)
		b.pending = append(b.pending, p)
	}
	return b
}

func TestEnrichStored(t *testing.T) {
	backlog := backlogOf(3)
	enricher := &fakeEnricher{analyzeFn: func(_ context.Context, p posting.Posting) (analysis.Verdict, error) {
		switch p.ID {
		case 1:
			return verdict(posting.Respond), nil
		case 2:
			return analysis.Verdict{Degraded: true}, nil
		default:
			return verdict(posting.DoNotRespond), nil
		}
	}}

	res, err := New(nil, enricher, WithLogger(quiet)).EnrichStored(context.Background(), backlog, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, DefaultBackfillLimit, backlog.limit)
	assert.Equal(t, BackfillResult{Total: 3, Processed: 2, Researched: 1, Failed: 1, Outcome: operations.OutcomeCompleted}, res)
	require.Len(t, backlog.saved, 2)
	assert.Equal(t, int64(1), backlog.saved[0].id)
	assert.NotNil(t, backlog.saved[0].research)
	assert.Equal(t, int64(3), backlog.saved[1].id)
	assert.Nil(t, backlog.saved[1].research)
}

func TestEnrichStored_RespectsLimit(t *testing.T) {
	backlog := backlogOf(5)
	enricher := &fakeEnricher{analyzeFn: func(context.Context, posting.Posting) (analysis.Verdict, error) {
		return verdict(posting.DoNotRespond), nil
	}}

	res, err := New(nil, enricher, WithLogger(quiet)).EnrichStored(context.Background(), backlog, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, backlog.saved, 2)
}

func TestEnrichStored_SaveFailureCountsAsFailed(t *testing.T) {
	backlog := backlogOf(2)
	backlog.saveErr = errors.New("disk full")
	enricher := &fakeEnricher{analyzeFn: func(context.Context, posting.Posting) (analysis.Verdict, error) {
		return verdict(posting.DoNotRespond), nil
	}}

	res, err := New(nil, enricher, WithLogger(quiet)).EnrichStored(context.Background(), backlog, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Processed)
}

func TestEnrichStored_Cancelled(t *testing.T) {
	tok, abort := operations.NewDetachedToken(context.Background())
	backlog := backlogOf(3)
	enricher := &fakeEnricher{analyzeFn: func(ctx context.Context, p posting.Posting) (analysis.Verdict, error) {
		if p.ID == 2 {
			abort(operations.ErrCancelRequested)
			return analysis.Verdict{}, operations.Check(ctx)
		}
		return verdict(posting.DoNotRespond), nil
	}}

	res, err := New(nil, enricher, WithLogger(quiet)).EnrichStored(tok, backlog, 10, 0)
	assert.True(t, operations.IsCancelled(err))
	assert.Equal(t, operations.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, backlog.saved, 1)
}

func TestEnrichStored_RequiresEnricher(t *testing.T) {
	_, err := New(nil, nil, WithLogger(quiet)).EnrichStored(context.Background(), backlogOf(1), 1, 0)
	assert.Error(t, err)
}
