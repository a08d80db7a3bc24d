package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/jobharvest/internal/analysis"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/sources"
	"github.com/kalambet/jobharvest/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- fakes ---

type fakeSink struct {
	mu       sync.Mutex
	stored   map[string]posting.Posting
	order    []string
	raceKeys map[string]bool
	insertFn func(p posting.Posting) error
}

func newFakeSink(existing ...string) *fakeSink {
	s := &fakeSink{stored: make(map[string]posting.Posting), raceKeys: make(map[string]bool)}
	for _, url := range existing {
		s.stored[url] = posting.Posting{URL: url}
	}
	return s
}

func (s *fakeSink) PostingExists(ctx context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raceKeys[url] {
		return false, nil
	}
	_, ok := s.stored[url]
	return ok, nil
}

func (s *fakeSink) InsertPosting(ctx context.Context, p posting.Posting) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertFn != nil {
		if err := s.insertFn(p); err != nil {
			return 0, err
		}
	}
	if _, ok := s.stored[p.URL]; ok || s.raceKeys[p.URL] {
		return 0, fmt.Errorf("inserting posting: %w", storage.ErrDuplicateKey)
	}
	s.stored[p.URL] = p
	s.order = append(s.order, p.URL)
	return int64(len(s.order)), nil
}

func (s *fakeSink) get(url string) (posting.Posting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.stored[url]
	return p, ok
}

type fakeSource struct {
	name  string
	pages [][]posting.Posting
	errAt map[int]error
	fetch func(ctx context.Context, cursor int) error
	calls []int
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) FetchPage(ctx context.Context, cursor int) (sources.Page, error) {
	s.calls = append(s.calls, cursor)
	if s.fetch != nil {
		if err := s.fetch(ctx, cursor); err != nil {
			return sources.Page{}, err
		}
	}
	if err := s.errAt[cursor]; err != nil {
		return sources.Page{}, err
	}
	if cursor > len(s.pages) {
		return sources.Page{Next: cursor + 1}, nil
	}
	return sources.Page{Items: s.pages[cursor-1], Next: cursor + 1}, nil
}

type hydratingSource struct {
	*fakeSource
	hydrate func(p *posting.Posting) error
}

func (s *hydratingSource) Hydrate(ctx context.Context, p *posting.Posting) error {
	return s.hydrate(p)
}

type fakeEnricher struct {
	mu         sync.Mutex
	analyzeFn  func(ctx context.Context, p posting.Posting) (analysis.Verdict, error)
	researchFn func(ctx context.Context, company string) (*posting.CompanyInfo, error)
	researched []string
}

func (e *fakeEnricher) Analyze(ctx context.Context, p posting.Posting) (analysis.Verdict, error) {
	return e.analyzeFn(ctx, p)
}

func (e *fakeEnricher) Research(ctx context.Context, company string) (*posting.CompanyInfo, error) {
	e.mu.Lock()
	e.researched = append(e.researched, company)
	e.mu.Unlock()
	if e.researchFn != nil {
		return e.researchFn(ctx, company)
	}
	return &posting.CompanyInfo{Name: company, KeyFacts: []string{"fact"}}, nil
}

func verdict(rec posting.Recommendation) analysis.Verdict {
	return analysis.Verdict{Analysis: &posting.Analysis{Recommendation: rec, Summary: "s", Score: 7}}
}

func items(prefix string, n int) []posting.Posting {
	out := make([]posting.Posting, n)
	for i := range out {
		out[i] = posting.Posting{
			URL:     fmt.Sprintf("https://%s.example/%d", prefix, i+1),
			Source:  prefix,
			Title:   fmt.Sprintf("Job %d", i+1),
			Company: fmt.Sprintf("Company %d", i+1),
		}
	}
	return out
}

// --- tests ---

func TestRun_EndToEnd(t *testing.T) {
	batch := items("board", 5)
	sink := newFakeSink(batch[0].URL, batch[1].URL)
	enricher := &fakeEnricher{analyzeFn: func(_ context.Context, p posting.Posting) (analysis.Verdict, error) {
		if p.URL == batch[4].URL {
			return verdict(posting.DoNotRespond), nil
		}
		return verdict(posting.Respond), nil
	}}
	src := &fakeSource{name: "board", pages: [][]posting.Posting{batch}}

	res, err := New(sink, enricher, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{Enrich: true})
	require.NoError(t, err)

	assert.Equal(t, operations.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 5, res.TotalSeen)
	assert.Equal(t, 3, res.NewlyPersisted)
	assert.Equal(t, 2, res.DuplicatesSkipped)
	assert.Equal(t, 3, res.Analyzed)
	assert.Equal(t, 2, res.Researched)
	assert.Equal(t, []string{"Company 3", "Company 4"}, enricher.researched)

	third, ok := sink.get(batch[2].URL)
	require.True(t, ok)
	assert.True(t, third.Processed)
	require.NotNil(t, third.Research)
	assert.Equal(t, "Company 3", third.Research.Name)

	fifth, _ := sink.get(batch[4].URL)
	assert.True(t, fifth.Processed)
	assert.Nil(t, fifth.Research)

	assert.Equal(t, []int{1, 2}, src.calls, "an empty page ends pagination")
}

func TestRun_SameKeyTwiceInOneRun(t *testing.T) {
	dup := items("board", 1)[0]
	sink := newFakeSink()
	src := &fakeSource{name: "board", pages: [][]posting.Posting{{dup, dup}}}

	res, err := New(sink, nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewlyPersisted)
	assert.Equal(t, 1, res.DuplicatesSkipped)
	assert.Zero(t, res.Failed)
}

func TestRun_DuplicateOnInsertRaceIsSkip(t *testing.T) {
	batch := items("board", 2)
	sink := newFakeSink()
	sink.raceKeys[batch[0].URL] = true

	var results []ItemResult
	o := New(sink, nil, WithLogger(quiet), WithObserver(func(_ string, r ItemResult) { results = append(results, r) }))
	src := &fakeSource{name: "board", pages: [][]posting.Posting{batch}}

	res, err := o.Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DuplicatesSkipped)
	assert.Equal(t, 1, res.NewlyPersisted)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []ItemResult{ItemDuplicate, ItemPersisted}, results)
}

func TestRun_FailedAnalysisStillPersisted(t *testing.T) {
	batch := items("board", 2)
	sink := newFakeSink()
	enricher := &fakeEnricher{analyzeFn: func(_ context.Context, p posting.Posting) (analysis.Verdict, error) {
		if p.URL == batch[0].URL {
			return analysis.Verdict{Degraded: true, Kind: retry.KindNetwork, Reason: "exhausted"}, nil
		}
		return verdict(posting.Consider), nil
	}}
	src := &fakeSource{name: "board", pages: [][]posting.Posting{batch}}

	res, err := New(sink, enricher, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{Enrich: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewlyPersisted)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, 1, res.Researched)

	degraded, ok := sink.get(batch[0].URL)
	require.True(t, ok)
	assert.False(t, degraded.Processed)
	assert.Nil(t, degraded.Analysis)
	assert.Equal(t, []string{"Company 2"}, enricher.researched)
}

func TestRun_CompanyFromAnalysisFillsMissing(t *testing.T) {
	p := posting.Posting{URL: "https://board.example/1", Title: "Go"}
	sink := newFakeSink()
	enricher := &fakeEnricher{analyzeFn: func(context.Context, posting.Posting) (analysis.Verdict, error) {
		v := verdict(posting.Respond)
		v.Analysis.CompanyName = "Acme"
		return v, nil
	}}
	src := &fakeSource{name: "board", pages: [][]posting.Posting{{p}}}

	_, err := New(sink, enricher, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{Enrich: true})
	require.NoError(t, err)

	stored, _ := sink.get(p.URL)
	assert.Equal(t, "Acme", stored.Company)
	assert.Equal(t, []string{"Acme"}, enricher.researched)
}

func TestRun_CancelledMidRunReturnsPartialCounts(t *testing.T) {
	tok, abort := operations.NewDetachedToken(context.Background())
	batch := items("board", 4)
	sink := newFakeSink()
	enricher := &fakeEnricher{analyzeFn: func(ctx context.Context, p posting.Posting) (analysis.Verdict, error) {
		if p.URL == batch[1].URL {
			abort(operations.ErrCancelRequested)
			return analysis.Verdict{}, operations.Check(ctx)
		}
		return verdict(posting.DoNotRespond), nil
	}}
	src := &fakeSource{name: "board", pages: [][]posting.Posting{batch}}

	res, err := New(sink, enricher, WithLogger(quiet)).Run(tok, []sources.Source{src}, RunOptions{Enrich: true})
	require.Error(t, err)
	assert.True(t, operations.IsCancelled(err))
	assert.ErrorIs(t, err, operations.ErrCancelRequested)
	assert.Equal(t, operations.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.NewlyPersisted)
	assert.Equal(t, 2, res.TotalSeen)

	_, stored := sink.get(batch[1].URL)
	assert.False(t, stored, "an item interrupted before its write is not persisted")
}

func TestRun_TerminalStatusEndsPaginationSilently(t *testing.T) {
	src := &fakeSource{
		name:  "board",
		pages: [][]posting.Posting{items("board", 2), items("more", 2)},
		errAt: map[int]error{2: &sources.StatusError{URL: "https://board.example/?page=2", Status: 404}},
	}
	res, err := New(newFakeSink(), nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewlyPersisted)
	assert.Empty(t, res.SourceErrors)
	assert.Equal(t, []int{1, 2}, src.calls)
}

func TestRun_SourceFailureDoesNotStopNextSource(t *testing.T) {
	broken := &fakeSource{
		name:  "broken",
		errAt: map[int]error{1: &retry.ExhaustedError{Attempts: 3, Err: errors.New("connection refused")}},
	}
	healthy := &fakeSource{name: "healthy", pages: [][]posting.Posting{items("healthy", 3)}}

	res, err := New(newFakeSink(), nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{broken, healthy}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, operations.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.NewlyPersisted)
	assert.Contains(t, res.SourceErrors, "broken")
}

func TestRun_SourcesRunSequentially(t *testing.T) {
	var order []string
	mk := func(name string) *fakeSource {
		return &fakeSource{
			name:  name,
			pages: [][]posting.Posting{items(name, 1)},
			fetch: func(_ context.Context, cursor int) error {
				order = append(order, fmt.Sprintf("%s:%d", name, cursor))
				return nil
			},
		}
	}
	_, err := New(newFakeSink(), nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{mk("a"), mk("b")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2", "b:1", "b:2"}, order)
}

func TestRun_LimitCountsNewItemsAcrossSources(t *testing.T) {
	a := items("a", 3)
	sink := newFakeSink(a[0].URL)
	srcA := &fakeSource{name: "a", pages: [][]posting.Posting{a}}
	srcB := &fakeSource{name: "b", pages: [][]posting.Posting{items("b", 3)}}

	res, err := New(sink, nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{srcA, srcB}, RunOptions{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NewlyPersisted)
	assert.Equal(t, 1, res.DuplicatesSkipped)
	assert.Equal(t, []int{1}, srcB.calls)
}

func TestRun_ItemDelayIsInterruptible(t *testing.T) {
	tok, abort := operations.NewDetachedToken(context.Background())
	src := &fakeSource{name: "board", pages: [][]posting.Posting{items("board", 3)}}
	time.AfterFunc(30*time.Millisecond, func() { abort(operations.ErrCancelRequested) })

	began := time.Now()
	res, err := New(newFakeSink(), nil, WithLogger(quiet)).Run(tok, []sources.Source{src}, RunOptions{ItemDelay: 10 * time.Second})
	assert.True(t, operations.IsCancelled(err))
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, 1, res.NewlyPersisted)
}

func TestRun_HydrationFailureIsIsolated(t *testing.T) {
	batch := []posting.Posting{{URL: "https://jobs.example/1"}, {URL: "https://jobs.example/2"}}
	src := &hydratingSource{
		fakeSource: &fakeSource{name: "jobs", pages: [][]posting.Posting{batch}},
		hydrate: func(p *posting.Posting) error {
			if p.URL == batch[0].URL {
				return &retry.ExhaustedError{Attempts: 3, Class: retry.Classify(context.DeadlineExceeded), Err: context.DeadlineExceeded}
			}
			p.Title, p.Company = "Go Developer", "Acme"
			return nil
		},
	}
	sink := newFakeSink()

	res, err := New(sink, nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.IncompleteSkipped)
	assert.Equal(t, 1, res.NewlyPersisted)

	stored, ok := sink.get(batch[1].URL)
	require.True(t, ok)
	assert.Equal(t, "Acme", stored.Company)
}

func TestRun_IncompleteDetailsAreSkipped(t *testing.T) {
	batch := []posting.Posting{{URL: "https://jobs.example/1"}, {URL: "https://jobs.example/2"}}
	src := &hydratingSource{
		fakeSource: &fakeSource{name: "jobs", pages: [][]posting.Posting{batch}},
		hydrate: func(p *posting.Posting) error {
			if p.URL == batch[0].URL {
				return fmt.Errorf("%s: %w", p.URL, sources.ErrIncomplete)
			}
			p.Title, p.Company = "Go Developer", "Acme"
			return nil
		},
	}
	var (
		mu      sync.Mutex
		results []ItemResult
	)
	observe := func(_ string, r ItemResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	res, err := New(newFakeSink(), nil, WithLogger(quiet), WithObserver(observe)).Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.IncompleteSkipped)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.NewlyPersisted)
	assert.Equal(t, []ItemResult{ItemIncomplete, ItemPersisted}, results)
}

func TestRun_LimitCountsOnlyPersisted(t *testing.T) {
	batch := items("jobs", 4)
	src := &hydratingSource{
		fakeSource: &fakeSource{name: "jobs", pages: [][]posting.Posting{batch}},
		hydrate: func(p *posting.Posting) error {
			if p.URL == batch[0].URL || p.URL == batch[1].URL {
				return fmt.Errorf("detail page: %w", retry.ErrParse)
			}
			return nil
		},
	}
	sink := newFakeSink()

	res, err := New(sink, nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalSeen)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.NewlyPersisted)
	_, ok := sink.get(batch[3].URL)
	assert.True(t, ok, "the run should continue past failed items until the limit is met")
}

func TestRun_LimitCountsOnlyPersistedAfterInsertFailure(t *testing.T) {
	batch := items("jobs", 3)
	sink := newFakeSink()
	sink.insertFn = func(p posting.Posting) error {
		if p.URL == batch[0].URL {
			return errors.New("disk full")
		}
		return nil
	}
	src := &fakeSource{name: "jobs", pages: [][]posting.Posting{batch}}

	res, err := New(sink, nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalSeen)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.NewlyPersisted)
}

func TestRun_HydrationSkippedForDuplicates(t *testing.T) {
	batch := []posting.Posting{{URL: "https://jobs.example/1"}}
	hydrated := 0
	src := &hydratingSource{
		fakeSource: &fakeSource{name: "jobs", pages: [][]posting.Posting{batch}},
		hydrate:    func(*posting.Posting) error { hydrated++; return nil },
	}
	res, err := New(newFakeSink(batch[0].URL), nil, WithLogger(quiet)).Run(context.Background(), []sources.Source{src}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DuplicatesSkipped)
	assert.Zero(t, hydrated)
}

func TestRun_RegistryTimeoutCancelsRun(t *testing.T) {
	reg := operations.NewRegistry(operations.WithLogger(quiet))
	defer reg.Close()

	var timeouts int
	src := &fakeSource{
		name: "slow",
		fetch: func(ctx context.Context, _ int) error {
			return operations.Sleep(ctx, 500*time.Millisecond)
		},
	}
	o := New(newFakeSink(), nil, WithLogger(quiet))

	var res Result
	began := time.Now()
	err := reg.RunExclusive(operations.KindCollection, operations.Params{
		Timeout:   50 * time.Millisecond,
		OnTimeout: func() { timeouts++ },
	}, func(tok *operations.Token) error {
		var err error
		res, err = o.Run(tok, []sources.Source{src}, RunOptions{})
		return err
	})

	assert.ErrorIs(t, err, operations.ErrTimedOut)
	assert.Less(t, time.Since(began), 400*time.Millisecond)
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, operations.OutcomeCancelled, res.Outcome)
	assert.False(t, reg.Status(operations.KindCollection).Active)
}
