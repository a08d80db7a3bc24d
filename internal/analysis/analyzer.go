// Package analysis rates job postings and researches hiring companies with a
// local LLM. Failures never abort a run: callers get a degraded verdict or
// no research, and only cancellation is returned as an error.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/kalambet/jobharvest/internal/ollama"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/throttle"
)

// Chatter is the interface for chat completion via Ollama.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema json.RawMessage) (string, error)
}

// Searcher looks things up on the web.
type Searcher interface {
	WebSearchEnabled() bool
	WebSearch(ctx context.Context, query string, maxResults int) ([]ollama.SearchResult, error)
}

// Verdict is the result of analyzing one posting. When Degraded is set the
// analysis was unavailable and Analysis is nil.
type Verdict struct {
	Analysis *posting.Analysis
	Degraded bool
	Kind     retry.Kind
	Reason   string
}

// Config holds analyzer settings.
type Config struct {
	Model string
	// Profile describes the candidate; it is appended to the system prompt.
	Profile       string
	Policy        retry.Policy
	Throttle      *throttle.Throttler
	SearchResults int
}

// Analyzer implements posting analysis and company research.
type Analyzer struct {
	chat   Chatter
	search Searcher
	cfg    Config
	logger *slog.Logger
}

// New creates an Analyzer. search may be nil, which disables research.
func New(chat Chatter, search Searcher, cfg Config) *Analyzer {
	if cfg.Throttle == nil {
		cfg.Throttle = throttle.New(throttle.ChannelAnalysis, 0)
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = 5
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Analyzer{chat: chat, search: search, cfg: cfg, logger: slog.Default()}
}

// wireAnalysis mirrors schemas/analysis.json.
type wireAnalysis struct {
	Recommendation posting.Recommendation `json:"recommendation"`
	Body           struct {
		Summary            string `json:"summary"`
		Analysis           string `json:"analysis"`
		RisksOpportunities string `json:"risks_opportunities"`
	} `json:"body"`
	Score       float64 `json:"score"`
	CompanyName *string `json:"company_name"`
}

// Analyze rates p. The returned error is non-nil only when ctx was aborted;
// any other failure yields a degraded Verdict.
func (a *Analyzer) Analyze(ctx context.Context, p posting.Posting) (Verdict, error) {
	if err := operations.Check(ctx); err != nil {
		return Verdict{}, err
	}

	messages := BuildAnalysisPrompt(p, a.cfg.Profile)
	result, err := retry.Do(ctx, a.cfg.Policy, "analyze", func(ctx context.Context) (*posting.Analysis, error) {
		if err := a.cfg.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
		raw, err := a.chat.Chat(ctx, a.cfg.Model, messages, analysisSchema.raw)
		if err != nil {
			return nil, err
		}
		var w wireAnalysis
		if err := analysisSchema.decode(raw, &w); err != nil {
			return nil, err
		}
		out := &posting.Analysis{
			Recommendation:     w.Recommendation,
			Summary:            w.Body.Summary,
			Analysis:           w.Body.Analysis,
			RisksOpportunities: w.Body.RisksOpportunities,
			Score:              w.Score,
		}
		if w.CompanyName != nil {
			out.CompanyName = strings.TrimSpace(*w.CompanyName)
		}
		return out, nil
	})
	if err != nil {
		if operations.IsCancelled(err) {
			return Verdict{}, err
		}
		kind := failureKind(err)
		a.logger.Warn("analysis unavailable", "url", p.URL, "kind", kind, "err", err)
		return Verdict{Degraded: true, Kind: kind, Reason: err.Error()}, nil
	}
	return Verdict{Analysis: result}, nil
}

type wireCompany struct {
	Name     string   `json:"name"`
	Website  *string  `json:"website"`
	KeyFacts []string `json:"key_facts"`
}

// Research looks the company up on the web and summarizes what it finds.
// It returns nil when research is disabled, the name is unusable, or any
// step fails. The returned error is non-nil only when ctx was aborted.
func (a *Analyzer) Research(ctx context.Context, company string) (*posting.CompanyInfo, error) {
	if err := operations.Check(ctx); err != nil {
		return nil, err
	}
	company = strings.TrimSpace(company)
	if company == "" || strings.EqualFold(company, "noname") {
		return nil, nil
	}
	if a.search == nil || !a.search.WebSearchEnabled() {
		a.logger.Debug("company research skipped, web search disabled", "company", company)
		return nil, nil
	}

	results, err := retry.Do(ctx, a.cfg.Policy, "web search", func(ctx context.Context) ([]ollama.SearchResult, error) {
		if err := a.cfg.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
		return a.search.WebSearch(ctx, company+" company", a.cfg.SearchResults)
	})
	if err != nil {
		return a.researchFailed(company, err)
	}
	if len(results) == 0 {
		a.logger.Debug("no search results", "company", company)
		return nil, nil
	}

	messages := BuildResearchPrompt(company, results)
	info, err := retry.Do(ctx, a.cfg.Policy, "research", func(ctx context.Context) (*posting.CompanyInfo, error) {
		if err := a.cfg.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
		raw, err := a.chat.Chat(ctx, a.cfg.Model, messages, companySchema.raw)
		if err != nil {
			return nil, err
		}
		var w wireCompany
		if err := companySchema.decode(raw, &w); err != nil {
			return nil, err
		}
		out := &posting.CompanyInfo{Name: w.Name, KeyFacts: w.KeyFacts}
		if w.Website != nil {
			out.Website = *w.Website
		}
		if out.Name == "" {
			out.Name = company
		}
		return out, nil
	})
	if err != nil {
		return a.researchFailed(company, err)
	}
	return info, nil
}

func (a *Analyzer) researchFailed(company string, err error) (*posting.CompanyInfo, error) {
	if operations.IsCancelled(err) {
		return nil, err
	}
	a.logger.Warn("company research unavailable", "company", company, "kind", failureKind(err), "err", err)
	return nil, nil
}

func failureKind(err error) retry.Kind {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Class.Kind
	}
	return retry.Classify(err).Kind
}
