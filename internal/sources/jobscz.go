package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/throttle"
)

const (
	JobsCzName           = "jobscz"
	DefaultJobsCzBaseURL = "https://www.jobs.cz/prace/praha/"
	JobsCzListSelector   = "a[data-jobad-id]"
	defaultJobsCzPlace   = "Praha"
)

// JobsCzConfig configures the jobs.cz listing source.
type JobsCzConfig struct {
	// BaseURL is the listing URL; the page number is added as ?page=N.
	BaseURL string
	// Query holds extra URL-encoded search filters, e.g. "q[0]=golang".
	Query string
	// MaxPages stops pagination after this many pages when positive.
	MaxPages int
	Fetcher  Fetcher
	// PageThrottle gates listing requests, DetailThrottle detail requests.
	PageThrottle   *throttle.Throttler
	DetailThrottle *throttle.Throttler
	Policy         retry.Policy
	Now            func() time.Time
}

// JobsCz scrapes the jobs.cz HTML listing. Listing pages only yield the
// posting URL; details are fetched by Hydrate after deduplication.
type JobsCz struct {
	cfg    JobsCzConfig
	logger *slog.Logger
}

// NewJobsCz creates the source.
func NewJobsCz(cfg JobsCzConfig) *JobsCz {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultJobsCzBaseURL
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher("text/html")
	}
	if cfg.PageThrottle == nil {
		cfg.PageThrottle = throttle.New(throttle.ChannelPage, 0)
	}
	if cfg.DetailThrottle == nil {
		cfg.DetailThrottle = throttle.New(throttle.ChannelDetail, 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JobsCz{cfg: cfg, logger: slog.Default().With("source", JobsCzName)}
}

func (j *JobsCz) Name() string { return JobsCzName }

func (j *JobsCz) pageURL(page int) (string, error) {
	u, err := url.Parse(j.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	q, err := url.ParseQuery(strings.TrimPrefix(j.cfg.Query, "?"))
	if err != nil {
		return "", fmt.Errorf("parsing query: %w", err)
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("page", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage collects the posting links of one listing page.
func (j *JobsCz) FetchPage(ctx context.Context, cursor int) (Page, error) {
	pageURL, err := j.pageURL(cursor)
	if err != nil {
		return Page{}, err
	}
	body, err := retry.Do(ctx, j.cfg.Policy, "jobscz page", func(ctx context.Context) ([]byte, error) {
		if err := j.cfg.PageThrottle.Wait(ctx); err != nil {
			return nil, err
		}
		return j.cfg.Fetcher.Fetch(ctx, pageURL)
	})
	if err != nil {
		return Page{}, err
	}

	doc, err := parseDocument(body)
	if err != nil {
		return Page{}, fmt.Errorf("page %d: %w: %v", cursor, retry.ErrParse, err)
	}
	base, _ := url.Parse(pageURL)
	now := j.cfg.Now()

	seen := make(map[string]bool)
	var items []posting.Posting
	for _, a := range doc.find(isJobAdLink) {
		href, _ := attr(a, "href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || href == "" {
			continue
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		key := abs.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, posting.Posting{URL: key, Source: JobsCzName, ScrapedAt: now})
	}

	done := len(items) == 0 || (j.cfg.MaxPages > 0 && cursor >= j.cfg.MaxPages)
	j.logger.Debug("page fetched", "page", cursor, "links", len(items))
	return Page{Items: items, Next: cursor + 1, Done: done}, nil
}

func isJobAdLink(n *html.Node) bool {
	if n.DataAtom != atom.A {
		return false
	}
	_, ok := attr(n, "data-jobad-id")
	return ok
}

// Hydrate fetches the detail page of p and fills title, company and
// description. Title comes from the first h1, company from the first h2.
func (j *JobsCz) Hydrate(ctx context.Context, p *posting.Posting) error {
	body, err := retry.Do(ctx, j.cfg.Policy, "jobscz detail", func(ctx context.Context) ([]byte, error) {
		if err := j.cfg.DetailThrottle.Wait(ctx); err != nil {
			return nil, err
		}
		return j.cfg.Fetcher.Fetch(ctx, p.URL)
	})
	if err != nil {
		return err
	}

	doc, err := parseDocument(body)
	if err != nil {
		return fmt.Errorf("%w: %v", retry.ErrParse, err)
	}

	p.Title = doc.firstText(atom.H1)
	p.Company = doc.firstText(atom.H2)
	if p.Title == "" || p.Company == "" {
		return fmt.Errorf("%s: %w (title=%t, company=%t)", p.URL, ErrIncomplete, p.Title != "", p.Company != "")
	}
	if main := doc.firstText(atom.Main); main != "" {
		p.Description = main
	} else {
		p.Description = doc.firstText(atom.Body)
	}
	if p.Location == "" {
		p.Location = defaultJobsCzPlace
	}
	return nil
}
