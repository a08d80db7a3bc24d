package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/throttle"
)

const (
	StartupJobsName           = "startupjobs"
	DefaultStartupJobsBaseURL = "https://core.startupjobs.cz"
	startupJobsOfferURL       = "https://www.startupjobs.cz/nabidka/%s/%s"
)

// StartupJobsConfig configures the startupjobs.cz search API source.
type StartupJobsConfig struct {
	BaseURL string
	// Query holds extra URL-encoded filters appended to every request,
	// e.g. "fields[]=it&seniority[]=senior&startupOnly=false".
	Query    string
	Fetcher  Fetcher
	Throttle *throttle.Throttler
	Policy   retry.Policy
	Now      func() time.Time
}

// StartupJobs reads offers from the startupjobs.cz JSON search API.
type StartupJobs struct {
	cfg    StartupJobsConfig
	logger *slog.Logger
}

// NewStartupJobs creates the source.
func NewStartupJobs(cfg StartupJobsConfig) *StartupJobs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultStartupJobsBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher("application/json")
	}
	if cfg.Throttle == nil {
		cfg.Throttle = throttle.New(throttle.ChannelAPI, 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StartupJobs{cfg: cfg, logger: slog.Default().With("source", StartupJobsName)}
}

func (s *StartupJobs) Name() string { return StartupJobsName }

func (s *StartupJobs) pageURL(page int) string {
	u := fmt.Sprintf("%s/api/search/offers?page=%d", s.cfg.BaseURL, page)
	if q := strings.TrimPrefix(s.cfg.Query, "?"); q != "" {
		u += "&" + q
	}
	return u
}

// FetchPage retrieves one page of offers. The API answers either with a
// bare array (single page) or with {data: [...], meta: {last_page}}.
func (s *StartupJobs) FetchPage(ctx context.Context, cursor int) (Page, error) {
	url := s.pageURL(cursor)
	body, err := retry.Do(ctx, s.cfg.Policy, "startupjobs page", func(ctx context.Context) ([]byte, error) {
		if err := s.cfg.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
		return s.cfg.Fetcher.Fetch(ctx, url)
	})
	if err != nil {
		return Page{}, err
	}

	if !gjson.ValidBytes(body) {
		return Page{}, fmt.Errorf("page %d: %w: invalid JSON", cursor, retry.ErrParse)
	}
	root := gjson.ParseBytes(body)
	data := root
	if !root.IsArray() {
		data = root.Get("data")
	}
	if !data.IsArray() {
		s.logger.Warn("unexpected response structure, stopping", "page", cursor)
		return Page{Done: true}, nil
	}

	now := s.cfg.Now()
	var items []posting.Posting
	for _, offer := range data.Array() {
		p, ok := s.parseOffer(offer, now)
		if !ok {
			continue
		}
		items = append(items, p)
	}

	lastPage := int(root.Get("meta.last_page").Int())
	done := root.IsArray() || lastPage == 0 || cursor >= lastPage || len(data.Array()) == 0
	s.logger.Debug("page fetched", "page", cursor, "items", len(items), "last_page", lastPage)
	return Page{Items: items, Next: cursor + 1, Done: done}, nil
}

func (s *StartupJobs) parseOffer(offer gjson.Result, now time.Time) (posting.Posting, bool) {
	title := localized(offer.Get("title"))
	if title == "" {
		return posting.Posting{}, false
	}

	p := posting.Posting{
		Source:      StartupJobsName,
		Title:       title,
		Company:     strings.TrimSpace(offer.Get("company.name").String()),
		Description: HTMLText(localized(offer.Get("description"))),
		URL:         offer.Get("url").String(),
		Location:    offer.Get("location").String(),
		ScrapedAt:   now,
		PostedAt:    parseAPITime(offer.Get("created_at").String(), now),
	}
	if p.URL == "" {
		id := offer.Get("displayId").String()
		if id == "" {
			id = offer.Get("id").String()
		}
		p.URL = fmt.Sprintf(startupJobsOfferURL, id, Slugify(title))
	}
	if p.Location == "" {
		var names []string
		for _, loc := range offer.Get("locations").Array() {
			if n := localized(loc.Get("name")); n != "" {
				names = append(names, n)
			}
		}
		p.Location = strings.Join(names, ", ")
	}
	if sal := offer.Get("salary"); sal.Exists() && sal.IsObject() {
		p.Salary = strings.TrimSpace(fmt.Sprintf("%s-%s %s",
			sal.Get("from").String(), sal.Get("to").String(), sal.Get("currency").String()))
	}
	for _, tag := range offer.Get("tags").Array() {
		name := localized(tag)
		if name == "" {
			name = localized(tag.Get("name"))
		}
		if name != "" {
			p.Tags = append(p.Tags, name)
		}
	}
	return p, true
}

// localized returns a plain string value or the Czech (then English)
// variant of a {cs, en} object.
func localized(r gjson.Result) string {
	switch {
	case r.Type == gjson.String:
		return strings.TrimSpace(r.String())
	case r.IsObject():
		for _, lang := range []string{"cs", "en"} {
			if v := r.Get(lang); v.Type == gjson.String && v.String() != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	return ""
}

func parseAPITime(s string, fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
