package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/throttle"
)

// All expands to every job board source.
const All = "all"

// Deps carries the shared settings used to construct sources.
type Deps struct {
	Throttle *throttle.Set
	Policy   retry.Policy

	StartupJobsURL     string
	StartupJobsFilters string
	JobsCzURL          string
	JobsCzQuery        string
	JobsCzPages        int
	// RenderJS fetches jobs.cz listings through headless Chrome.
	RenderJS bool
	DocsDir  string
	// RequestTimeout bounds each request attempt. Zero means
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Names returns every source name Build accepts, besides All.
func Names() []string {
	return []string{StartupJobsName, JobsCzName, DocsName}
}

// Build constructs the named sources in order, dropping repeats. The
// returned function releases resources such as a headless browser and
// must be called when the sources are no longer used.
func Build(ctx context.Context, names []string, deps Deps) ([]Source, func(), error) {
	if deps.Throttle == nil {
		deps.Throttle = throttle.NewSet(throttle.DefaultIntervals(), nil)
	}
	if deps.RequestTimeout > 0 {
		deps.Policy.CallTimeout = deps.RequestTimeout
	}
	var (
		out     []Source
		closers []func()
		seen    = make(map[string]bool)
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var expanded []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == All {
			expanded = append(expanded, StartupJobsName, JobsCzName)
			continue
		}
		expanded = append(expanded, n)
	}

	for _, n := range expanded {
		if seen[n] {
			continue
		}
		seen[n] = true

		switch n {
		case StartupJobsName:
			out = append(out, NewStartupJobs(StartupJobsConfig{
				BaseURL:  deps.StartupJobsURL,
				Query:    deps.StartupJobsFilters,
				Throttle: deps.Throttle.API,
				Policy:   deps.Policy,
			}))
		case JobsCzName:
			cfg := JobsCzConfig{
				BaseURL:        deps.JobsCzURL,
				Query:          deps.JobsCzQuery,
				MaxPages:       deps.JobsCzPages,
				PageThrottle:   deps.Throttle.Page,
				DetailThrottle: deps.Throttle.Detail,
				Policy:         deps.Policy,
			}
			if deps.RenderJS {
				f, stop := NewChromeFetcher(ctx, JobsCzListSelector)
				if deps.RequestTimeout > 0 {
					f.NavigateTimeout = deps.RequestTimeout
				}
				closers = append(closers, stop)
				cfg.Fetcher = f
			}
			out = append(out, NewJobsCz(cfg))
		case DocsName:
			out = append(out, NewDocs(deps.DocsDir))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSource, n)
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("%w: no sources selected", ErrUnknownSource)
	}
	return out, closeAll, nil
}
