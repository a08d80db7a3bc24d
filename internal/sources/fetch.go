package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	acceptLanguage = "cs,en-US;q=0.9,en;q=0.8"
	maxBodyBytes   = 8 << 20

	// DefaultRequestTimeout bounds a single source request when the retry
	// policy sets no CallTimeout.
	DefaultRequestTimeout = 30 * time.Second
)

// Fetcher retrieves the body of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches pages with a plain HTTP GET.
type HTTPFetcher struct {
	Client *http.Client
	Accept string
}

// NewHTTPFetcher returns a fetcher that accepts the given media type. The
// client gives up on a request after DefaultRequestTimeout.
func NewHTTPFetcher(accept string) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: DefaultRequestTimeout}, Accept: accept}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	if f.Accept != "" {
		req.Header.Set("Accept", f.Accept)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

// ChromeFetcher renders pages in headless Chrome before returning their
// HTML, for boards that build listings client-side.
type ChromeFetcher struct {
	allocCtx context.Context
	// WaitSelector, if set, must match before the HTML is captured.
	WaitSelector string
	// SelectorTimeout bounds the wait for WaitSelector.
	SelectorTimeout time.Duration
	// NavigateTimeout bounds the whole render of one page.
	NavigateTimeout time.Duration
}

// NewChromeFetcher starts a browser allocator. The returned function shuts
// the browser down.
func NewChromeFetcher(ctx context.Context, waitSelector string) (*ChromeFetcher, func()) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1366, 900),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &ChromeFetcher{
		allocCtx:        allocCtx,
		WaitSelector:    waitSelector,
		SelectorTimeout: 15 * time.Second,
		NavigateTimeout: DefaultRequestTimeout,
	}, cancel
}

func (f *ChromeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	tabCtx, cancel := chromedp.NewContext(f.allocCtx)
	defer cancel()
	if f.NavigateTimeout > 0 {
		var cancelNav context.CancelFunc
		tabCtx, cancelNav = context.WithTimeout(tabCtx, f.NavigateTimeout)
		defer cancelNav()
	}
	// The tab lives under the allocator; tie it to the caller as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	actions := []chromedp.Action{chromedp.Navigate(url)}
	if f.WaitSelector != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			waitCtx, cancel := context.WithTimeout(ctx, f.SelectorTimeout)
			defer cancel()
			if err := chromedp.WaitVisible(f.WaitSelector, chromedp.ByQuery).Do(waitCtx); err != nil {
				// No listing rendered: treat like an empty result page.
				return &StatusError{URL: url, Status: http.StatusNotFound}
			}
			return nil
		}))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}
	return []byte(html), nil
}
