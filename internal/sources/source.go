// Package sources adapts external job boards and local documents into
// pages of postings for the collection pipeline.
package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/jobharvest/internal/posting"
)

// Page is one batch produced by a Source. An empty page or Done ends the
// source's pagination.
type Page struct {
	Items []posting.Posting
	// Next is the cursor for the following page.
	Next int
	// Done marks the last page.
	Done bool
}

// Source yields postings page by page. Cursors start at 1.
type Source interface {
	Name() string
	FetchPage(ctx context.Context, cursor int) (Page, error)
}

// Hydrator is implemented by sources whose listing pages only carry the
// canonical URL. Hydrate fills in the remaining fields once the posting is
// known not to be a duplicate. It returns ErrIncomplete when the detail page
// lacks required fields.
type Hydrator interface {
	Hydrate(ctx context.Context, p *posting.Posting) error
}

var (
	// ErrIncomplete marks a posting that cannot be stored because required
	// fields are missing.
	ErrIncomplete = errors.New("posting is missing required fields")

	ErrUnknownSource = errors.New("unknown source")
)

// StatusError is returned when an upstream answers with an HTTP error
// status. For listing pages it means there is no more usable data.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Status)
}

// IsTerminal reports whether err is an upstream HTTP error status, which
// ends pagination without being surfaced as a failure.
func IsTerminal(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status >= 400
}
