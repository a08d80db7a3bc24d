// Package posting holds the job posting record that flows from sources
// through enrichment into storage.
package posting

import "time"

// Recommendation is the analysis verdict on whether a posting is worth a reply.
type Recommendation string

const (
	Respond      Recommendation = "respond"
	Consider     Recommendation = "consider"
	DoNotRespond Recommendation = "do_not_respond"
)

// Valid reports whether r is one of the known recommendations.
func (r Recommendation) Valid() bool {
	switch r {
	case Respond, Consider, DoNotRespond:
		return true
	}
	return false
}

// WarrantsResearch reports whether a posting with this recommendation is
// worth an additional company lookup.
func (r Recommendation) WarrantsResearch() bool {
	return r == Respond || r == Consider
}

// Posting is a single job advertisement. URL is the canonical dedup key.
type Posting struct {
	ID          int64     `json:"id,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Company     string    `json:"company"`
	Location    string    `json:"location,omitempty"`
	Salary      string    `json:"salary,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	PostedAt    time.Time `json:"posted_at,omitzero"`
	ScrapedAt   time.Time `json:"scraped_at"`

	Processed bool         `json:"processed"`
	Analysis  *Analysis    `json:"analysis,omitempty"`
	Research  *CompanyInfo `json:"research,omitempty"`
}

// Key returns the canonical identifier used for deduplication.
func (p Posting) Key() string {
	return p.URL
}

// Analysis is the structured LLM assessment of a posting.
type Analysis struct {
	Recommendation     Recommendation `json:"recommendation"`
	Summary            string         `json:"summary"`
	Analysis           string         `json:"analysis"`
	RisksOpportunities string         `json:"risks_opportunities"`
	Score              float64        `json:"score"`
	CompanyName        string         `json:"company_name,omitempty"`
}

// CompanyInfo is the result of researching the hiring company.
type CompanyInfo struct {
	Name     string   `json:"name"`
	Website  string   `json:"website,omitempty"`
	KeyFacts []string `json:"key_facts"`
}
