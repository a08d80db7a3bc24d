package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/jobharvest/internal/posting"
)

const postingColumns = `id, url, source, title, company, location, salary, description, tags,
	posted_at, scraped_at, processed, recommendation, score, analysis, research`

// PostingExists reports whether a posting with the given canonical URL is stored.
func (s *Store) PostingExists(ctx context.Context, url string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM postings WHERE url = ?", url).Scan(&n); err != nil {
		return false, fmt.Errorf("checking posting %s: %w", url, err)
	}
	return n > 0, nil
}

// InsertPosting stores p and returns its ID. A posting whose URL is already
// present yields ErrDuplicateKey.
func (s *Store) InsertPosting(ctx context.Context, p posting.Posting) (int64, error) {
	tags, err := json.Marshal(nonNil(p.Tags))
	if err != nil {
		return 0, err
	}
	analysis, recommendation, score, err := encodeAnalysis(p.Analysis)
	if err != nil {
		return 0, err
	}
	research, err := encodeJSON(p.Research)
	if err != nil {
		return 0, err
	}
	scrapedAt := p.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO postings (url, source, title, company, location, salary, description, tags,
			posted_at, scraped_at, processed, recommendation, score, analysis, research)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URL, p.Source, p.Title, p.Company, p.Location, p.Salary, p.Description, string(tags),
		formatTime(p.PostedAt), formatTime(scrapedAt), boolInt(p.Processed), recommendation, score, analysis, research,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("inserting posting %s: %w", p.URL, ErrDuplicateKey)
		}
		return 0, fmt.Errorf("inserting posting %s: %w", p.URL, err)
	}
	return res.LastInsertId()
}

// GetPosting returns the posting with the given ID.
func (s *Store) GetPosting(ctx context.Context, id int64) (posting.Posting, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postingColumns+" FROM postings WHERE id = ?", id)
	p, err := scanPosting(row)
	if err == sql.ErrNoRows {
		return posting.Posting{}, ErrNotFound
	}
	return p, err
}

// ListPostings returns postings matching f, newest first, together with the
// total number of matches ignoring Limit and Offset.
func (s *Store) ListPostings(ctx context.Context, f PostingFilter) ([]posting.Posting, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Processed != nil {
		where = append(where, "processed = ?")
		args = append(args, boolInt(*f.Processed))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM postings"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting postings: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := "SELECT " + postingColumns + " FROM postings" + clause + " ORDER BY scraped_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing postings: %w", err)
	}
	defer rows.Close()

	out, err := scanPostings(rows)
	return out, total, err
}

// ListUnprocessed returns up to limit postings that have no successful
// analysis yet, oldest first.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]posting.Posting, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postingColumns+" FROM postings WHERE processed = 0 ORDER BY scraped_at ASC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed postings: %w", err)
	}
	defer rows.Close()
	return scanPostings(rows)
}

// SaveEnrichment records a successful analysis (and optional research) for
// a stored posting and marks it processed. A non-empty company replaces the
// stored one.
func (s *Store) SaveEnrichment(ctx context.Context, id int64, a *posting.Analysis, r *posting.CompanyInfo, company string) error {
	analysis, recommendation, score, err := encodeAnalysis(a)
	if err != nil {
		return err
	}
	research, err := encodeJSON(r)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE postings SET processed = ?, recommendation = ?, score = ?, analysis = ?, research = ?,
			company = CASE WHEN ? = '' THEN company ELSE ? END
		WHERE id = ?`,
		boolInt(a != nil), recommendation, score, analysis, research, company, company, id,
	)
	if err != nil {
		return fmt.Errorf("saving enrichment for posting %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPostings returns the number of stored postings per source.
func (s *Store) CountPostings(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source, COUNT(*) FROM postings GROUP BY source")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			src string
			n   int
		)
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosting(row rowScanner) (posting.Posting, error) {
	var (
		p                        posting.Posting
		tags, postedAt, scraped  string
		processed                int
		recommendation           string
		score                    float64
		analysisJSON, researchJS string
	)
	if err := row.Scan(&p.ID, &p.URL, &p.Source, &p.Title, &p.Company, &p.Location, &p.Salary, &p.Description,
		&tags, &postedAt, &scraped, &processed, &recommendation, &score, &analysisJSON, &researchJS); err != nil {
		return posting.Posting{}, err
	}

	p.Processed = processed != 0
	p.PostedAt = parseTime(postedAt)
	p.ScrapedAt = parseTime(scraped)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			return posting.Posting{}, fmt.Errorf("decoding tags for posting %d: %w", p.ID, err)
		}
	}
	if analysisJSON != "" {
		p.Analysis = &posting.Analysis{}
		if err := json.Unmarshal([]byte(analysisJSON), p.Analysis); err != nil {
			return posting.Posting{}, fmt.Errorf("decoding analysis for posting %d: %w", p.ID, err)
		}
	}
	if researchJS != "" {
		p.Research = &posting.CompanyInfo{}
		if err := json.Unmarshal([]byte(researchJS), p.Research); err != nil {
			return posting.Posting{}, fmt.Errorf("decoding research for posting %d: %w", p.ID, err)
		}
	}
	return p, nil
}

func scanPostings(rows *sql.Rows) ([]posting.Posting, error) {
	var out []posting.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeAnalysis(a *posting.Analysis) (raw string, recommendation string, score float64, err error) {
	if a == nil {
		return "", "", 0, nil
	}
	raw, err = encodeJSON(a)
	return raw, string(a.Recommendation), a.Score, err
}

func encodeJSON[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
