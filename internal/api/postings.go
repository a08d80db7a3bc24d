package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/storage"
)

// PostingList is one page of stored postings.
type PostingList struct {
	Postings []posting.Posting `json:"postings"`
	Total    int               `json:"total"`
	HasMore  bool              `json:"has_more"`
}

// PostingStats counts stored postings per source.
type PostingStats struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
}

func handleListPostings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.PostingFilter{
			Source: q.Get("source"),
			Limit:  parseIntParam(r, "limit", 20, 100),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if raw := q.Get("processed"); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				httpError(w, r, http.StatusBadRequest, "invalid_request_error", "processed must be true or false")
				return
			}
			f.Processed = &b
		}

		items, total, err := deps.Postings.ListPostings(r.Context(), f)
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to list postings: %v", err)
			return
		}
		if items == nil {
			items = []posting.Posting{}
		}
		render.JSON(w, r, PostingList{
			Postings: items,
			Total:    total,
			HasMore:  f.Offset+len(items) < total,
		})
	}
}

func handleGetPosting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid posting id")
			return
		}

		p, err := deps.Postings.GetPosting(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, r, http.StatusNotFound, "not_found", "posting not found")
			return
		}
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to get posting: %v", err)
			return
		}
		render.JSON(w, r, p)
	}
}

func handlePostingStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Postings.CountPostings(r.Context())
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to count postings: %v", err)
			return
		}
		stats := PostingStats{BySource: counts}
		for _, n := range counts {
			stats.Total += n
		}
		render.JSON(w, r, stats)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
