package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
)

// Researcher looks up a company on demand. Research returns nil info when
// nothing usable was found.
type Researcher interface {
	Research(ctx context.Context, company string) (*posting.CompanyInfo, error)
}

// ResearchRequest names the company to look up.
type ResearchRequest struct {
	Company string `json:"company" validate:"required"`
}

// ResearchResponse carries the research result and a one-line summary.
type ResearchResponse struct {
	Company *posting.CompanyInfo `json:"company"`
	Summary string               `json:"summary"`
}

// researchCompany runs one lookup. It returns an HTTP status and a message
// when the lookup cannot produce a result.
func researchCompany(ctx context.Context, r Researcher, company string) (ResearchResponse, int, string) {
	company = strings.TrimSpace(company)
	if company == "" {
		return ResearchResponse{}, http.StatusBadRequest, "company is required"
	}
	if r == nil {
		return ResearchResponse{}, http.StatusServiceUnavailable, "company research is disabled (server started without a model)"
	}
	info, err := r.Research(ctx, company)
	if err != nil {
		if operations.IsCancelled(err) {
			return ResearchResponse{}, http.StatusServiceUnavailable, "research interrupted"
		}
		return ResearchResponse{}, http.StatusInternalServerError, err.Error()
	}
	if info == nil {
		return ResearchResponse{}, http.StatusNotFound, fmt.Sprintf("no information found for %q", company)
	}
	return ResearchResponse{Company: info, Summary: companySummary(info)}, http.StatusOK, ""
}

func companySummary(info *posting.CompanyInfo) string {
	var b strings.Builder
	b.WriteString(info.Name)
	if info.Website != "" {
		fmt.Fprintf(&b, " (%s)", info.Website)
	}
	if len(info.KeyFacts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(info.KeyFacts, "; "))
	}
	return b.String()
}

func handleResearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResearchRequest
		if !decode(w, r, &req) {
			return
		}
		resp, code, msg := researchCompany(r.Context(), deps.Research, req.Company)
		switch code {
		case http.StatusOK:
			render.JSON(w, r, resp)
		case http.StatusBadRequest:
			httpError(w, r, code, "invalid_request_error", "%s", msg)
		case http.StatusNotFound:
			httpError(w, r, code, "not_found", "%s", msg)
		case http.StatusServiceUnavailable:
			httpError(w, r, code, "unavailable", "%s", msg)
		default:
			deps.Logger.Error("company research failed", "company", req.Company, "err", msg)
			httpError(w, r, code, "api_error", "%s", msg)
		}
	}
}
