package analysis

import (
	"fmt"
	"strings"

	"github.com/kalambet/jobharvest/internal/ollama"
	"github.com/kalambet/jobharvest/internal/posting"
)

const analysisSystemPrompt = `You are a career advisor screening job postings for one candidate. Read the posting and decide whether the candidate should respond. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Recommendations:
- "respond": strong fit, the candidate should apply
- "consider": partial fit or unclear details, worth a closer look
- "do_not_respond": poor fit, skip it

Rules:
- score is an integer from 1 (irrelevant) to 10 (ideal).
- company_name is the hiring company if the text states it, otherwise null.
- Keep each body field under 120 words.`

const maxDescriptionRunes = 6000

// BuildAnalysisPrompt constructs the chat messages for rating one posting.
func BuildAnalysisPrompt(p posting.Posting, profile string) []ollama.Message {
	var sys strings.Builder
	sys.WriteString(analysisSystemPrompt)
	if profile != "" {
		fmt.Fprintf(&sys, "\n\n[Candidate Profile]\n%s", profile)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Title: %s\n", p.Title)
	if p.Company != "" {
		fmt.Fprintf(&user, "Company: %s\n", p.Company)
	}
	if p.Location != "" {
		fmt.Fprintf(&user, "Location: %s\n", p.Location)
	}
	if p.Salary != "" {
		fmt.Fprintf(&user, "Salary: %s\n", p.Salary)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(&user, "Tags: %s\n", strings.Join(p.Tags, ", "))
	}
	fmt.Fprintf(&user, "URL: %s\n\n%s", p.URL, truncateRunes(p.Description, maxDescriptionRunes))

	return []ollama.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

const researchSystemPrompt = `You summarize public information about a company for a job seeker. Use only the search results provided. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Set website to null if no official site appears in the results. List at most five key facts, each one short sentence.`

// BuildResearchPrompt constructs the chat messages for summarizing search
// results about a company.
func BuildResearchPrompt(company string, results []ollama.SearchResult) []ollama.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "Company: %s\n\n[Search Results]\n", company)
	for i, r := range results {
		fmt.Fprintf(&user, "%d. %s (%s)\n%s\n\n", i+1, r.Title, r.URL, truncateRunes(r.Content, 1500))
	}
	return []ollama.Message{
		{Role: "system", Content: researchSystemPrompt},
		{Role: "user", Content: user.String()},
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
