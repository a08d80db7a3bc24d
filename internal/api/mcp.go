package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Ops      Operations
	Postings PostingStore
	Research Researcher
}

// NewMCPServer creates an MCP server exposing the operation controls and
// stored postings as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"jobharvest",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("jobharvest collects job postings from Czech job boards and rates them against the candidate profile."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("collect",
			mcp.WithDescription("Run a collection from job boards. Blocks until the run ends and returns its statistics."),
			mcp.WithArray("sources",
				mcp.Description("Sources to collect from: all, startupjobs, jobscz, docs (default all)"),
				mcp.WithStringItems(),
			),
			mcp.WithNumber("limit", mcp.Description("Maximum number of new postings (default unlimited)")),
			mcp.WithBoolean("enrich", mcp.Description("Analyze new postings with the local model")),
		),
		mcpCollect(deps),
	)

	s.AddTool(
		mcp.NewTool("enrich",
			mcp.WithDescription("Analyze stored postings that have not been processed yet."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of postings (default 50)")),
		),
		mcpEnrich(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_operation",
			mcp.WithDescription("Cancel the running operation of a kind."),
			mcp.WithString("kind", mcp.Description("Operation kind"), mcp.Required(), mcp.Enum("collection", "enrichment")),
		),
		mcpCancel(deps),
	)

	s.AddTool(
		mcp.NewTool("operation_status",
			mcp.WithDescription("Report whether operations are running."),
		),
		mcpStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_postings",
			mcp.WithDescription("List stored postings, newest first."),
			mcp.WithString("source", mcp.Description("Only postings from this source")),
			mcp.WithBoolean("processed", mcp.Description("Filter by analysis state")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListPostings(deps),
	)

	s.AddTool(
		mcp.NewTool("get_posting",
			mcp.WithDescription("Fetch one stored posting with its analysis."),
			mcp.WithNumber("id", mcp.Description("Posting ID"), mcp.Required()),
		),
		mcpGetPosting(deps),
	)

	s.AddTool(
		mcp.NewTool("research_company",
			mcp.WithDescription("Search the web for a company and summarize what it does."),
			mcp.WithString("company", mcp.Description("Company name"), mcp.Required()),
		),
		mcpResearch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobharvest://runs",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 finished operations"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRuns(deps),
	)

	return s
}

func mcpCollect(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sources := req.GetStringSlice("sources", nil)
		if len(sources) == 0 {
			sources = []string{"all"}
		}
		creq := harvest.CollectRequest{Sources: sources, Limit: req.GetInt("limit", 0)}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["enrich"]; ok {
				enrich := req.GetBool("enrich", false)
				creq.Enrich = &enrich
			}
		}

		rep, err := deps.Ops.Collect(ctx, creq)
		if err != nil {
			return mcpError(operationMessage(err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpEnrich(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Ops.Enrich(ctx, harvest.EnrichRequest{Limit: req.GetInt("limit", 0)})
		if err != nil {
			return mcpError(operationMessage(err)), nil
		}
		return mcpJSON(rep)
	}
}

func mcpCancel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		kind, err := operations.ParseKind(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if !deps.Ops.Cancel(kind) {
			return mcpText(fmt.Sprintf("No %s operation is running", kind)), nil
		}
		return mcpText(fmt.Sprintf("Cancellation of the %s operation requested", kind)), nil
	}
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var list StatusList
		for _, k := range operations.Kinds() {
			list.Operations = append(list.Operations, deps.Ops.Status(k))
		}
		return mcpJSON(list)
	}
}

func mcpListPostings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}
		f := storage.PostingFilter{Source: req.GetString("source", ""), Limit: limit}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["processed"]; ok {
				processed := req.GetBool("processed", false)
				f.Processed = &processed
			}
		}

		items, total, err := deps.Postings.ListPostings(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing postings failed: %v", err)), nil
		}
		return mcpJSON(PostingList{Postings: items, Total: total, HasMore: len(items) < total})
	}
}

func mcpGetPosting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return mcpError("id is required"), nil
		}
		p, err := deps.Postings.GetPosting(ctx, int64(id))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("posting %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading posting failed: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		company, err := req.RequireString("company")
		if err != nil {
			return mcpError("company is required"), nil
		}
		resp, code, msg := researchCompany(ctx, deps.Research, company)
		if code != http.StatusOK {
			return mcpError(msg), nil
		}
		return mcpJSON(resp)
	}
}

func mcpResourceRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Ops.Runs(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if runs == nil {
			runs = []storage.Run{}
		}

		b, err := json.Marshal(runs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func operationMessage(err error) string {
	var conflict *operations.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Sprintf("A %s operation is already running (%s)", conflict.Kind, conflict.Active.Descriptor)
	}
	return err.Error()
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
