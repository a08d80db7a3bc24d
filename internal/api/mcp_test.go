package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *fakeOps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ops := newFakeOps()
	return MCPDeps{Ops: ops, Postings: store}, ops, store
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func TestMCPTool_Collect(t *testing.T) {
	deps, ops, _ := newTestMCPDeps(t)

	req := makeCallToolRequest("collect", map[string]interface{}{
		"sources": []interface{}{"jobscz", "docs"},
		"limit":   float64(4),
		"enrich":  false,
	})
	result, err := mcpCollect(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	if len(ops.collectReq) != 1 {
		t.Fatalf("collect calls = %d, want 1", len(ops.collectReq))
	}
	got := ops.collectReq[0]
	if strings.Join(got.Sources, ",") != "jobscz,docs" || got.Limit != 4 {
		t.Errorf("request = %+v, want sources jobscz,docs limit 4", got)
	}
	if got.Enrich == nil || *got.Enrich {
		t.Errorf("enrich = %v, want explicit false", got.Enrich)
	}
}

func TestMCPTool_Collect_DefaultsToAll(t *testing.T) {
	deps, ops, _ := newTestMCPDeps(t)

	result, err := mcpCollect(deps)(context.Background(), makeCallToolRequest("collect", map[string]interface{}{}))
	if err != nil || result.IsError {
		t.Fatalf("collect failed: %v", err)
	}
	got := ops.collectReq[0]
	if len(got.Sources) != 1 || got.Sources[0] != "all" || got.Enrich != nil {
		t.Errorf("request = %+v, want sources [all] and no enrich override", got)
	}
}

func TestMCPTool_Collect_Conflict(t *testing.T) {
	deps, ops, _ := newTestMCPDeps(t)
	ops.collectErr = &operations.ConflictError{
		Kind:   operations.KindCollection,
		Active: operations.Status{Kind: operations.KindCollection, Active: true, Descriptor: "collect all", StartedAt: time.Now()},
	}

	result, err := mcpCollect(deps)(context.Background(), makeCallToolRequest("collect", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := toolText(t, result); !strings.Contains(text, "already running (collect all)") {
		t.Errorf("text = %q, want conflict description", text)
	}
}

func TestMCPTool_Cancel(t *testing.T) {
	deps, ops, _ := newTestMCPDeps(t)
	ops.active[operations.KindCollection] = operations.Status{Kind: operations.KindCollection, Active: true}

	result, _ := mcpCancel(deps)(context.Background(), makeCallToolRequest("cancel_operation", map[string]interface{}{"kind": "collection"}))
	if result.IsError || !strings.Contains(toolText(t, result), "requested") {
		t.Errorf("cancel collection = %q", toolText(t, result))
	}

	result, _ = mcpCancel(deps)(context.Background(), makeCallToolRequest("cancel_operation", map[string]interface{}{"kind": "enrichment"}))
	if !strings.Contains(toolText(t, result), "No enrichment operation") {
		t.Errorf("cancel enrichment = %q", toolText(t, result))
	}

	result, _ = mcpCancel(deps)(context.Background(), makeCallToolRequest("cancel_operation", map[string]interface{}{"kind": "bogus"}))
	if !result.IsError {
		t.Error("expected error for unknown kind")
	}
	if len(ops.cancelled) != 2 {
		t.Errorf("cancel calls = %d, want 2", len(ops.cancelled))
	}
}

func TestMCPTool_Status(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpStatus(deps)(context.Background(), makeCallToolRequest("operation_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list StatusList
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(list.Operations) != len(operations.Kinds()) {
		t.Errorf("operations = %d, want %d", len(list.Operations), len(operations.Kinds()))
	}
}

func TestMCPTool_Postings(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	id := insertPosting(t, store, "https://example.com/jobs/1", "jobscz")
	insertPosting(t, store, "https://example.com/jobs/2", "startupjobs")

	result, _ := mcpListPostings(deps)(context.Background(), makeCallToolRequest("list_postings", map[string]interface{}{
		"source": "jobscz",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var page PostingList
	if err := json.Unmarshal([]byte(toolText(t, result)), &page); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if page.Total != 1 || page.Postings[0].ID != id {
		t.Errorf("page = %+v, want only posting %d", page, id)
	}

	result, _ = mcpGetPosting(deps)(context.Background(), makeCallToolRequest("get_posting", map[string]interface{}{"id": float64(id)}))
	var p posting.Posting
	if err := json.Unmarshal([]byte(toolText(t, result)), &p); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if p.URL != "https://example.com/jobs/1" {
		t.Errorf("url = %q", p.URL)
	}

	result, _ = mcpGetPosting(deps)(context.Background(), makeCallToolRequest("get_posting", map[string]interface{}{"id": float64(9999)}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing posting = %q, want not found error", toolText(t, result))
	}
}

func TestMCPResource_Runs(t *testing.T) {
	deps, ops, _ := newTestMCPDeps(t)
	ops.runs = []storage.Run{{ID: "r1", Kind: "collection", Outcome: "completed"}}

	contents, err := mcpResourceRuns(deps)(context.Background(), makeReadResourceRequest("jobharvest://runs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var runs []storage.Run
	if err := json.Unmarshal([]byte(tc.Text), &runs); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestNewMCPServer_Builds(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
