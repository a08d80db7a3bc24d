package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/session"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if strings.Contains(resp, `"error":{`) {
				w.WriteHeader(http.StatusConflict)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points CLI commands at ts and captures their output.
func useServer(t *testing.T, ts *testServer) (out, errOut *bytes.Buffer) {
	t.Helper()
	oldClient, oldOut, oldErr, oldColor := newAPIClient, stdout, stderr, noColor
	t.Cleanup(func() {
		newAPIClient, stdout, stderr, noColor = oldClient, oldOut, oldErr, oldColor
		rootCmd.SetArgs(nil)
	})

	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	stdout, stderr, noColor = out, errOut, true
	return out, errOut
}

func (ts *testServer) find(t *testing.T, method, pathPrefix string) recordedRequest {
	t.Helper()
	for _, r := range ts.requests {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			return r
		}
	}
	t.Fatalf("no %s %s request recorded; got %+v", method, pathPrefix, ts.requests)
	return recordedRequest{}
}

var ctx = context.Background()

func TestCollectCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/operations/collection": `{"success":true,"outcome":"completed","stats":{"total_seen":7,"newly_persisted":5,"duplicates_skipped":2,"failed":0,"outcome":"completed"}}`,
	})
	_, errOut := useServer(t, ts)

	rootCmd.SetArgs([]string{"collect", "--source", "jobscz,docs", "--limit", "5", "--enrich=false"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.find(t, http.MethodPost, "/v1/operations/collection")
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["limit"] != float64(5) || body["enrich"] != false {
		t.Errorf("body = %v, want limit 5 and enrich false", body)
	}
	if srcs, _ := body["sources"].([]any); len(srcs) != 2 {
		t.Errorf("sources = %v, want [jobscz docs]", body["sources"])
	}

	for _, want := range []string{"Collection completed", "New: 5", "Duplicates: 2"} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("output missing %q:\n%s", want, errOut.String())
		}
	}
}

func TestCollectCommand_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/operations/collection": `{"error":{"type":"conflict","message":"collection operation op-1 already active since 10:00:00"}}`,
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"collect"})
	err := rootCmd.Execute()

	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Type != "conflict" {
		t.Fatalf("err = %v, want conflict apiError", err)
	}
}

func TestCollectCommand_FailedOutcomeIsError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/operations/collection": `{"success":false,"outcome":"failed","stats":{},"error":"storage unavailable"}`,
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"collect"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "storage unavailable") {
		t.Fatalf("err = %v, want operation failure", err)
	}
}

func TestEnrichCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/operations/enrichment": `{"success":false,"outcome":"cancelled","stats":{"total":10,"processed":3,"failed":1,"researched":2}}`,
	})
	_, errOut := useServer(t, ts)

	rootCmd.SetArgs([]string{"enrich", "--limit", "10"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("cancelled run should not be an error: %v", err)
	}

	r := ts.find(t, http.MethodPost, "/v1/operations/enrichment")
	if !strings.Contains(r.Body, `"limit":10`) {
		t.Errorf("body = %s, want limit 10", r.Body)
	}
	if !strings.Contains(errOut.String(), "cancelled, partial results") || !strings.Contains(errOut.String(), "Processed: 3") {
		t.Errorf("output = %s", errOut.String())
	}
}

func TestCancelCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/operations/cancel": `{"found":true}`,
	})
	_, errOut := useServer(t, ts)

	rootCmd.SetArgs([]string{"cancel", "collection"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.find(t, http.MethodPost, "/v1/operations/cancel")
	if r.Body != `{"kind":"collection"}` {
		t.Errorf("body = %s", r.Body)
	}
	if !strings.Contains(errOut.String(), "Cancellation of the collection operation requested") {
		t.Errorf("output = %s", errOut.String())
	}
}

func TestCancelCommand_UnknownKind(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	rootCmd.SetArgs([]string{"cancel", "export"})
	err := rootCmd.Execute()
	if !errors.Is(err, operations.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("unexpected requests: %+v", ts.requests)
	}
}

func TestOpsStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/operations/status": `{"operations":[{"kind":"collection","active":true,"descriptor":"collect all","started_at":"2026-01-01T10:00:00Z"},{"kind":"enrichment","active":false}]}`,
	})
	_, errOut := useServer(t, ts)

	rootCmd.SetArgs([]string{"ops", "status"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(errOut.String(), "Collection: running collect all") || !strings.Contains(errOut.String(), "Enrichment: idle") {
		t.Errorf("output = %s", errOut.String())
	}
}

func TestOpsRuns(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/operations/runs": `{"runs":[{"id":"r1","kind":"collection","outcome":"cancelled","seen":4,"persisted":2,"finished_at":"2026-01-01T10:00:00Z","error":"cancel requested"}]}`,
	})
	out, _ := useServer(t, ts)

	rootCmd.SetArgs([]string{"ops", "runs", "--kind", "collection", "--limit", "5"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.find(t, http.MethodGet, "/v1/operations/runs")
	u, _ := url.Parse(r.Path)
	if u.Query().Get("kind") != "collection" || u.Query().Get("limit") != "5" {
		t.Errorf("query = %s", u.RawQuery)
	}
	if !strings.Contains(out.String(), "cancelled") || !strings.Contains(out.String(), "new=2") {
		t.Errorf("output = %s", out.String())
	}
}

func TestPostingsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/postings/": `{"postings":[{"id":7,"url":"https://example.com/7","source":"jobscz","title":"Go developer","company":"Acme","processed":true,"analysis":{"recommendation":"respond","score":8}}],"total":3,"has_more":true}`,
	})
	out, _ := useServer(t, ts)

	rootCmd.SetArgs([]string{"postings", "list", "--source", "jobscz", "--processed", "--limit", "1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := ts.find(t, http.MethodGet, "/v1/postings/")
	u, _ := url.Parse(r.Path)
	if u.Query().Get("processed") != "true" || u.Query().Get("source") != "jobscz" {
		t.Errorf("query = %s", u.RawQuery)
	}
	for _, want := range []string{"Go developer", "respond 8", "1 of 3 shown"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPostingsShow_InvalidID(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	rootCmd.SetArgs([]string{"postings", "show", "abc"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestExport_PaginatesJSONL(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{Method: r.Method, Path: r.URL.RequestURI()})
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "0" {
			w.Write([]byte(`{"postings":[{"id":1,"url":"https://example.com/1","source":"docs","title":"A","company":"X"}],"total":2,"has_more":true}`))
			return
		}
		w.Write([]byte(`{"postings":[{"id":2,"url":"https://example.com/2","source":"docs","title":"B","company":"Y"}],"total":2,"has_more":false}`))
	})
	out, _ := useServer(t, ts)

	rootCmd.SetArgs([]string{"export"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), out.String())
	}
	if len(ts.requests) != 2 {
		t.Errorf("requests = %d, want 2 pages", len(ts.requests))
	}
}

func TestExport_XLSXNeedsOutput(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	rootCmd.SetArgs([]string{"export", "--format", "xlsx"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--output") {
		t.Fatalf("err = %v, want --output required", err)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusBadGateway)
	rr.WriteString("upstream down")

	err := decodeJSON(rr.Result(), &struct{}{})
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
		t.Fatalf("err = %v, want plain body message", err)
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base string
		kind operations.Kind
		want string
	}{
		{"http://127.0.0.1:4000", "", "ws://127.0.0.1:4000/v1/ws"},
		{"https://jobs.example", operations.KindEnrichment, "wss://jobs.example/v1/ws?kind=enrichment"},
	}
	for _, tt := range tests {
		c := &apiClient{baseURL: tt.base}
		if got := c.wsURL(tt.kind); got != tt.want {
			t.Errorf("wsURL(%q, %q) = %q, want %q", tt.base, tt.kind, got, tt.want)
		}
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.Local)

	printEvent(&buf, session.Event{Type: session.EventSnapshot, At: at})
	printEvent(&buf, session.Event{Type: session.EventStart, Kind: operations.KindCollection, At: at,
		Session: &session.Session{Descriptor: "collect all", Owner: "cli"}})
	printEvent(&buf, session.Event{Type: session.EventStop, Kind: operations.KindCollection, At: at})

	got := buf.String()
	for _, want := range []string{"nothing running", "started  collect all (cli)", "stopped"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "jobharvest.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestReadProfile(t *testing.T) {
	dir := t.TempDir()

	got, err := readProfile(filepath.Join(dir, "missing.md"))
	if err != nil || got != "" {
		t.Fatalf("missing profile = %q, %v; want empty, nil", got, err)
	}

	path := filepath.Join(dir, "profile.md")
	os.WriteFile(path, []byte("\nSenior Go engineer in Prague\n"), 0o644)
	got, err = readProfile(path)
	if err != nil || got != "Senior Go engineer in Prague" {
		t.Fatalf("profile = %q, %v", got, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	if parseLogLevel("DEBUG").String() != "DEBUG" || parseLogLevel("bogus").String() != "INFO" || parseLogLevel("warn").String() != "WARN" {
		t.Error("unexpected log level mapping")
	}
}

func TestClientStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/operations/status": `{"kind":"enrichment","active":true,"id":"op-3"}`,
	})

	st, err := ts.client().status(ctx, operations.KindEnrichment)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Active || st.ID != "op-3" {
		t.Errorf("status = %+v", st)
	}
	if r := ts.requests[0]; r.Path != "/v1/operations/status?kind=enrichment" {
		t.Errorf("path = %q", r.Path)
	}
}
