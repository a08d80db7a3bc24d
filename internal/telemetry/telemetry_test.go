package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading scrape: %v", err)
	}
	return string(body)
}

func TestMetricsExported(t *testing.T) {
	p, err := NewProvider()
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	st := operations.Status{Kind: operations.KindCollection, StartedAt: time.Now().Add(-time.Second)}
	m.OperationStarted(st)
	m.OperationEnded(st, operations.OutcomeCancelled)
	m.RecordItem("startupjobs", "persisted")
	m.RecordItem("startupjobs", "persisted")
	m.RecordRetry(1, time.Second, context.DeadlineExceeded)
	m.RecordThrottleWait("api", 250*time.Millisecond)
	m.RecordHubDrop()

	body := scrape(t, p)
	for _, want := range []string{
		"jobharvest_operations_started_total",
		"jobharvest_operations_ended_total",
		`outcome="cancelled"`,
		"jobharvest_pipeline_items_total",
		`source="startupjobs"`,
		"jobharvest_retries_total",
		`class="timeout"`,
		`channel="api"`,
		"jobharvest_session_events_dropped_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatalf("NewMetrics(nil): %v", err)
	}
	if m != nil {
		t.Fatalf("NewMetrics(nil) = %v, want nil", m)
	}

	// None of these may panic.
	m.OperationStarted(operations.Status{Kind: operations.KindEnrichment})
	m.OperationEnded(operations.Status{Kind: operations.KindEnrichment}, operations.OutcomeFailed)
	m.RecordItem("docs", "failed")
	m.RecordRetry(1, 0, errors.New("boom"))
	m.RecordThrottleWait("page", time.Second)
	m.RecordHubDrop()
}

func TestRegistryListener(t *testing.T) {
	p, err := NewProvider()
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := operations.NewRegistry(operations.WithListener(m))
	if err := reg.RunExclusive(operations.KindEnrichment, operations.Params{}, func(*operations.Token) error {
		return nil
	}); err != nil {
		t.Fatalf("RunExclusive: %v", err)
	}

	body := scrape(t, p)
	if !strings.Contains(body, `kind="enrichment"`) || !strings.Contains(body, `outcome="completed"`) {
		t.Errorf("expected enrichment completion in scrape output:\n%s", body)
	}
}
