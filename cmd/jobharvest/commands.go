package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/jobharvest/internal/api"
	"github.com/kalambet/jobharvest/internal/config"
	"github.com/kalambet/jobharvest/internal/export"
	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/pipeline"
	"github.com/kalambet/jobharvest/internal/posting"
	"github.com/kalambet/jobharvest/internal/session"
)

// --- collect / enrich ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect new postings and wait for the run to finish",
	Long: `Collect new postings from job boards. The command blocks until the run
ends; Ctrl-C cancels the run and prints the partial counts.

Examples:
  jobharvest collect
  jobharvest collect --source jobscz --limit 20
  jobharvest collect --source docs --enrich=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srcs, _ := cmd.Flags().GetStringSlice("source")
		limit, _ := cmd.Flags().GetInt("limit")

		req := harvest.CollectRequest{Sources: srcs, Limit: limit}
		if cmd.Flags().Changed("enrich") {
			enrich, _ := cmd.Flags().GetBool("enrich")
			req.Enrich = &enrich
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var rep harvest.CollectReport
		err = runOperation(client, operations.KindCollection, "collect "+strings.Join(srcs, ","), "/v1/operations/collection", req, &rep)
		if err != nil {
			return err
		}
		printCollectReport(rep)
		return reportError(rep.Outcome, rep.Error)
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Analyze stored postings that have not been processed yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var rep harvest.EnrichReport
		err = runOperation(client, operations.KindEnrichment, fmt.Sprintf("enrich (limit %d)", limit), "/v1/operations/enrichment", harvest.EnrichRequest{Limit: limit}, &rep)
		if err != nil {
			return err
		}
		printEnrichReport(rep)
		return reportError(rep.Outcome, rep.Error)
	},
}

func init() {
	collectCmd.Flags().StringSlice("source", []string{"all"}, "sources to collect from (all, startupjobs, jobscz, docs)")
	collectCmd.Flags().Int("limit", 0, "stop after this many new postings (0 = no limit)")
	collectCmd.Flags().Bool("enrich", true, "analyze new postings (default from server config)")

	enrichCmd.Flags().Int("limit", pipeline.DefaultBackfillLimit, "maximum number of postings to analyze")
}

// runOperation holds a client session for kind while the request at path
// runs, and sends a cancel when interrupted. The request itself is not
// aborted so the server can answer with partial counts.
func runOperation(client *apiClient, kind operations.Kind, descriptor, path string, body, out any) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if conn, err := session.Dial(sigCtx, client.wsURL(kind), client.authHeader()); err != nil {
		printWarning("session sync unavailable: %v", err)
	} else {
		defer conn.Close()
		if _, release, err := conn.Hold(sigCtx, kind, "cli", descriptor, client.heartbeat); err == nil {
			defer release()
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-sigCtx.Done():
		}
		select {
		case <-done:
			return
		default:
		}
		printStep("Cancelling %s...", kind)
		if _, err := client.cancel(context.Background(), kind); err != nil {
			printWarning("cancel failed: %v", err)
		}
	}()

	printStep("Running %s (Ctrl-C to cancel)", descriptor)
	resp, err := client.postLong(context.Background(), path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func reportError(outcome operations.Outcome, msg string) error {
	if outcome == operations.OutcomeFailed {
		return fmt.Errorf("operation failed: %s", msg)
	}
	return nil
}

func printOutcome(outcome operations.Outcome, what string) {
	switch outcome {
	case operations.OutcomeCompleted:
		printSuccess("%s completed", what)
	case operations.OutcomeCancelled:
		printWarning("%s cancelled, partial results:", what)
	default:
		printError("%s %s", what, outcome)
	}
}

func printCollectReport(rep harvest.CollectReport) {
	printOutcome(rep.Outcome, "Collection")
	s := rep.Stats
	printStatus("Seen", "%d", s.TotalSeen)
	printStatus("New", "%d", s.NewlyPersisted)
	printStatus("Duplicates", "%d", s.DuplicatesSkipped)
	if s.IncompleteSkipped > 0 {
		printStatus("Incomplete", "%d", s.IncompleteSkipped)
	}
	printStatus("Failed", "%d", s.Failed)
	if s.Analyzed > 0 || s.Researched > 0 {
		printStatus("Analyzed", "%d", s.Analyzed)
		printStatus("Researched", "%d", s.Researched)
	}
	for src, msg := range s.SourceErrors {
		printWarning("%s: %s", src, msg)
	}
}

func printEnrichReport(rep harvest.EnrichReport) {
	printOutcome(rep.Outcome, "Enrichment")
	s := rep.Stats
	printStatus("Processed", "%d", s.Processed)
	printStatus("Failed", "%d", s.Failed)
	printStatus("Researched", "%d", s.Researched)
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <collection|enrichment>",
	Short: "Cancel the running operation of a kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := operations.ParseKind(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		found, err := client.cancel(cmd.Context(), kind)
		if err != nil {
			return err
		}
		if !found {
			printWarning("No %s operation is running", kind)
			return nil
		}
		printSuccess("Cancellation of the %s operation requested", kind)
		return nil
	},
}

// --- ops ---

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect operations",
}

var opsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which operations are running",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printOperations(cmd.Context(), client)
	},
}

var opsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recently finished operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if kind != "" {
			q.Set("kind", kind)
		}
		resp, err := client.get(cmd.Context(), "/v1/operations/runs?"+q.Encode())
		if err != nil {
			return err
		}

		var list api.RunList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list.Runs) == 0 {
			fmt.Fprintln(stdout, "No runs recorded.")
			return nil
		}
		for _, r := range list.Runs {
			fmt.Fprintf(stdout, "%s  %-10s  %-9s  seen=%d new=%d dup=%d failed=%d  %s\n",
				r.FinishedAt.Local().Format("2006-01-02 15:04"),
				r.Kind, r.Outcome, r.Seen, r.Persisted, r.Duplicates, r.Failed,
				truncate(r.Descriptor, 40))
			if r.Error != "" {
				fmt.Fprintf(stdout, "    error: %s\n", r.Error)
			}
		}
		return nil
	},
}

func init() {
	opsRunsCmd.Flags().String("kind", "", "only runs of this kind")
	opsRunsCmd.Flags().Int("limit", 20, "maximum number of runs")
	opsCmd.AddCommand(opsStatusCmd, opsRunsCmd)
}

func printOperations(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/v1/operations/status")
	if err != nil {
		return err
	}
	var list api.StatusList
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	for _, st := range list.Operations {
		label := strings.ToUpper(string(st.Kind[:1])) + string(st.Kind[1:])
		switch {
		case !st.Active:
			printStatus(label, "idle")
		case st.Cancelling:
			printStatus(label, "cancelling %s (running %s)", st.Descriptor, since(st.StartedAt))
		default:
			printStatus(label, "running %s (%s)", st.Descriptor, since(st.StartedAt))
		}
	}
	return nil
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow operation sessions as they start and stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		rawKind, _ := cmd.Flags().GetString("kind")
		var kind operations.Kind
		if rawKind != "" {
			k, err := operations.ParseKind(rawKind)
			if err != nil {
				return err
			}
			kind = k
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		view := session.NewView(client.staleAfter, client.status)
		printStep("Watching sessions (Ctrl-C to stop)")
		return view.Follow(ctx, client.wsURL(kind), client.authHeader(), 0, func(ev session.Event) {
			printEvent(stdout, ev)
		})
	},
}

func init() {
	watchCmd.Flags().String("kind", "", "only follow this kind")
}

func printEvent(w io.Writer, ev session.Event) {
	at := ev.At.Local().Format("15:04:05")
	switch ev.Type {
	case session.EventSnapshot:
		if len(ev.Sessions) == 0 {
			fmt.Fprintf(w, "%s  nothing running\n", at)
		}
		for _, s := range ev.Sessions {
			fmt.Fprintf(w, "%s  %-10s running  %s (%s, since %s)\n", at, s.Kind, s.Descriptor, s.Owner, s.StartedAt.Local().Format("15:04:05"))
		}
	case session.EventStart:
		if ev.Session != nil {
			fmt.Fprintf(w, "%s  %-10s started  %s (%s)\n", at, ev.Kind, ev.Session.Descriptor, ev.Session.Owner)
		}
	case session.EventStop:
		fmt.Fprintf(w, "%s  %-10s stopped\n", at, ev.Kind)
	}
}

// --- postings ---

var postingsCmd = &cobra.Command{
	Use:   "postings",
	Short: "Browse stored postings",
}

var postingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored postings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		if source != "" {
			q.Set("source", source)
		}
		if cmd.Flags().Changed("processed") {
			processed, _ := cmd.Flags().GetBool("processed")
			q.Set("processed", strconv.FormatBool(processed))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		page, err := fetchPostings(cmd.Context(), client, q)
		if err != nil {
			return err
		}
		if len(page.Postings) == 0 {
			fmt.Fprintln(stdout, "No postings found.")
			return nil
		}
		for _, p := range page.Postings {
			fmt.Fprintf(stdout, "%6d  %-11s  %-14s  %s  %s\n", p.ID, p.Source, verdictLabel(p), truncate(p.Title, 50), colorize(colorCyan, truncate(p.Company, 30)))
		}
		if page.HasMore {
			fmt.Fprintf(stdout, "... %d of %d shown, use --offset %d for more\n", len(page.Postings), page.Total, offset+len(page.Postings))
		}
		return nil
	},
}

var postingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one posting with its analysis as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid posting id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/postings/%d", id))
		if err != nil {
			return err
		}

		var p posting.Posting
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}

		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

func init() {
	postingsListCmd.Flags().String("source", "", "only postings from this source")
	postingsListCmd.Flags().Bool("processed", false, "filter by analysis state")
	postingsListCmd.Flags().Int("limit", 20, "maximum number of postings")
	postingsListCmd.Flags().Int("offset", 0, "number of postings to skip")
	postingsCmd.AddCommand(postingsListCmd, postingsShowCmd)
}

func fetchPostings(ctx context.Context, client *apiClient, q url.Values) (api.PostingList, error) {
	var page api.PostingList
	resp, err := client.get(ctx, "/v1/postings/?"+q.Encode())
	if err != nil {
		return page, err
	}
	err = decodeJSON(resp, &page)
	return page, err
}

func verdictLabel(p posting.Posting) string {
	if p.Analysis == nil {
		return "-"
	}
	return fmt.Sprintf("%s %.0f", p.Analysis.Recommendation, p.Analysis.Score)
}

// --- export ---

// exportPageSize is the server's maximum page size.
const exportPageSize = 100

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored postings as JSONL or XLSX",
	Long: `Export stored postings.

Examples:
  jobharvest export > postings.jsonl
  jobharvest export --format xlsx --output postings.xlsx --processed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawFormat, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		source, _ := cmd.Flags().GetString("source")

		format, err := export.ParseFormat(rawFormat)
		if err != nil {
			return err
		}
		if format == export.FormatXLSX && output == "" {
			return fmt.Errorf("--output is required for xlsx")
		}

		q := url.Values{}
		if source != "" {
			q.Set("source", source)
		}
		if cmd.Flags().Changed("processed") {
			processed, _ := cmd.Flags().GetBool("processed")
			q.Set("processed", strconv.FormatBool(processed))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		all, err := fetchAllPostings(cmd.Context(), client, q)
		if err != nil {
			return err
		}

		w := stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		if err := export.Write(w, format, all); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d postings to %s", len(all), output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", string(export.FormatJSONL), "output format (jsonl, xlsx)")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	exportCmd.Flags().String("source", "", "only postings from this source")
	exportCmd.Flags().Bool("processed", false, "filter by analysis state")
}

func fetchAllPostings(ctx context.Context, client *apiClient, q url.Values) ([]posting.Posting, error) {
	var all []posting.Posting
	q.Set("limit", strconv.Itoa(exportPageSize))
	for offset := 0; ; {
		q.Set("offset", strconv.Itoa(offset))
		page, err := fetchPostings(ctx, client, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Postings...)
		offset += len(page.Postings)
		if !page.HasMore || len(page.Postings) == 0 {
			return all, nil
		}
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
