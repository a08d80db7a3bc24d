package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/jobharvest/internal/analysis"
	"github.com/kalambet/jobharvest/internal/api"
	"github.com/kalambet/jobharvest/internal/config"
	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/ollama"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/pipeline"
	"github.com/kalambet/jobharvest/internal/retry"
	"github.com/kalambet/jobharvest/internal/scheduler"
	"github.com/kalambet/jobharvest/internal/session"
	"github.com/kalambet/jobharvest/internal/sources"
	"github.com/kalambet/jobharvest/internal/storage"
	"github.com/kalambet/jobharvest/internal/telemetry"
	"github.com/kalambet/jobharvest/internal/throttle"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the jobharvest server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipModel, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(skipModel)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running jobharvest server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show jobharvest system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("skip-model-check", false, "start without checking Ollama (enrichment is disabled)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "jobharvest.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "jobharvest.lock")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// readProfile loads the candidate profile. A missing file yields an empty
// profile.
func readProfile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading profile %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func openStore(cfg config.Config) (*storage.Store, error) {
	if cfg.Storage.Driver == config.DriverMySQL {
		return storage.OpenMySQL(cfg.Storage.DSN)
	}
	return storage.Open(cfg.Storage.DataDir)
}

// statusFunc adapts a function to session.StatusSource.
type statusFunc func(operations.Kind) operations.Status

func (f statusFunc) Status(kind operations.Kind) operations.Status { return f(kind) }

func runServer(skipModelCheck bool) error {
	fmt.Fprintf(stderr, "jobharvest version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	// Ensure API token exists in the system keyring.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// One server per data dir.
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking data dir: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("jobharvest is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("jobharvest is already running for %s", cfg.Storage.DataDir)
		return fmt.Errorf("server already running for %s", cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics.
	provider, err := telemetry.NewProvider()
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	// Open storage.
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage ready", "dialect", store.Dialect())

	throttles := throttle.NewSet(throttle.Intervals{
		API:      cfg.Throttle.API,
		Page:     cfg.Throttle.Page,
		Detail:   cfg.Throttle.Detail,
		Analysis: cfg.Throttle.Analysis,
	}, metrics.RecordThrottleWait)
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Notify:      metrics.RecordRetry,
	}

	// Check local model readiness and build the enricher.
	var (
		enricher   pipeline.Enricher
		researcher api.Researcher
	)
	if skipModelCheck {
		slog.Warn("model check skipped, enrichment disabled")
	} else {
		var opts []ollama.Option
		if cfg.Ollama.WebSearchKey != "" {
			opts = append(opts, ollama.WithWebSearch(cfg.Ollama.WebSearchURL, cfg.Ollama.WebSearchKey))
		}
		client := ollama.New(cfg.Ollama.BaseURL, opts...)
		if err := ollama.EnsureReady(ctx, client, cfg.Ollama.Model, stderr); err != nil {
			return err
		}
		profile, err := readProfile(cfg.Analysis.ProfileFile)
		if err != nil {
			return err
		}
		if profile == "" {
			slog.Warn("no candidate profile, analysis will be generic", "path", cfg.Analysis.ProfileFile)
		}
		analysisPolicy := policy
		analysisPolicy.CallTimeout = cfg.Ollama.RequestTimeout
		analyzer := analysis.New(client, client, analysis.Config{
			Model:    cfg.Ollama.Model,
			Profile:  profile,
			Policy:   analysisPolicy,
			Throttle: throttles.Analysis,
		})
		enricher, researcher = analyzer, analyzer
	}

	orch := pipeline.New(store, enricher,
		pipeline.WithObserver(func(source string, result pipeline.ItemResult) {
			metrics.RecordItem(source, string(result))
		}),
	)

	g, gctx := errgroup.WithContext(ctx)

	var registry *operations.Registry
	broadcaster := session.NewBroadcaster(
		statusFunc(func(k operations.Kind) operations.Status { return registry.Status(k) }),
		session.WithStaleAfter(cfg.Session.StaleAfter),
		session.WithHeartbeatInterval(cfg.Session.HeartbeatInterval),
		session.WithHub(session.NewHub(metrics.RecordHubDrop)),
	)
	registry = operations.NewRegistry(
		operations.WithBaseContext(gctx),
		operations.WithTimeout(cfg.Operations.Timeout),
		operations.WithListener(broadcaster),
		operations.WithListener(metrics),
	)
	defer registry.Close()

	srcDeps := sources.Deps{
		Throttle:           throttles,
		Policy:             policy,
		StartupJobsURL:     cfg.Sources.StartupJobsURL,
		StartupJobsFilters: cfg.Sources.StartupJobsFilters,
		JobsCzURL:          cfg.Sources.JobsCzURL,
		JobsCzQuery:        cfg.Sources.JobsCzQuery,
		JobsCzPages:        cfg.Sources.JobsCzPages,
		RenderJS:           cfg.Sources.RenderJS,
		DocsDir:            cfg.Sources.DocsDir,
		RequestTimeout:     cfg.Sources.RequestTimeout,
	}
	svc := harvest.New(harvest.Config{
		Registry:     registry,
		Orchestrator: orch,
		Store:        store,
		Sources: func(ctx context.Context, names []string) ([]sources.Source, func(), error) {
			return sources.Build(ctx, names, srcDeps)
		},
		ItemDelay: cfg.Pipeline.ItemDelay,
		Enrich:    cfg.Pipeline.Enrich && enricher != nil,
	})

	handler := api.NewHandler(api.Deps{
		Ops:      svc,
		Postings: store,
		Research: researcher,
		Sessions: broadcaster,
		Metrics:  provider.Handler(),
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Requests inherit gctx so open websockets and running operations
		// end on shutdown.
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		fmt.Fprintf(stderr, "jobharvest listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Schedule.CollectionInterval > 0 {
		sched := scheduler.New(svc, harvest.CollectRequest{Sources: []string{sources.All}}, cfg.Schedule.CollectionInterval)
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
		slog.Info("periodic collection enabled", "interval", cfg.Schedule.CollectionInterval)
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		registry.Close()

		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("jobharvest is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop jobharvest (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to jobharvest (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := strings.TrimRight(cfg.ServerURL(), "/")
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", serverURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := hc.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Model", "%s", cfg.Ollama.Model)

	if running {
		client, err := newAPIClient()
		if err == nil {
			client.httpClient = hc
			if err := printOperations(ctx, client); err != nil {
				printWarning("could not read operations: %v", err)
			}
			var stats api.PostingStats
			if resp, err := client.get(ctx, "/v1/postings/stats"); err == nil && decodeJSON(resp, &stats) == nil {
				printStatus("Postings", "%d", stats.Total)
			}
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
