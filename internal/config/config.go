package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	appName   = "jobharvest"
	envPrefix = "JOBHARVEST_"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Operations OperationsConfig
	Throttle   ThrottleConfig
	Retry      RetryConfig
	Pipeline   PipelineConfig
	Analysis   AnalysisConfig
	Session    SessionConfig
	Sources    SourcesConfig
	Schedule   ScheduleConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// BaseURL is where CLI commands reach the server. Empty means the
	// local server on Port.
	BaseURL string
}

type OllamaConfig struct {
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
	WebSearchURL   string
	WebSearchKey   string
}

type StorageConfig struct {
	Driver  string
	DataDir string
	DSN     string
}

type OperationsConfig struct {
	Timeout time.Duration
}

type ThrottleConfig struct {
	API      time.Duration
	Page     time.Duration
	Detail   time.Duration
	Analysis time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

type PipelineConfig struct {
	ItemDelay time.Duration
	Enrich    bool
}

type AnalysisConfig struct {
	// ProfileFile is a text file describing the candidate.
	ProfileFile string
}

type SessionConfig struct {
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
}

type SourcesConfig struct {
	StartupJobsURL     string
	StartupJobsFilters string
	JobsCzURL          string
	JobsCzQuery        string
	JobsCzPages        int
	RenderJS           bool
	DocsDir            string
	// RequestTimeout bounds each page, detail or API request.
	RequestTimeout time.Duration
}

type ScheduleConfig struct {
	// CollectionInterval enables periodic collection when positive.
	CollectionInterval time.Duration
}

type LogConfig struct {
	Level string
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

func defaultDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "llama3.1:8b",
			RequestTimeout: 2 * time.Minute,
			WebSearchURL:   "https://ollama.com/api/web_search",
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: dataDir,
		},
		Operations: OperationsConfig{
			Timeout: 30 * time.Minute,
		},
		Throttle: ThrottleConfig{
			API:      time.Second,
			Page:     2 * time.Second,
			Detail:   1500 * time.Millisecond,
			Analysis: 500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Pipeline: PipelineConfig{
			ItemDelay: 500 * time.Millisecond,
			Enrich:    true,
		},
		Analysis: AnalysisConfig{
			ProfileFile: filepath.Join(dataDir, "profile.md"),
		},
		Session: SessionConfig{
			StaleAfter:        2 * time.Minute,
			HeartbeatInterval: 5 * time.Second,
		},
		Sources: SourcesConfig{
			StartupJobsURL: "https://core.startupjobs.cz",
			JobsCzURL:      "https://www.jobs.cz/prace/praha/",
			JobsCzPages:    5,
			DocsDir:        filepath.Join(dataDir, "docs"),
			RequestTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ServerURL returns the base URL CLI commands use to reach the server.
func (c Config) ServerURL() string {
	if c.Server.BaseURL != "" {
		return c.Server.BaseURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
}

// Load reads configuration from the platform-native backend, environment
// variables, and the system keyring.
//
// On macOS the backend is UserDefaults (domain: com.jobharvest.app).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/jobharvest/config.json.
//
// Environment variables (JOBHARVEST_*) override backend values on all
// platforms. Secrets come from the environment or the keyring.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secrets the environment left empty from the keyring.
func applySecrets(cfg *Config, kc Keychain) {
	if kc == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func validate(cfg Config) error {
	var errs []error
	switch cfg.Storage.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if cfg.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("missing required config: storage.dsn for the mysql driver. "+
				"Set it via environment variable %sSTORAGE_DSN%s", envPrefix, secretHint(accountStorageDSN)))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverMySQL, cfg.Storage.Driver))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	return errors.Join(errs...)
}
