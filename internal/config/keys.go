package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "JOBHARVEST_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.base_url", typ: kString, env: "JOBHARVEST_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "JOBHARVEST_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "JOBHARVEST_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.request_timeout", typ: kDuration, env: "JOBHARVEST_OLLAMA_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.RequestTimeout },
	},
	{
		key: "ollama.web_search_url", typ: kString, env: "JOBHARVEST_OLLAMA_WEB_SEARCH_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.WebSearchURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.WebSearchURL },
	},
	{
		key: "ollama.web_search_key", typ: kString, env: "JOBHARVEST_OLLAMA_WEB_SEARCH_KEY",
		secret: true, account: accountWebSearchKey,
		apply:   func(cfg *Config, v any) { cfg.Ollama.WebSearchKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.WebSearchKey },
	},
	{
		key: "storage.driver", typ: kString, env: "JOBHARVEST_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "JOBHARVEST_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "JOBHARVEST_STORAGE_DSN",
		secret: true, account: accountStorageDSN,
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "operations.timeout", typ: kDuration, env: "JOBHARVEST_OPERATIONS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Operations.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Operations.Timeout },
	},
	{
		key: "throttle.api", typ: kDuration, env: "JOBHARVEST_THROTTLE_API",
		apply:   func(cfg *Config, v any) { cfg.Throttle.API = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.API },
	},
	{
		key: "throttle.page", typ: kDuration, env: "JOBHARVEST_THROTTLE_PAGE",
		apply:   func(cfg *Config, v any) { cfg.Throttle.Page = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.Page },
	},
	{
		key: "throttle.detail", typ: kDuration, env: "JOBHARVEST_THROTTLE_DETAIL",
		apply:   func(cfg *Config, v any) { cfg.Throttle.Detail = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.Detail },
	},
	{
		key: "throttle.analysis", typ: kDuration, env: "JOBHARVEST_THROTTLE_ANALYSIS",
		apply:   func(cfg *Config, v any) { cfg.Throttle.Analysis = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Throttle.Analysis },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "JOBHARVEST_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "JOBHARVEST_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "pipeline.item_delay", typ: kDuration, env: "JOBHARVEST_PIPELINE_ITEM_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ItemDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ItemDelay },
	},
	{
		key: "pipeline.enrich", typ: kBool, env: "JOBHARVEST_PIPELINE_ENRICH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Enrich = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.Enrich },
	},
	{
		key: "analysis.profile_file", typ: kString, env: "JOBHARVEST_ANALYSIS_PROFILE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Analysis.ProfileFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.ProfileFile },
	},
	{
		key: "session.stale_after", typ: kDuration, env: "JOBHARVEST_SESSION_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Session.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.StaleAfter },
	},
	{
		key: "session.heartbeat_interval", typ: kDuration, env: "JOBHARVEST_SESSION_HEARTBEAT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Session.HeartbeatInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.HeartbeatInterval },
	},
	{
		key: "sources.startupjobs_url", typ: kString, env: "JOBHARVEST_SOURCES_STARTUPJOBS_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.StartupJobsURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.StartupJobsURL },
	},
	{
		key: "sources.startupjobs_filters", typ: kString, env: "JOBHARVEST_SOURCES_STARTUPJOBS_FILTERS",
		apply:   func(cfg *Config, v any) { cfg.Sources.StartupJobsFilters = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.StartupJobsFilters },
	},
	{
		key: "sources.jobscz_url", typ: kString, env: "JOBHARVEST_SOURCES_JOBSCZ_URL",
		apply:   func(cfg *Config, v any) { cfg.Sources.JobsCzURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.JobsCzURL },
	},
	{
		key: "sources.jobscz_query", typ: kString, env: "JOBHARVEST_SOURCES_JOBSCZ_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Sources.JobsCzQuery = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.JobsCzQuery },
	},
	{
		key: "sources.jobscz_pages", typ: kInt, env: "JOBHARVEST_SOURCES_JOBSCZ_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Sources.JobsCzPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Sources.JobsCzPages },
	},
	{
		key: "sources.render_js", typ: kBool, env: "JOBHARVEST_SOURCES_RENDER_JS",
		apply:   func(cfg *Config, v any) { cfg.Sources.RenderJS = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sources.RenderJS },
	},
	{
		key: "sources.docs_dir", typ: kString, env: "JOBHARVEST_SOURCES_DOCS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Sources.DocsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.DocsDir },
	},
	{
		key: "sources.request_timeout", typ: kDuration, env: "JOBHARVEST_SOURCES_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sources.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sources.RequestTimeout },
	},
	{
		key: "schedule.collection_interval", typ: kDuration, env: "JOBHARVEST_SCHEDULE_COLLECTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Schedule.CollectionInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Schedule.CollectionInterval },
	},
	{
		key: "log.level", typ: kString, env: "JOBHARVEST_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw into the Go type of typ. Strings pass through.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
