package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings configures the CLI and the server. They are read from a YAML file
// and overridden by environment variables.
type Settings struct {
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`

	// RateLimit caps generation calls per second across all runs. Zero
	// disables the limit.
	RateLimit float64 `yaml:"rate_limit"`

	MaxConcurrency int           `yaml:"max_concurrency"`
	StepCallBudget int           `yaml:"step_call_budget"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	LogsDir        string        `yaml:"logs_dir"`

	Store    StoreSettings    `yaml:"store"`
	Server   ServerSettings   `yaml:"server"`
	Pipeline PipelineSettings `yaml:"pipeline"`
}

type StoreSettings struct {
	// Backend is one of memory, file, sqlite, badger, postgres or redis.
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

type ServerSettings struct {
	Addr string `yaml:"addr"`

	// ProgressRetention is how long the event log of a finished run stays
	// in memory. Zero uses the engine default.
	ProgressRetention time.Duration `yaml:"progress_retention"`
}

type PipelineSettings struct {
	// MinFacts switches clarification to counting facts instead of asking
	// the generator.
	MinFacts          int  `yaml:"min_facts"`
	MaxClarifications int  `yaml:"max_clarifications"`
	CacheAnalysis     bool `yaml:"cache_analysis"`
	MaxIterations     int  `yaml:"max_iterations"`
	Retries           int  `yaml:"retries"`
}

func defaultSettings() Settings {
	return Settings{
		Store:  StoreSettings{Backend: "file"},
		Server: ServerSettings{Addr: ":8080"},
	}
}

func defaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".deepnoodle", "worldflow", "config.yaml")
}

// LoadSettings reads settings from path. An empty path reads the default
// location, which may be absent.
func LoadSettings(path string) (Settings, error) {
	settings := defaultSettings()
	explicit := path != ""
	if !explicit {
		path = defaultSettingsPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &settings); err != nil {
				return settings, fmt.Errorf("failed to parse settings %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return settings, fmt.Errorf("failed to read settings: %w", err)
		}
	}
	if err := settings.applyEnv(os.LookupEnv); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	vars := map[string]*string{
		"OPENAI_API_KEY":         &s.APIKey,
		"OPENAI_BASE_URL":        &s.BaseURL,
		"WORLDFLOW_MODEL":        &s.Model,
		"WORLDFLOW_LOGS_DIR":     &s.LogsDir,
		"WORLDFLOW_STORE":        &s.Store.Backend,
		"WORLDFLOW_STORE_PATH":   &s.Store.Path,
		"WORLDFLOW_POSTGRES_DSN": &s.Store.DSN,
		"WORLDFLOW_REDIS_ADDR":   &s.Store.RedisAddr,
		"WORLDFLOW_ADDR":         &s.Server.Addr,
	}
	for name, target := range vars {
		if v, ok := lookup(name); ok && v != "" {
			*target = v
		}
	}
	if v, ok := lookup("WORLDFLOW_RATE_LIMIT"); ok && v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid WORLDFLOW_RATE_LIMIT %q: %w", v, err)
		}
		s.RateLimit = limit
	}
	if v, ok := lookup("WORLDFLOW_MAX_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORLDFLOW_MAX_CONCURRENCY %q: %w", v, err)
		}
		s.MaxConcurrency = n
	}
	return nil
}
