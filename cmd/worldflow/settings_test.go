package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("WORLDFLOW_STORE", "")
	t.Setenv("OPENAI_API_KEY", "")
	path := writeSettings(t, `
model: gpt-4o
temperature: 0.3
step_timeout: 90s
store:
  backend: sqlite
  path: /tmp/worldflow.db
server:
  progress_retention: 5m
pipeline:
  min_facts: 3
  max_iterations: 4
`)
	settings, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", settings.Model)
	require.NotNil(t, settings.Temperature)
	require.InDelta(t, 0.3, *settings.Temperature, 0.0001)
	require.Equal(t, 90*time.Second, settings.StepTimeout)
	require.Equal(t, "sqlite", settings.Store.Backend)
	require.Equal(t, "/tmp/worldflow.db", settings.Store.Path)
	require.Equal(t, 3, settings.Pipeline.MinFacts)
	require.Equal(t, 4, settings.Pipeline.MaxIterations)
	require.Equal(t, ":8080", settings.Server.Addr)
	require.Equal(t, 5*time.Minute, settings.Server.ProgressRetention)
}

func TestLoadSettingsEnvironment(t *testing.T) {
	path := writeSettings(t, "store:\n  backend: sqlite\n")
	t.Setenv("WORLDFLOW_STORE", "redis")
	t.Setenv("WORLDFLOW_REDIS_ADDR", "localhost:6380")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("WORLDFLOW_RATE_LIMIT", "2.5")
	t.Setenv("WORLDFLOW_MAX_CONCURRENCY", "3")

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, "redis", settings.Store.Backend)
	require.Equal(t, "localhost:6380", settings.Store.RedisAddr)
	require.Equal(t, "sk-test", settings.APIKey)
	require.Equal(t, 2.5, settings.RateLimit)
	require.Equal(t, 3, settings.MaxConcurrency)
}

func TestLoadSettingsErrors(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadSettings(writeSettings(t, "store: [not a map"))
	require.ErrorContains(t, err, "failed to parse settings")

	t.Setenv("WORLDFLOW_MAX_CONCURRENCY", "many")
	_, err = LoadSettings(writeSettings(t, "model: x\n"))
	require.ErrorContains(t, err, "WORLDFLOW_MAX_CONCURRENCY")
}

func TestApplyEnvIgnoresEmptyValues(t *testing.T) {
	settings := defaultSettings()
	env := map[string]string{"WORLDFLOW_STORE": "", "WORLDFLOW_MODEL": "gpt-4o-mini"}
	require.NoError(t, settings.applyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}))
	require.Equal(t, "file", settings.Store.Backend)
	require.Equal(t, "gpt-4o-mini", settings.Model)
}
