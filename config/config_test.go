package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docdigest/shared"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "localhost:7233", cfg.TemporalAddress)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, shared.DefaultTaskQueue, cfg.TaskQueue)
	assert.Equal(t, 30*time.Second, cfg.TemporalDialTimeout)
	assert.Equal(t, "3000", cfg.AppPort)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 16, cfg.RepoCacheSize)
	assert.Empty(t, cfg.OpenAIAPIKey)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"TEMPORAL_ADDRESS":                 "temporal:7233",
		"TEMPORAL_TASK_QUEUE":              "docs",
		"LOG_LEVEL":                        "debug",
		"LOG_FORMAT":                       "JSON",
		"REPO_CACHE_TTL":                   "5m",
		"WORKER_MAX_CONCURRENT_ACTIVITIES": "8",
		"GIT_USERNAME":                     "bot",
		"GIT_PAT":                          "secret",
	}))
	require.NoError(t, err)

	assert.Equal(t, "temporal:7233", cfg.TemporalAddress)
	assert.Equal(t, "docs", cfg.TaskQueue)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.RepoCacheTTL)
	assert.Equal(t, 8, cfg.MaxConcurrentActivities)
	assert.Equal(t, shared.GitCredentials{Username: "bot", Password: "secret"}, cfg.Credentials())
}

func TestFromLookup_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"REPO_CACHE_TTL": "forever"}},
		{"bad int", map[string]string{"REPO_CACHE_SIZE": "many"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}},
		{"zero cache", map[string]string{"REPO_CACHE_SIZE": "0"}},
		{"half credentials", map[string]string{"GIT_USERNAME": "bot"}},
		{"negative concurrency", map[string]string{"WORKER_MAX_CONCURRENT_ACTIVITIES": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(tt.env))
			require.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DOCDIGEST_TEST_APP_PORT=4000\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DOCDIGEST_TEST_APP_PORT") })

	_, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "4000", os.Getenv("DOCDIGEST_TEST_APP_PORT"))
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"LOG_FORMAT": "json", "LOG_LEVEL": "warn"}))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "workflow_id", "digest-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"workflow_id":"digest-1"`)
}
