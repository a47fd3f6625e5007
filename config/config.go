// Package config loads process configuration from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"docdigest/shared"
)

type Config struct {
	TemporalAddress     string
	TemporalNamespace   string
	TaskQueue           string
	TemporalDialTimeout time.Duration

	OpenAIAPIKey string
	OpenAIModel  string

	AppPort string
	DBPath  string

	LogLevel  slog.Level
	LogFormat string

	MaxConcurrentActivities    int
	MaxConcurrentWorkflowTasks int

	RepoCacheTTL  time.Duration
	RepoCacheSize int

	GitUsername string
	GitPassword string
}

// Load reads .env (if present) and then the environment. Values already set in
// the environment win over .env, matching godotenv.Load semantics.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		TemporalAddress:     r.str("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:   r.str("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:           r.str("TEMPORAL_TASK_QUEUE", shared.DefaultTaskQueue),
		TemporalDialTimeout: r.duration("TEMPORAL_DIAL_TIMEOUT", 30*time.Second),

		OpenAIAPIKey: r.str("OPENAI_API_KEY", ""),
		OpenAIModel:  r.str("OPENAI_MODEL", "gpt-3.5-turbo"),

		AppPort: r.str("APP_PORT", "3000"),
		DBPath:  r.str("DB_PATH", "./docdigest.db"),

		LogLevel:  r.level("LOG_LEVEL", slog.LevelInfo),
		LogFormat: strings.ToLower(r.str("LOG_FORMAT", "text")),

		MaxConcurrentActivities:    r.int("WORKER_MAX_CONCURRENT_ACTIVITIES", 0),
		MaxConcurrentWorkflowTasks: r.int("WORKER_MAX_CONCURRENT_WORKFLOW_TASKS", 0),

		RepoCacheTTL:  r.duration("REPO_CACHE_TTL", 30*time.Minute),
		RepoCacheSize: r.int("REPO_CACHE_SIZE", 16),

		GitUsername: r.str("GIT_USERNAME", ""),
		GitPassword: r.str("GIT_PAT", ""),
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.TemporalAddress == "" {
		errs = append(errs, errors.New("TEMPORAL_ADDRESS must not be empty"))
	}
	if c.TaskQueue == "" {
		errs = append(errs, errors.New("TEMPORAL_TASK_QUEUE must not be empty"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RepoCacheSize <= 0 {
		errs = append(errs, errors.New("REPO_CACHE_SIZE must be positive"))
	}
	if c.MaxConcurrentActivities < 0 || c.MaxConcurrentWorkflowTasks < 0 {
		errs = append(errs, errors.New("worker concurrency limits must not be negative"))
	}
	if (c.GitUsername == "") != (c.GitPassword == "") {
		errs = append(errs, errors.New("GIT_USERNAME and GIT_PAT must be set together"))
	}
	return errors.Join(errs...)
}

// Credentials returns the optional git basic auth pair.
func (c *Config) Credentials() shared.GitCredentials {
	return shared.GitCredentials{Username: c.GitUsername, Password: c.GitPassword}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return l
}
