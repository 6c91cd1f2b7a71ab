// Package config reads engine settings from EVALGATE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvPassThreshold     = "EVALGATE_PASS_THRESHOLD"
	EnvRequireCoverage   = "EVALGATE_REQUIRE_COVERAGE"
	EnvJudgeProvider     = "EVALGATE_JUDGE_PROVIDER"
	EnvJudgeModel        = "EVALGATE_JUDGE_MODEL"
	EnvOpenAIAPIKey      = "EVALGATE_OPENAI_API_KEY"
	EnvJudgeBaseURL      = "EVALGATE_JUDGE_BASE_URL"
	EnvJudgeTimeout      = "EVALGATE_JUDGE_TIMEOUT"
	EnvJudgeRPM          = "EVALGATE_JUDGE_RPM"
	EnvMetaCritique      = "EVALGATE_META_CRITIQUE"
	EnvConcurrency       = "EVALGATE_CONCURRENCY"
	EnvThrottleWindow    = "EVALGATE_THROTTLE_WINDOW"
	EnvCacheDir          = "EVALGATE_CACHE_DIR"
	EnvJudgeCacheEntries = "EVALGATE_JUDGE_CACHE_ENTRIES"
	EnvTraceRoot         = "EVALGATE_TRACE_ROOT"
	EnvServerConcurrency = "EVALGATE_SERVER_CONCURRENCY"
	EnvMetricsAddr       = "EVALGATE_METRICS_ADDR"
	EnvLogLevel          = "EVALGATE_LOG_LEVEL"
)

// Judge provider names accepted in EVALGATE_JUDGE_PROVIDER.
const (
	ProviderNone   = ""
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config holds the engine's runtime configuration.
type Config struct {
	PassThreshold   float64
	RequireCoverage bool

	JudgeProvider     string
	JudgeModel        string
	OpenAIAPIKey      string
	JudgeBaseURL      string
	JudgeTimeout      time.Duration
	JudgeRPM          int
	MetaCritique      bool
	JudgeCacheEntries int

	Concurrency       int
	ThrottleWindow    time.Duration
	CacheDir          string
	TraceRoot         string
	ServerConcurrency int
	MetricsAddr       string
	LogLevel          slog.Level
}

// Error lists every problem found while loading a configuration.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Defaults returns the configuration used when no variables are set.
func Defaults() Config {
	return Config{
		PassThreshold:     0.9,
		RequireCoverage:   true,
		JudgeTimeout:      30 * time.Second,
		JudgeRPM:          60,
		JudgeCacheEntries: 10000,
		ThrottleWindow:    30 * time.Second,
		CacheDir:          defaultCacheDir(),
		TraceRoot:         "traces",
		ServerConcurrency: 1,
		LogLevel:          slog.LevelInfo,
	}
}

// Load builds a Config from getenv, usually os.Getenv. Unset variables keep
// their defaults. All malformed or out-of-range values are reported together.
func Load(getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	l := loader{getenv: getenv}

	l.float(EnvPassThreshold, &cfg.PassThreshold)
	l.bool(EnvRequireCoverage, &cfg.RequireCoverage)
	l.str(EnvJudgeProvider, &cfg.JudgeProvider)
	l.str(EnvJudgeModel, &cfg.JudgeModel)
	l.str(EnvOpenAIAPIKey, &cfg.OpenAIAPIKey)
	l.str(EnvJudgeBaseURL, &cfg.JudgeBaseURL)
	l.duration(EnvJudgeTimeout, &cfg.JudgeTimeout)
	l.int(EnvJudgeRPM, &cfg.JudgeRPM)
	l.bool(EnvMetaCritique, &cfg.MetaCritique)
	l.int(EnvJudgeCacheEntries, &cfg.JudgeCacheEntries)
	l.int(EnvConcurrency, &cfg.Concurrency)
	l.duration(EnvThrottleWindow, &cfg.ThrottleWindow)
	l.str(EnvCacheDir, &cfg.CacheDir)
	l.str(EnvTraceRoot, &cfg.TraceRoot)
	l.int(EnvServerConcurrency, &cfg.ServerConcurrency)
	l.str(EnvMetricsAddr, &cfg.MetricsAddr)
	if v := getenv(EnvLogLevel); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			l.problems = append(l.problems, fmt.Sprintf("%s: unknown level %q", EnvLogLevel, v))
		}
	}

	problems := append(l.problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}
	return &cfg, nil
}

// Validate reports every problem with c, for callers that modify a loaded
// config from flags.
func (c *Config) Validate() error {
	if problems := c.validate(); len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

func (c *Config) validate() []string {
	var problems []string
	if c.PassThreshold < 0 || c.PassThreshold > 1 {
		problems = append(problems, "pass threshold must be within [0, 1]")
	}
	switch c.JudgeProvider {
	case ProviderNone, ProviderMock:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			problems = append(problems, EnvOpenAIAPIKey+" is required for the openai judge provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown judge provider %q", c.JudgeProvider))
	}
	if c.JudgeTimeout <= 0 {
		problems = append(problems, "judge timeout must be positive")
	}
	if c.JudgeRPM <= 0 {
		problems = append(problems, "judge requests per minute must be positive")
	}
	if c.JudgeCacheEntries < 0 {
		problems = append(problems, "judge cache entries must not be negative")
	}
	if c.Concurrency < 0 {
		problems = append(problems, "concurrency must not be negative")
	}
	if c.ThrottleWindow < 0 {
		problems = append(problems, "throttle window must not be negative")
	}
	if c.ServerConcurrency < 1 {
		problems = append(problems, "server concurrency must be at least 1")
	}
	return problems
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "evalgate")
	}
	return filepath.Join(home, ".evalgate", "cache")
}

type loader struct {
	getenv   func(string) string
	problems []string
}

func (l *loader) fail(key, v, want string) {
	l.problems = append(l.problems, fmt.Sprintf("%s: %q is not %s", key, v, want))
}

func (l *loader) str(key string, dst *string) {
	if v := l.getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (l *loader) int(key string, dst *int) {
	v := l.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		l.fail(key, v, "an integer")
		return
	}
	*dst = n
}

func (l *loader) float(key string, dst *float64) {
	v := l.getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		l.fail(key, v, "a number")
		return
	}
	*dst = f
}

func (l *loader) bool(key string, dst *bool) {
	v := l.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		l.fail(key, v, "a boolean")
		return
	}
	*dst = b
}

func (l *loader) duration(key string, dst *time.Duration) {
	v := l.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.fail(key, v, "a duration")
		return
	}
	*dst = d
}
