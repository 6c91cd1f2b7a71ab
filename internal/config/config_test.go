package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if cfg.PassThreshold != want.PassThreshold || !cfg.RequireCoverage {
		t.Errorf("gate = %v/%v", cfg.PassThreshold, cfg.RequireCoverage)
	}
	if cfg.JudgeProvider != ProviderNone {
		t.Errorf("JudgeProvider = %q, want none", cfg.JudgeProvider)
	}
	if cfg.ThrottleWindow != 30*time.Second || cfg.JudgeTimeout != 30*time.Second {
		t.Errorf("durations = %v/%v", cfg.ThrottleWindow, cfg.JudgeTimeout)
	}
	if cfg.ServerConcurrency != 1 || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("server = %d, level = %v", cfg.ServerConcurrency, cfg.LogLevel)
	}
	if cfg.CacheDir == "" {
		t.Error("CacheDir is empty")
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		EnvPassThreshold:     "0.75",
		EnvRequireCoverage:   "false",
		EnvJudgeProvider:     "openai",
		EnvOpenAIAPIKey:      "sk-test",
		EnvJudgeModel:        "gpt-4.1-mini",
		EnvJudgeBaseURL:      "http://localhost:8080/v1",
		EnvJudgeTimeout:      "5s",
		EnvJudgeRPM:          "120",
		EnvMetaCritique:      "true",
		EnvConcurrency:       "8",
		EnvThrottleWindow:    "1m",
		EnvCacheDir:          "/tmp/eg",
		EnvTraceRoot:         "/data/traces",
		EnvServerConcurrency: "4",
		EnvMetricsAddr:       ":9464",
		EnvLogLevel:          "debug",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PassThreshold != 0.75 || cfg.RequireCoverage {
		t.Errorf("gate = %v/%v", cfg.PassThreshold, cfg.RequireCoverage)
	}
	if cfg.JudgeProvider != ProviderOpenAI || cfg.OpenAIAPIKey != "sk-test" || cfg.JudgeModel != "gpt-4.1-mini" {
		t.Errorf("judge = %+v", cfg)
	}
	if cfg.JudgeTimeout != 5*time.Second || cfg.JudgeRPM != 120 || !cfg.MetaCritique {
		t.Errorf("judge tuning = %v/%d/%v", cfg.JudgeTimeout, cfg.JudgeRPM, cfg.MetaCritique)
	}
	if cfg.Concurrency != 8 || cfg.ThrottleWindow != time.Minute || cfg.ServerConcurrency != 4 {
		t.Errorf("concurrency = %d, window = %v, server = %d", cfg.Concurrency, cfg.ThrottleWindow, cfg.ServerConcurrency)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.MetricsAddr != ":9464" || cfg.TraceRoot != "/data/traces" {
		t.Errorf("misc = %v %q %q", cfg.LogLevel, cfg.MetricsAddr, cfg.TraceRoot)
	}
}

func TestLoad_CollectsAllProblems(t *testing.T) {
	_, err := Load(env(map[string]string{
		EnvPassThreshold:     "1.5",
		EnvJudgeProvider:     "openai",
		EnvJudgeRPM:          "lots",
		EnvThrottleWindow:    "30",
		EnvServerConcurrency: "0",
		EnvLogLevel:          "chatty",
	}))
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	for _, want := range []string{
		EnvJudgeRPM,
		EnvThrottleWindow,
		EnvLogLevel,
		"pass threshold",
		EnvOpenAIAPIKey,
		"server concurrency",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if len(cerr.Problems) != 6 {
		t.Errorf("problems = %d, want 6: %v", len(cerr.Problems), cerr.Problems)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	_, err := Load(env(map[string]string{EnvJudgeProvider: "anthropic"}))
	if err == nil || !strings.Contains(err.Error(), `unknown judge provider "anthropic"`) {
		t.Errorf("err = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg.Concurrency = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative concurrency accepted")
	}
}
