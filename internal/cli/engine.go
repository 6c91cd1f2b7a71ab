package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/internal/config"
	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/internal/metrics"
	"github.com/evalgate/engine/internal/run"
	"github.com/evalgate/engine/internal/throttle"
	"github.com/evalgate/engine/internal/trace"
)

const judgeCacheFile = "judge.db"

// judgeProvider builds the configured judge, or returns nil when judge mode
// is disabled. faultRate > 0 wraps it in a fault injector.
func (a *app) judgeProvider(faultRate float64) (llm.Provider, error) {
	var p llm.Provider
	switch a.cfg.JudgeProvider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderMock:
		p = llm.NewMockProvider(nil, nil)
	case config.ProviderOpenAI:
		oa, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:   a.cfg.OpenAIAPIKey,
			Model:    a.cfg.JudgeModel,
			BaseURL:  a.cfg.JudgeBaseURL,
			JSONMode: true,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create openai judge: %w", err)
		}
		rl := llm.DefaultRateLimiterConfig()
		rl.RequestsPerMinute = a.cfg.JudgeRPM
		limited, err := llm.NewRateLimitedProvider(oa, rl)
		if err != nil {
			return nil, err
		}
		p = limited
	default:
		return nil, fmt.Errorf("unknown judge provider %q", a.cfg.JudgeProvider)
	}
	if faultRate > 0 {
		p = llm.NewFaultInjector(p, llm.FaultConfig{ErrorRate: faultRate})
	}
	a.logger.Info("judge enabled", "provider", p.Name(), "model", p.DefaultModel())
	return p, nil
}

// newRunner wires a run.Runner from configuration. The returned close func
// releases the judge cache.
func (a *app) newRunner(source trace.Source, provider llm.Provider, collector *metrics.Collector) (*run.Runner, func()) {
	opts := []run.Option{
		run.WithGate(run.Gate{PassThreshold: a.cfg.PassThreshold, RequireCoverage: a.cfg.RequireCoverage}),
		run.WithThrottle(throttle.NewMemoryStore(a.cfg.ThrottleWindow)),
		run.WithConcurrency(a.cfg.Concurrency),
		run.WithMetrics(collector),
		run.WithLogger(a.logger),
	}
	closeFn := func() {}

	if provider != nil {
		opts = append(opts,
			run.WithJudge(provider),
			run.WithJudgeTimeout(a.cfg.JudgeTimeout),
			run.WithMetaCritique(a.cfg.MetaCritique),
		)
		if a.cfg.JudgeModel != "" {
			opts = append(opts, run.WithJudgeModel(a.cfg.JudgeModel))
		}
		if jc := a.openJudgeCache(); jc != nil {
			opts = append(opts, run.WithJudgeCache(jc))
			closeFn = func() { _ = jc.Close() }
		}
	}
	return run.NewRunner(source, opts...), closeFn
}

// openJudgeCache returns nil when caching is disabled or the cache cannot be
// opened.
func (a *app) openJudgeCache() *cache.JudgeCache {
	if a.cfg.CacheDir == "" || a.cfg.JudgeCacheEntries == 0 {
		return nil
	}
	if err := os.MkdirAll(a.cfg.CacheDir, 0o755); err != nil {
		a.logger.Warn("failed to create cache dir", "dir", a.cfg.CacheDir, "err", err)
		return nil
	}
	c, err := cache.NewJudgeCache(filepath.Join(a.cfg.CacheDir, judgeCacheFile), a.cfg.JudgeCacheEntries)
	if err != nil {
		a.logger.Warn("failed to create judge cache", "err", err)
		return nil
	}
	return c
}
