package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evalgate/engine/internal/assertion"
	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/internal/metrics"
	"github.com/evalgate/engine/internal/rules"
	"github.com/evalgate/engine/internal/throttle"
	"github.com/evalgate/engine/internal/trace"
	"github.com/evalgate/engine/pkg/types"
)

// ErrInvalidRequest wraps problems with the shape of a run request.
var ErrInvalidRequest = errors.New("invalid run request")

// ErrNoJudge is returned for judge-mode runs when no provider is configured.
var ErrNoJudge = errors.New("judge mode requested but no judge provider is configured")

// ThrottledError rejects a judge-mode run issued too soon after the previous
// one for the same caller, challenge and set.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("judge runs are throttled; retry after %s", e.RetryAfter.Round(time.Second))
}

// Request describes one evaluation run.
type Request struct {
	Caller      string
	ChallengeID string
	Mode        string
	Config      string
	Set         types.TraceSet
	Previous    []types.TraceVerdict
}

// Runner evaluates trace sets. It holds no run history: callers own that.
type Runner struct {
	source       trace.Source
	throttle     throttle.Store
	provider     llm.Provider
	judgeCache   *cache.JudgeCache
	judgeModel   string
	judgeTimeout time.Duration
	metaCritique bool
	gate         Gate
	concurrency  int
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithThrottle replaces the default in-memory throttle registry.
func WithThrottle(s throttle.Store) Option { return func(r *Runner) { r.throttle = s } }

// WithJudge enables judge mode.
func WithJudge(p llm.Provider) Option { return func(r *Runner) { r.provider = p } }

func WithJudgeCache(c *cache.JudgeCache) Option { return func(r *Runner) { r.judgeCache = c } }

func WithJudgeModel(m string) Option { return func(r *Runner) { r.judgeModel = m } }

func WithJudgeTimeout(d time.Duration) Option { return func(r *Runner) { r.judgeTimeout = d } }

// WithMetaCritique adds a rubric critique to judge-mode results.
func WithMetaCritique(enabled bool) Option { return func(r *Runner) { r.metaCritique = enabled } }

func WithGate(g Gate) Option { return func(r *Runner) { r.gate = g } }

// WithConcurrency bounds how many traces are evaluated at once.
func WithConcurrency(n int) Option { return func(r *Runner) { r.concurrency = n } }

func WithMetrics(c *metrics.Collector) Option { return func(r *Runner) { r.metrics = c } }

func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// NewRunner creates a runner loading traces from source.
func NewRunner(source trace.Source, opts ...Option) *Runner {
	r := &Runner{
		source:       source,
		gate:         DefaultGate(),
		judgeTimeout: assertion.DefaultJudgeTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.throttle == nil {
		r.throttle = throttle.NewMemoryStore(throttle.DefaultWindow)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Execute validates req, loads its traces and evaluates them.
func (r *Runner) Execute(ctx context.Context, req *Request) (*types.EvaluateRunResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if r.source == nil {
		return nil, errors.New("no trace source configured")
	}
	traces, err := r.source.Load(ctx, req.ChallengeID, req.Set)
	if err != nil {
		return nil, fmt.Errorf("load traces for %s/%s: %w", req.ChallengeID, req.Set, err)
	}
	return r.Evaluate(ctx, req, traces)
}

// Evaluate runs req against traces the caller already loaded.
//
// Rules mode parses the config first, so an authoring error aborts before any
// trace is evaluated. Judge mode is throttled per caller, challenge and set.
// Test-set runs return no verdicts, only a redacted report of the failures.
func (r *Runner) Evaluate(ctx context.Context, req *Request, traces []types.Trace) (*types.EvaluateRunResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start := r.now()
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID, "challenge_id", req.ChallengeID, "mode", req.Mode, "set", string(req.Set))

	var (
		batch      *assertion.BatchResult
		coverage   *types.Coverage
		coverageOK bool
		critique   string
		err        error
	)

	switch req.Mode {
	case types.ModeRules:
		rs, perr := rules.Parse(req.Config)
		if perr != nil {
			return nil, perr
		}
		ev := assertion.NewRuleEvaluator(rs)
		batch, err = assertion.NewPipeline(ev, r.concurrency).EvaluateBatch(ctx, traces)
		if err != nil {
			return nil, fmt.Errorf("evaluate traces: %w", err)
		}
		matched := make([][]string, len(batch.Evaluations))
		for i, e := range batch.Evaluations {
			matched[i] = e.Matched
		}
		rc := ComputeRuleCoverage(rules.IDs(rs), matched)
		coverage = &types.Coverage{Rules: &rc}
		coverageOK = RuleCoverageOK(rc)

	case types.ModeJudge:
		if r.provider == nil {
			return nil, ErrNoJudge
		}
		key := throttle.Key{Caller: req.Caller, Challenge: req.ChallengeID, Set: string(req.Set)}
		if d := r.throttle.CheckAndRecord(key, r.now()); !d.Allowed {
			r.metrics.ThrottleRejected()
			logger.Info("judge run throttled", "caller", req.Caller, "retry_after", d.RetryAfter)
			return nil, &ThrottledError{RetryAfter: d.RetryAfter}
		}
		rubric := judge.NewRubric(req.Config)
		opts := []assertion.JudgeOption{
			assertion.WithJudgeTimeout(r.judgeTimeout),
			assertion.WithJudgeLogger(logger),
			assertion.WithJudgeObserver(func(fallback bool) {
				if fallback {
					r.metrics.JudgeFallback()
				}
			}),
		}
		if r.judgeCache != nil {
			opts = append(opts, assertion.WithJudgeCache(r.judgeCache))
		}
		if r.judgeModel != "" {
			opts = append(opts, assertion.WithJudgeModel(r.judgeModel))
		}
		ev := assertion.NewJudgeEvaluator(r.provider, rubric, opts...)
		batch, err = assertion.NewPipeline(ev, r.concurrency).EvaluateBatch(ctx, traces)
		if err != nil {
			return nil, fmt.Errorf("judge traces: %w", err)
		}
		jc := JudgeCoverage(batch.Verdicts)
		coverage = &types.Coverage{Rubric: &jc}
		coverageOK = JudgeCoverageOK(jc)
		if r.metaCritique && len(batch.Verdicts) > 0 {
			critique = assertion.MetaCritique(ctx, r.provider, rubric, batch.Verdicts, logger)
		}
	}

	summary := Summarize(batch.Verdicts, r.gate, coverageOK)
	res := &types.EvaluateRunResult{
		RunID:        runID,
		ChallengeID:  req.ChallengeID,
		Mode:         req.Mode,
		Set:          req.Set,
		Verdicts:     batch.Verdicts,
		Summary:      summary,
		Coverage:     coverage,
		MetaCritique: critique,
	}
	if req.Set == types.SetTest {
		res.TestReport = BuildTestReport(traces, batch.Verdicts, batch.Evaluations)
		res.Verdicts = []types.TraceVerdict{}
	}
	// The test set never exposes per-trace status.
	if req.Set == types.SetDev && len(req.Previous) > 0 {
		d := ComputeDiff(batch.Verdicts, req.Previous)
		res.Diff = &d
	}

	elapsed := r.now().Sub(start)
	res.DurationMS = elapsed.Milliseconds()
	r.metrics.ObserveRun(req.Mode, string(req.Set), summary.Ship, elapsed)
	r.metrics.ObserveTraces(req.Mode, types.StatusFail, summary.Failed)
	r.metrics.ObserveTraces(req.Mode, types.StatusPass, summary.Total-summary.Failed)

	logger.Info("run complete",
		"traces", summary.Total,
		"failed", summary.Failed,
		"pass_rate", summary.PassRate,
		"critical", summary.CriticalCount,
		"ship", summary.Ship,
		"duration_ms", res.DurationMS,
	)
	return res, nil
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.Mode != types.ModeRules && req.Mode != types.ModeJudge {
		return fmt.Errorf("%w: mode must be %q or %q, got %q", ErrInvalidRequest, types.ModeRules, types.ModeJudge, req.Mode)
	}
	if req.Set != types.SetDev && req.Set != types.SetTest {
		return fmt.Errorf("%w: set must be %q or %q, got %q", ErrInvalidRequest, types.SetDev, types.SetTest, req.Set)
	}
	if req.ChallengeID == "" {
		return fmt.Errorf("%w: challenge_id is required", ErrInvalidRequest)
	}
	return nil
}
