package assertion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/internal/trace"
	"github.com/evalgate/engine/pkg/types"
)

// DefaultJudgeTimeout bounds a single judge call.
const DefaultJudgeTimeout = 30 * time.Second

// JudgeEvaluator asks an external judge for each trace. Any transport or
// validation failure yields the fail-closed fallback verdict for that trace
// only.
type JudgeEvaluator struct {
	provider  llm.Provider
	rubric    judge.Rubric
	cache     *cache.JudgeCache
	model     string
	timeout   time.Duration
	maxTokens int
	logger    *slog.Logger
	onResult  func(fallback bool)
}

// JudgeOption configures a JudgeEvaluator.
type JudgeOption func(*JudgeEvaluator)

// WithJudgeCache enables response caching. Only validated responses are stored.
func WithJudgeCache(c *cache.JudgeCache) JudgeOption {
	return func(e *JudgeEvaluator) { e.cache = c }
}

// WithJudgeModel overrides the provider's default model.
func WithJudgeModel(model string) JudgeOption {
	return func(e *JudgeEvaluator) { e.model = model }
}

// WithJudgeTimeout sets the per-call timeout.
func WithJudgeTimeout(d time.Duration) JudgeOption {
	return func(e *JudgeEvaluator) { e.timeout = d }
}

// WithJudgeLogger sets the logger used for per-trace failures.
func WithJudgeLogger(l *slog.Logger) JudgeOption {
	return func(e *JudgeEvaluator) { e.logger = l }
}

// WithJudgeObserver registers a callback invoked after every trace with
// whether the fallback verdict was used.
func WithJudgeObserver(fn func(fallback bool)) JudgeOption {
	return func(e *JudgeEvaluator) { e.onResult = fn }
}

// NewJudgeEvaluator creates an evaluator grading traces against rubric.
func NewJudgeEvaluator(provider llm.Provider, rubric judge.Rubric, opts ...JudgeOption) *JudgeEvaluator {
	e := &JudgeEvaluator{
		provider:  provider,
		rubric:    rubric,
		timeout:   DefaultJudgeTimeout,
		maxTokens: 512,
	}
	for _, o := range opts {
		o(e)
	}
	if e.model == "" {
		e.model = provider.DefaultModel()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Evaluate implements Evaluator.
func (e *JudgeEvaluator) Evaluate(ctx context.Context, t *types.Trace) *types.TraceVerdict {
	v, err := e.judge(ctx, t)
	if err != nil {
		e.logger.Warn("judge fallback", "trace_id", t.ID, "provider", e.provider.Name(), "err", err)
		v = judge.Fallback(t.ID, len(t.Messages), err)
	}
	if e.onResult != nil {
		e.onResult(err != nil)
	}
	return v
}

func (e *JudgeEvaluator) judge(ctx context.Context, t *types.Trace) (*types.TraceVerdict, error) {
	prompt := judge.BuildPrompt(e.rubric, t)
	contentHash := cache.JudgeContentHash(prompt.User)
	rubricHash := e.rubric.Hash()

	if e.cache != nil {
		cached, err := e.cache.Get(contentHash, rubricHash, e.model)
		if err != nil {
			e.logger.Error("judge cache read error", "err", err)
		} else if cached != nil {
			if out, perr := judge.ParseOutput(cached.Response, len(t.Messages)); perr == nil {
				return judge.ToVerdict(t.ID, out), nil
			}
		}
	}

	e.logger.Debug("judging trace", "trace_id", t.ID, "messages", len(t.Messages), "tool_calls", trace.ToolCallCount(t))
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.provider.Complete(callCtx, &llm.CompletionRequest{
		Model:        e.model,
		SystemPrompt: prompt.System,
		Messages:     []llm.Message{{Role: "user", Content: prompt.User}},
		Temperature:  0,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("judge call timed out after %s", e.timeout)
		}
		return nil, fmt.Errorf("judge call failed: %w", err)
	}

	out, err := judge.ParseOutput(resp.Content, len(t.Messages))
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if putErr := e.cache.Put(contentHash, rubricHash, e.model, &cache.JudgeCacheEntry{Response: resp.Content}); putErr != nil {
			e.logger.Error("judge cache write error", "err", putErr)
		}
	}
	return judge.ToVerdict(t.ID, out), nil
}
