package assertion

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/pkg/types"
)

const judgeFail = `Here is my verdict:
` + "```json" + `
{"pass": false, "severity": "critical", "cluster": "Promised refund", "reason": "Agent promised a refund without checking.", "evidence": [{"idx": 1, "label": "promise", "detail": "unconditional promise"}]}
` + "```"

func judgeTrace(id string) *types.Trace {
	return &types.Trace{ID: id, Messages: []types.TraceMessage{
		msg(types.RoleUser, "Refund please"),
		msg(types.RoleAssistant, "Sure, refunded!"),
	}}
}

func TestJudgeEvaluator_ValidResponse(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{llm.Text(judgeFail)}, nil)
	ev := NewJudgeEvaluator(mock, judge.NewRubric("No promises."))

	v := ev.Evaluate(context.Background(), judgeTrace("t1"))
	if v.Status != types.StatusFail || v.Severity != types.SeverityCritical || v.Cluster != "Promised refund" {
		t.Fatalf("verdict = %+v", v)
	}
	if v.Reason == "" || len(v.Evidence) != 1 || v.Evidence[0].Level != types.LevelBad {
		t.Errorf("verdict = %+v", v)
	}

	req := mock.LastRequest
	if req.Model != "mock-model" || req.Temperature != 0 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.SystemPrompt, "No promises.") {
		t.Error("system prompt missing rubric")
	}
	if !strings.Contains(req.Messages[0].Content, "[1] assistant: Sure, refunded!") {
		t.Errorf("user prompt missing numbered transcript: %q", req.Messages[0].Content)
	}
}

func TestJudgeEvaluator_FallbackOnInvalidText(t *testing.T) {
	var fallbacks atomic.Int32
	mock := llm.NewMockProvider([]*llm.CompletionResponse{llm.Text("not json")}, nil)
	ev := NewJudgeEvaluator(mock, judge.NewRubric(""), WithJudgeObserver(func(fb bool) {
		if fb {
			fallbacks.Add(1)
		}
	}))

	v := ev.Evaluate(context.Background(), judgeTrace("t1"))
	if v.Status != types.StatusFail || v.Severity != types.SeverityHigh || v.Cluster != judge.FallbackCluster {
		t.Errorf("verdict = %+v, want fallback", v)
	}
	if fallbacks.Load() != 1 {
		t.Errorf("observer saw %d fallbacks, want 1", fallbacks.Load())
	}
}

func TestJudgeEvaluator_FallbackOnEmptyTrace(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{llm.Text("not json")}, nil)
	empty := &types.Trace{ID: "t0", Messages: []types.TraceMessage{}}

	v := NewJudgeEvaluator(mock, judge.NewRubric("")).Evaluate(context.Background(), empty)
	if !judge.IsFallback(v) {
		t.Fatalf("verdict = %+v, want fallback", v)
	}
	for _, e := range v.Evidence {
		if e.Idx < 0 || e.Idx >= len(empty.Messages) {
			t.Errorf("evidence idx %d is not an offset into a %d-message trace", e.Idx, len(empty.Messages))
		}
	}
}

func TestJudgeEvaluator_FallbackOnOutOfRangeEvidence(t *testing.T) {
	raw := `{"pass": true, "severity": "low", "cluster": "ok", "reason": "fine", "evidence": [{"idx": 9, "label": "x", "detail": "y"}]}`
	ev := NewJudgeEvaluator(llm.NewMockProvider([]*llm.CompletionResponse{llm.Text(raw)}, nil), judge.NewRubric(""))

	v := ev.Evaluate(context.Background(), judgeTrace("t1"))
	if !judge.IsFallback(v) {
		t.Errorf("verdict = %+v, want fallback", v)
	}
	if !strings.Contains(v.Evidence[0].Detail, "evidence[0].idx") {
		t.Errorf("detail = %q", v.Evidence[0].Detail)
	}
}

func TestJudgeEvaluator_FallbackOnTransportError(t *testing.T) {
	mock := llm.NewMockProvider(nil, []error{errors.New("connection refused")})
	v := NewJudgeEvaluator(mock, judge.NewRubric("")).Evaluate(context.Background(), judgeTrace("t1"))
	if !judge.IsFallback(v) || !strings.Contains(v.Evidence[0].Detail, "connection refused") {
		t.Errorf("verdict = %+v", v)
	}
}

func TestJudgeEvaluator_Timeout(t *testing.T) {
	mock := llm.NewMockProvider(nil, nil)
	mock.SimulatedLatency = time.Second
	ev := NewJudgeEvaluator(mock, judge.NewRubric(""), WithJudgeTimeout(10*time.Millisecond))

	start := time.Now()
	v := ev.Evaluate(context.Background(), judgeTrace("t1"))
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout not enforced")
	}
	if !judge.IsFallback(v) || !strings.Contains(v.Evidence[0].Detail, "timed out") {
		t.Errorf("verdict = %+v", v)
	}
}

func TestJudgeEvaluator_CachesOnlyValidResponses(t *testing.T) {
	c, err := cache.NewJudgeCache(filepath.Join(t.TempDir(), "judge.db"), 100)
	if err != nil {
		t.Fatalf("NewJudgeCache: %v", err)
	}
	defer c.Close()

	bad := llm.NewReplayProvider([]*llm.CompletionResponse{llm.Text("garbage"), llm.Text(judgeFail)})
	ev := NewJudgeEvaluator(bad, judge.NewRubric("r"), WithJudgeCache(c))

	if v := ev.Evaluate(context.Background(), judgeTrace("t1")); !judge.IsFallback(v) {
		t.Fatalf("first call = %+v, want fallback", v)
	}
	if n, _ := c.Len(); n != 0 {
		t.Fatalf("invalid response was cached (%d entries)", n)
	}

	if v := ev.Evaluate(context.Background(), judgeTrace("t1")); v.Cluster != "Promised refund" {
		t.Fatalf("second call = %+v", v)
	}
	// Served from cache: the replay provider is exhausted and would error.
	if v := ev.Evaluate(context.Background(), judgeTrace("t1")); v.Cluster != "Promised refund" {
		t.Errorf("cached call = %+v", v)
	}
	if bad.GetCallCount() != 2 {
		t.Errorf("provider calls = %d, want 2", bad.GetCallCount())
	}
}

func TestJudgeEvaluator_FaultIsolationAcrossBatch(t *testing.T) {
	inner := llm.NewMockProvider([]*llm.CompletionResponse{llm.Text(`{"pass": true, "severity": "low", "cluster": "Pass", "reason": "fine"}`)}, nil)
	faulty := llm.NewFaultInjectorWithSeed(inner, llm.FaultConfig{ErrorRate: 0.5}, 3)
	p := NewPipeline(NewJudgeEvaluator(faulty, judge.NewRubric("")), 4)

	traces := make([]types.Trace, 40)
	for i := range traces {
		traces[i] = *judgeTrace(string(rune('a' + i%26)) + string(rune('a'+i/26)))
	}
	res, err := p.EvaluateBatch(context.Background(), traces)
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if len(res.Verdicts) != len(traces) {
		t.Fatalf("got %d verdicts, want %d", len(res.Verdicts), len(traces))
	}
	var passed, fellBack int
	for _, v := range res.Verdicts {
		switch {
		case judge.IsFallback(&v):
			fellBack++
		case v.Status == types.StatusPass:
			passed++
		}
	}
	if passed == 0 || fellBack == 0 || passed+fellBack != len(traces) {
		t.Errorf("passed=%d fallbacks=%d, want a mix covering every trace", passed, fellBack)
	}
}

func TestMetaCritique(t *testing.T) {
	mock := llm.NewMockProvider([]*llm.CompletionResponse{llm.Text("  Clusters look consistent.  ")}, nil)
	verdicts := []types.TraceVerdict{
		{TraceID: "a", Status: types.StatusFail, Cluster: "Promised refund", Reason: "promised"},
		{TraceID: "b", Status: types.StatusFail, Cluster: "Promised refund", Reason: "again"},
		{TraceID: "c", Status: types.StatusPass, Cluster: "Pass"},
	}

	got := MetaCritique(context.Background(), mock, judge.NewRubric("No promises."), verdicts, nil)
	if got != "Clusters look consistent." {
		t.Errorf("critique = %q", got)
	}
	in := mock.LastRequest.Messages[0].Content
	for _, want := range []string{"No promises.", "Judged 3 transcripts, 2 failed.", "- Promised refund: 2", "[Promised refund] again"} {
		if !strings.Contains(in, want) {
			t.Errorf("critique input missing %q:\n%s", want, in)
		}
	}
}

func TestMetaCritique_ErrorOmitsCritique(t *testing.T) {
	mock := llm.NewMockProvider(nil, []error{errors.New("down")})
	if got := MetaCritique(context.Background(), mock, judge.NewRubric(""), nil, nil); got != "" {
		t.Errorf("critique = %q, want empty", got)
	}
}
