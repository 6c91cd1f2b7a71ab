package run

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/evalgate/engine/internal/llm"
	"github.com/evalgate/engine/internal/metrics"
	"github.com/evalgate/engine/internal/rules"
	"github.com/evalgate/engine/internal/throttle"
	"github.com/evalgate/engine/pkg/types"
)

type fakeSource struct {
	sets  map[types.TraceSet][]types.Trace
	err   error
	loads int
}

func (s *fakeSource) Load(_ context.Context, _ string, set types.TraceSet) ([]types.Trace, error) {
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.sets[set], nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const supportRules = `
rules:
  - id: refund-lookup
    when: user_requests("refund")
    require: tool_called("lookup_refund")
    severity: high
  - id: no-apology-spam
    when: agent_says("sorry sorry")
    action: fail
    severity: low
`

func supportTraces() []types.Trace {
	return []types.Trace{
		{ID: "t1", Messages: []types.TraceMessage{
			{Role: types.RoleUser, Content: "I need a refund"},
			{Role: types.RoleTool, Content: "found", Metadata: map[string]any{"tool_name": "lookup_refund"}},
			{Role: types.RoleAssistant, Content: "Your refund is on its way."},
		}},
		{ID: "t2", Messages: []types.TraceMessage{
			{Role: types.RoleUser, Content: "refund now"},
			{Role: types.RoleAssistant, Content: "Refunded."},
		}},
		{ID: "t3", Messages: []types.TraceMessage{
			{Role: types.RoleUser, Content: "Where is my parcel?"},
			{Role: types.RoleAssistant, Content: "It ships tomorrow."},
		}},
	}
}

func newSource() *fakeSource {
	return &fakeSource{sets: map[types.TraceSet][]types.Trace{
		types.SetDev:  supportTraces(),
		types.SetTest: supportTraces(),
	}}
}

func rulesRequest(set types.TraceSet) *Request {
	return &Request{Caller: "alice", ChallengeID: "refunds", Mode: types.ModeRules, Config: supportRules, Set: set}
}

func TestRunner_RulesModeDevSet(t *testing.T) {
	r := NewRunner(newSource(), WithGate(Gate{PassThreshold: 0.5, RequireCoverage: true}))
	res, err := r.Execute(context.Background(), rulesRequest(types.SetDev))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if len(res.Verdicts) != 3 {
		t.Fatalf("verdicts = %d, want 3", len(res.Verdicts))
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if res.Verdicts[i].TraceID != id {
			t.Errorf("verdict %d = %s, want %s (input order)", i, res.Verdicts[i].TraceID, id)
		}
	}
	if res.Verdicts[1].Status != types.StatusFail || res.Verdicts[1].Cluster != "refund-lookup" {
		t.Errorf("t2 verdict = %+v", res.Verdicts[1])
	}
	if res.Summary.Total != 3 || res.Summary.Failed != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Coverage == nil || res.Coverage.Rules == nil {
		t.Fatalf("coverage = %+v", res.Coverage)
	}
	if got := res.Coverage.Rules.Unmatched; len(got) != 1 || got[0] != "no-apology-spam" {
		t.Errorf("unmatched = %v", got)
	}
	if res.Summary.Ship {
		t.Error("shipped with an unmatched rule and coverage required")
	}
	if res.TestReport != nil {
		t.Errorf("dev run carries a test report: %+v", res.TestReport)
	}
}

func TestRunner_TestSetHidesVerdicts(t *testing.T) {
	r := NewRunner(newSource())
	res, err := r.Execute(context.Background(), rulesRequest(types.SetTest))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Verdicts == nil || len(res.Verdicts) != 0 {
		t.Errorf("verdicts = %+v, want empty", res.Verdicts)
	}
	if len(res.TestReport) != 1 || res.TestReport[0].TraceID != "t2" {
		t.Errorf("test report = %+v", res.TestReport)
	}
	if res.Summary.Failed != 1 {
		t.Errorf("summary still reflects the hidden verdicts: %+v", res.Summary)
	}
}

func TestRunner_ParseErrorAbortsRun(t *testing.T) {
	src := newSource()
	req := rulesRequest(types.SetDev)
	req.Config = "rules:\n  - id: broken\n    when: agent_says(\"x\")\n    severity: apocalyptic\n"

	_, err := NewRunner(src).Execute(context.Background(), req)
	var perr *rules.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *rules.ParseError", err)
	}
}

func TestRunner_InvalidRequest(t *testing.T) {
	src := newSource()
	r := NewRunner(src)
	cases := []*Request{
		nil,
		{ChallengeID: "c", Mode: "vibes", Set: types.SetDev},
		{ChallengeID: "c", Mode: types.ModeRules, Set: "holdout"},
		{Mode: types.ModeRules, Set: types.SetDev},
	}
	for i, req := range cases {
		if _, err := r.Execute(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
	if src.loads != 0 {
		t.Errorf("source loaded %d times for invalid requests", src.loads)
	}
}

func TestRunner_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("disk on fire")}
	_, err := NewRunner(src).Execute(context.Background(), rulesRequest(types.SetDev))
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("err = %v", err)
	}
}

func TestRunner_DiffAgainstPrevious(t *testing.T) {
	req := rulesRequest(types.SetDev)
	req.Previous = []types.TraceVerdict{
		fail("t1", "refund-lookup", types.SeverityHigh),
		pass("t2"),
	}
	res, err := NewRunner(newSource()).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Diff == nil {
		t.Fatal("diff missing")
	}
	if len(res.Diff.Fixed) != 1 || res.Diff.Fixed[0].TraceID != "t1" {
		t.Errorf("fixed = %+v", res.Diff.Fixed)
	}
	if len(res.Diff.Regressed) != 1 || res.Diff.Regressed[0].TraceID != "t2" {
		t.Errorf("regressed = %+v", res.Diff.Regressed)
	}
	if len(res.Diff.NewFails) != 0 {
		t.Errorf("new fails = %+v", res.Diff.NewFails)
	}
}

func TestRunner_NoDiffWithoutPrevious(t *testing.T) {
	res, err := NewRunner(newSource()).Execute(context.Background(), rulesRequest(types.SetDev))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Diff != nil {
		t.Errorf("diff = %+v, want nil", res.Diff)
	}
}

func TestRunner_NoDiffOnTestSet(t *testing.T) {
	req := rulesRequest(types.SetTest)
	req.Previous = []types.TraceVerdict{
		fail("t1", "refund-lookup", types.SeverityHigh),
		pass("t2"),
	}
	res, err := NewRunner(newSource()).Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Diff != nil {
		t.Errorf("diff = %+v, want nil for the test set", res.Diff)
	}
}

func judgeRequest() *Request {
	return &Request{Caller: "alice", ChallengeID: "refunds", Mode: types.ModeJudge, Config: "Fail any unconditional refund promise.", Set: types.SetDev}
}

func TestRunner_JudgeMode(t *testing.T) {
	provider := llm.NewScriptedProvider(map[string]string{
		"Refunded.": `{"pass": false, "severity": "critical", "cluster": "Promised refund", "reason": "Refunded without lookup.", "evidence": [{"idx": 1, "label": "promise", "detail": "no lookup"}]}`,
		"parcel":    "I cannot grade this.",
	})
	r := NewRunner(newSource(), WithJudge(provider), WithConcurrency(2))

	res, err := r.Execute(context.Background(), judgeRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := res.Verdicts[0]; got.Status != types.StatusPass {
		t.Errorf("t1 = %+v, want default pass", got)
	}
	if got := res.Verdicts[1]; got.Severity != types.SeverityCritical || got.Cluster != "Promised refund" {
		t.Errorf("t2 = %+v", got)
	}
	if got := res.Verdicts[2]; got.Status != types.StatusFail || got.Cluster != "Invalid judge response" {
		t.Errorf("t3 = %+v, want fallback", got)
	}
	rc := res.Coverage.Rubric
	if rc == nil || rc.Judged != 2 || rc.Fallbacks != 1 {
		t.Errorf("rubric coverage = %+v", rc)
	}
	if res.Summary.Ship || res.Summary.CriticalCount != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if provider.GetCallCount() != 3 {
		t.Errorf("judge calls = %d, want 3", provider.GetCallCount())
	}
}

func TestRunner_JudgeModeWithoutProvider(t *testing.T) {
	_, err := NewRunner(newSource()).Execute(context.Background(), judgeRequest())
	if !errors.Is(err, ErrNoJudge) {
		t.Errorf("err = %v, want ErrNoJudge", err)
	}
}

func TestRunner_JudgeThrottle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	r := NewRunner(newSource(),
		WithJudge(llm.NewMockProvider(nil, nil)),
		WithThrottle(throttle.NewMemoryStore(30*time.Second)),
		WithClock(clock.Now),
		WithMetrics(metrics.NewCollector(reg)),
	)
	ctx := context.Background()

	if _, err := r.Execute(ctx, judgeRequest()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	clock.Advance(10 * time.Second)
	_, err := r.Execute(ctx, judgeRequest())
	var terr *ThrottledError
	if !errors.As(err, &terr) {
		t.Fatalf("second run err = %v, want *ThrottledError", err)
	}
	if terr.RetryAfter != 20*time.Second {
		t.Errorf("RetryAfter = %v, want 20s", terr.RetryAfter)
	}

	other := judgeRequest()
	other.Caller = "bob"
	if _, err := r.Execute(ctx, other); err != nil {
		t.Errorf("other caller throttled: %v", err)
	}

	rulesReq := rulesRequest(types.SetDev)
	if _, err := r.Execute(ctx, rulesReq); err != nil {
		t.Errorf("rules mode throttled: %v", err)
	}

	clock.Advance(20 * time.Second)
	if _, err := r.Execute(ctx, judgeRequest()); err != nil {
		t.Errorf("run after window: %v", err)
	}

	expected := `
# HELP evalgate_throttle_rejections_total Judge-mode runs rejected by the throttle.
# TYPE evalgate_throttle_rejections_total counter
evalgate_throttle_rejections_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "evalgate_throttle_rejections_total"); err != nil {
		t.Error(err)
	}
}

func TestRunner_MetaCritique(t *testing.T) {
	provider := llm.NewScriptedProvider(map[string]string{
		"Refunded.": `{"pass": false, "severity": "high", "cluster": "Promised refund", "reason": "r", "evidence": []}`,
		"Failure clusters:": "Tighten the rubric around partial refunds.",
	})
	r := NewRunner(newSource(), WithJudge(provider), WithMetaCritique(true))
	res, err := r.Execute(context.Background(), judgeRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.MetaCritique == "" {
		t.Error("meta critique missing")
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(newSource()).Evaluate(ctx, rulesRequest(types.SetDev), supportTraces())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
