// Package assertion turns traces into verdicts, either by applying parsed
// rules or by asking an external judge.
package assertion

import (
	"context"
	"fmt"
	"strings"

	"github.com/evalgate/engine/internal/rules"
	"github.com/evalgate/engine/pkg/types"
)

// PassCluster labels verdicts with no recorded failure.
const PassCluster = "Pass"

// Evaluator produces one verdict for one trace. Implementations must be safe
// for concurrent use and must not fail: problems are reported as verdicts.
type Evaluator interface {
	Evaluate(ctx context.Context, t *types.Trace) *types.TraceVerdict
}

// Inspector is implemented by evaluators that can explain which checks fired.
type Inspector interface {
	Inspect(t *types.Trace) *Evaluation
}

// RuleFailure is one violated rule instance within a trace.
type RuleFailure struct {
	Rule   *rules.Rule
	Idx    int
	Detail string
}

// Evaluation is the full outcome of applying a rule set to one trace.
// Matched lists every rule id whose condition fired; Failed lists the ids
// that produced a failure. Both are in declaration order.
type Evaluation struct {
	Verdict  *types.TraceVerdict
	Failures []RuleFailure
	Matched  []string
	Failed   []string
}

// RuleEvaluator applies a parsed rule set.
type RuleEvaluator struct {
	rules []rules.Rule
}

// NewRuleEvaluator creates an evaluator over rs. Rules are applied in order.
func NewRuleEvaluator(rs []rules.Rule) *RuleEvaluator {
	return &RuleEvaluator{rules: rs}
}

// Rules returns the rule set in declaration order.
func (e *RuleEvaluator) Rules() []rules.Rule { return e.rules }

// Evaluate implements Evaluator.
func (e *RuleEvaluator) Evaluate(_ context.Context, t *types.Trace) *types.TraceVerdict {
	return e.Inspect(t).Verdict
}

// Inspect walks the rules in declaration order. Only the first matching
// message of a rule is used: a fail action records a failure there, and
// otherwise an unsatisfied requirement does.
func (e *RuleEvaluator) Inspect(t *types.Trace) *Evaluation {
	ev := &Evaluation{}
	for i := range e.rules {
		r := &e.rules[i]
		idx := rules.MatchCondition(r.When, t)
		if len(idx) == 0 {
			continue
		}
		ev.Matched = append(ev.Matched, r.ID)

		switch {
		case r.FailsOnMatch():
			ev.Failures = append(ev.Failures, RuleFailure{
				Rule:   r,
				Idx:    idx[0],
				Detail: fmt.Sprintf("Matched `%s`.", r.When.Expr),
			})
		case r.Require != nil:
			ok, missing := rules.RequirementSatisfied(*r.Require, t)
			if ok {
				continue
			}
			ev.Failures = append(ev.Failures, RuleFailure{
				Rule:   r,
				Idx:    idx[0],
				Detail: missingToolsDetail(r, missing),
			})
		default:
			continue
		}
		ev.Failed = append(ev.Failed, r.ID)
	}
	ev.Verdict = verdictFor(t.ID, ev.Failures)
	return ev
}

func missingToolsDetail(r *rules.Rule, missing []string) string {
	noun := "tool"
	if len(missing) > 1 {
		noun = "tools"
	}
	return fmt.Sprintf("Matched `%s` but required %s not called: %s.", r.When.Expr, noun, strings.Join(missing, ", "))
}

func verdictFor(traceID string, failures []RuleFailure) *types.TraceVerdict {
	if len(failures) == 0 {
		return &types.TraceVerdict{
			TraceID:  traceID,
			Status:   types.StatusPass,
			Severity: types.SeverityLow,
			Cluster:  PassCluster,
			Evidence: []types.Evidence{},
		}
	}
	v := &types.TraceVerdict{
		TraceID:  traceID,
		Status:   types.StatusFail,
		Severity: failures[0].Rule.Severity,
		Cluster:  failures[0].Rule.ID,
		Evidence: make([]types.Evidence, 0, len(failures)),
	}
	for _, f := range failures {
		v.Severity = types.MaxSeverity(v.Severity, f.Rule.Severity)
		v.Evidence = append(v.Evidence, types.Evidence{
			Idx:    f.Idx,
			Label:  f.Rule.ID,
			Detail: f.Detail,
			Level:  types.LevelBad,
		})
	}
	return v
}
