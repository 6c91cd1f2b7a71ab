package run

import (
	"github.com/evalgate/engine/internal/assertion"
	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/internal/redact"
	"github.com/evalgate/engine/pkg/types"
)

const (
	maxReportExcerpts = 2
	maxExcerptRunes   = 160
)

// BuildTestReport explains each failing verdict without revealing the
// transcript: the violated clause plus at most two redacted excerpts.
// evaluations may be nil (judge mode); otherwise it is aligned with verdicts.
func BuildTestReport(traces []types.Trace, verdicts []types.TraceVerdict, evaluations []*assertion.Evaluation) []types.TestReportEntry {
	byID := make(map[string]*types.Trace, len(traces))
	for i := range traces {
		byID[traces[i].ID] = &traces[i]
	}

	entries := []types.TestReportEntry{}
	for i := range verdicts {
		v := &verdicts[i]
		if !v.Failed() {
			continue
		}
		clause := v.Reason
		if i < len(evaluations) && evaluations[i] != nil && len(evaluations[i].Failures) > 0 {
			clause = evaluations[i].Failures[0].Rule.Clause()
		}
		if clause == "" {
			clause = "Rule " + v.Cluster
		}
		entries = append(entries, types.TestReportEntry{
			TraceID:  v.TraceID,
			Cluster:  v.Cluster,
			Clause:   clause,
			Evidence: excerpts(byID[v.TraceID], v),
		})
	}
	return entries
}

func excerpts(t *types.Trace, v *types.TraceVerdict) []string {
	out := []string{}
	fallback := judge.IsFallback(v)
	for _, e := range v.Evidence {
		if len(out) == maxReportExcerpts {
			break
		}
		text := e.Detail
		if !fallback && t != nil && e.Idx >= 0 && e.Idx < len(t.Messages) {
			text = t.Messages[e.Idx].Content
		}
		out = append(out, redact.Excerpt(text, maxExcerptRunes))
	}
	return out
}
