// Package run aggregates per-trace verdicts into run summaries, coverage and
// diffs, and orchestrates complete evaluation runs.
package run

import (
	"fmt"

	"github.com/evalgate/engine/internal/assertion/judge"
	"github.com/evalgate/engine/pkg/types"
)

// DefaultPassThreshold is the pass rate a run must reach to ship.
const DefaultPassThreshold = 0.9

// Gate is the configured ship bar.
type Gate struct {
	PassThreshold   float64
	RequireCoverage bool
}

// DefaultGate returns the gate used when none is configured.
func DefaultGate() Gate {
	return Gate{PassThreshold: DefaultPassThreshold, RequireCoverage: true}
}

// Summarize computes pass rate, critical count and the ship decision.
// An empty verdict set has a pass rate of 0. ShipBlockers lists every reason
// ship is false.
func Summarize(verdicts []types.TraceVerdict, gate Gate, coverageOK bool) types.RunSummary {
	s := types.RunSummary{Total: len(verdicts)}
	for i := range verdicts {
		if !verdicts[i].Failed() {
			continue
		}
		s.Failed++
		if verdicts[i].Severity == types.SeverityCritical {
			s.CriticalCount++
		}
	}
	if s.Total > 0 {
		s.PassRate = float64(s.Total-s.Failed) / float64(s.Total)
	}

	if s.Total == 0 {
		s.ShipBlockers = append(s.ShipBlockers, "no traces were evaluated")
	} else if s.PassRate < gate.PassThreshold {
		s.ShipBlockers = append(s.ShipBlockers,
			fmt.Sprintf("pass rate %.2f is below the %.2f threshold", s.PassRate, gate.PassThreshold))
	}
	if s.CriticalCount > 0 {
		s.ShipBlockers = append(s.ShipBlockers, fmt.Sprintf("%d critical failure(s)", s.CriticalCount))
	}
	if gate.RequireCoverage && !coverageOK {
		s.ShipBlockers = append(s.ShipBlockers, "coverage is incomplete")
	}
	s.Ship = len(s.ShipBlockers) == 0
	return s
}

// ComputeRuleCoverage splits ruleIDs by whether any trace matched them.
// matched holds, per trace, the ids whose condition fired. Both output lists
// follow declaration order. Fraction is 0 for an empty rule set.
func ComputeRuleCoverage(ruleIDs []string, matched [][]string) types.RuleCoverage {
	hit := make(map[string]struct{})
	for _, ids := range matched {
		for _, id := range ids {
			hit[id] = struct{}{}
		}
	}
	cov := types.RuleCoverage{Matched: []string{}, Unmatched: []string{}}
	for _, id := range ruleIDs {
		if _, ok := hit[id]; ok {
			cov.Matched = append(cov.Matched, id)
		} else {
			cov.Unmatched = append(cov.Unmatched, id)
		}
	}
	if len(ruleIDs) > 0 {
		cov.Fraction = float64(len(cov.Matched)) / float64(len(ruleIDs))
	}
	return cov
}

// RuleCoverageOK reports whether every rule of a non-empty rule set fired.
func RuleCoverageOK(cov types.RuleCoverage) bool {
	return len(cov.Matched) > 0 && len(cov.Unmatched) == 0
}

// JudgeCoverage counts how many traces the judge actually graded, how many
// fell back, and the cluster distribution of the graded ones.
func JudgeCoverage(verdicts []types.TraceVerdict) types.RubricCoverage {
	cov := types.RubricCoverage{Clusters: map[string]int{}}
	for i := range verdicts {
		if judge.IsFallback(&verdicts[i]) {
			cov.Fallbacks++
			continue
		}
		cov.Judged++
		cov.Clusters[verdicts[i].Cluster]++
	}
	return cov
}

// JudgeCoverageOK reports whether the judge graded every trace.
func JudgeCoverageOK(cov types.RubricCoverage) bool {
	return cov.Judged > 0 && cov.Fallbacks == 0
}
