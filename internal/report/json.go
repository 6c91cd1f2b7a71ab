// Package report renders evaluation runs as JSON documents and Markdown
// PR comments.
package report

import (
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/evalgate/engine/pkg/types"
)

const jsonReportVersion = "1.0"

type JSONReport struct {
	Version      string                  `json:"version"`
	Timestamp    string                  `json:"timestamp"`
	RunID        string                  `json:"run_id"`
	ChallengeID  string                  `json:"challenge_id"`
	Mode         string                  `json:"mode"`
	Set          types.TraceSet          `json:"set"`
	Summary      types.RunSummary        `json:"summary"`
	Coverage     *types.Coverage         `json:"coverage,omitempty"`
	Verdicts     []types.TraceVerdict    `json:"verdicts"`
	TestReport   []types.TestReportEntry `json:"test_report,omitempty"`
	Diff         *types.DiffSummary      `json:"diff,omitempty"`
	MetaCritique string                  `json:"meta_critique,omitempty"`
	DurationMS   int64                   `json:"duration_ms"`
}

// GenerateJSONReport renders res as indented JSON stamped with now.
func GenerateJSONReport(res *types.EvaluateRunResult, now time.Time) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("no run result to report")
	}
	verdicts := res.Verdicts
	if verdicts == nil {
		verdicts = []types.TraceVerdict{}
	}
	report := JSONReport{
		Version:      jsonReportVersion,
		Timestamp:    now.UTC().Format(time.RFC3339),
		RunID:        res.RunID,
		ChallengeID:  res.ChallengeID,
		Mode:         res.Mode,
		Set:          res.Set,
		Summary:      res.Summary,
		Coverage:     res.Coverage,
		Verdicts:     verdicts,
		TestReport:   res.TestReport,
		Diff:         res.Diff,
		MetaCritique: res.MetaCritique,
		DurationMS:   res.DurationMS,
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return output, nil
}
