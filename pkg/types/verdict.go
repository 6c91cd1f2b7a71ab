package types

const (
	StatusPass = "pass"
	StatusFail = "fail"

	ModeRules = "rules"
	ModeJudge = "judge"
)

// Severity classifies a violation. Ranks are strictly ordered low < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of s, or -1 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityHigh:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known severities.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// ParseSeverity maps a raw string onto a known severity.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(v)
	return s, s.Valid()
}

// MaxSeverity returns the higher ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EvidenceLevel marks how alarming a piece of evidence is.
type EvidenceLevel string

const (
	LevelWarn EvidenceLevel = "warn"
	LevelBad  EvidenceLevel = "bad"
)

// Evidence points at one message of a trace and explains why it matters.
type Evidence struct {
	Idx    int           `json:"idx"`
	Label  string        `json:"label"`
	Detail string        `json:"detail"`
	Level  EvidenceLevel `json:"level"`
}

// TraceVerdict is the per-trace result produced by either evaluation mode.
type TraceVerdict struct {
	TraceID  string     `json:"trace_id"`
	Status   string     `json:"status"`
	Severity Severity   `json:"severity"`
	Cluster  string     `json:"cluster"`
	Reason   string     `json:"reason,omitempty"`
	Evidence []Evidence `json:"evidence"`
	// Fallback marks the fail-closed verdict substituted for unusable judge output.
	Fallback bool `json:"fallback,omitempty"`
}

// Failed reports whether the verdict is a failure.
func (v *TraceVerdict) Failed() bool { return v.Status == StatusFail }

// RunSummary aggregates the verdicts of a trace set.
type RunSummary struct {
	Total         int      `json:"total"`
	Failed        int      `json:"failed"`
	PassRate      float64  `json:"pass_rate"`
	CriticalCount int      `json:"critical_count"`
	Ship          bool     `json:"ship"`
	ShipBlockers  []string `json:"ship_blockers,omitempty"`
}

// RuleCoverage splits the rule ids of a rule set by whether they matched any trace.
type RuleCoverage struct {
	Matched   []string `json:"matched"`
	Unmatched []string `json:"unmatched"`
	Fraction  float64  `json:"fraction"`
}

// RubricCoverage reports how much of a trace set a judge rubric actually judged.
type RubricCoverage struct {
	Judged    int            `json:"judged"`
	Fallbacks int            `json:"fallbacks"`
	Clusters  map[string]int `json:"clusters"`
}

// Coverage is the optional coverage block of a run response.
type Coverage struct {
	Rules  *RuleCoverage   `json:"rules,omitempty"`
	Rubric *RubricCoverage `json:"rubric,omitempty"`
}

// DiffEntry is one trace whose status changed between two runs.
type DiffEntry struct {
	TraceID  string   `json:"trace_id"`
	Cluster  string   `json:"cluster"`
	Severity Severity `json:"severity"`
}

// DiffSummary compares a current run against a previous one.
type DiffSummary struct {
	Fixed     []DiffEntry `json:"fixed"`
	Regressed []DiffEntry `json:"regressed"`
	NewFails  []DiffEntry `json:"new_fails"`
}

// JudgeEvidence is an evidence item as emitted by an external judge.
type JudgeEvidence struct {
	Idx    int    `json:"idx"`
	Label  string `json:"label"`
	Detail string `json:"detail"`
}

// JudgeOutput is a validated external verdict.
type JudgeOutput struct {
	Pass     bool            `json:"pass"`
	Severity Severity        `json:"severity"`
	Cluster  string          `json:"cluster"`
	Reason   string          `json:"reason"`
	Evidence []JudgeEvidence `json:"evidence,omitempty"`
}

// TestReportEntry explains a hidden-set failure without revealing the transcript.
type TestReportEntry struct {
	TraceID  string   `json:"trace_id"`
	Cluster  string   `json:"cluster"`
	Clause   string   `json:"clause"`
	Evidence []string `json:"evidence"`
}
