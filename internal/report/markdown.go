package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/evalgate/engine/pkg/types"
)

const maxCellRunes = 100

// MarkdownReport holds data for a Markdown PR comment report.
type MarkdownReport struct {
	Title string
	RunAt time.Time
	Run   *types.EvaluateRunResult
}

// GenerateMarkdown writes a Markdown-formatted report to w.
func GenerateMarkdown(w io.Writer, r *MarkdownReport) error {
	if r.Run == nil {
		return fmt.Errorf("no run result to report")
	}
	res := r.Run
	title := r.Title
	if title == "" {
		title = "Evalgate Report: " + res.ChallengeID
	}

	p := &printer{w: w}
	p.printf("## %s\n\n", title)
	if !r.RunAt.IsZero() {
		p.printf("**Run at:** %s\n\n", r.RunAt.UTC().Format(time.RFC3339))
	}
	p.printf("**Run:** `%s` (%s mode, %s set)\n\n", res.RunID, res.Mode, res.Set)

	s := res.Summary
	p.printf("**Results:** %d total, %d failed, pass rate %.1f%%, %d critical\n\n",
		s.Total, s.Failed, s.PassRate*100, s.CriticalCount)
	if res.DurationMS > 0 {
		p.printf("**Duration:** %dms\n\n", res.DurationMS)
	}

	if s.Ship {
		p.printf("### :rocket: Ship\n\n")
	} else {
		p.printf("### :no_entry: Do not ship\n\n")
		for _, b := range s.ShipBlockers {
			p.printf("- %s\n", escape(b))
		}
		p.printf("\n")
	}

	writeCoverage(p, res.Coverage)

	switch {
	case res.Set == types.SetTest:
		writeTestReport(p, res.TestReport)
	case len(res.Verdicts) == 0:
		p.printf("_No traces evaluated._\n\n")
	default:
		writeVerdicts(p, res.Verdicts)
	}

	if res.Diff != nil {
		writeDiff(p, res.Diff)
	}
	if res.MetaCritique != "" {
		p.printf("### Rubric critique\n\n%s\n", res.MetaCritique)
	}
	return p.err
}

func writeCoverage(p *printer, c *types.Coverage) {
	if c == nil {
		return
	}
	if c.Rules != nil {
		p.printf("**Rule coverage:** %.0f%% (%d of %d rules matched)\n\n",
			c.Rules.Fraction*100, len(c.Rules.Matched), len(c.Rules.Matched)+len(c.Rules.Unmatched))
		if len(c.Rules.Unmatched) > 0 {
			p.printf("Unmatched rules: %s\n\n", codeList(c.Rules.Unmatched))
		}
	}
	if c.Rubric != nil {
		p.printf("**Judge coverage:** %d judged, %d fallback(s)\n\n", c.Rubric.Judged, c.Rubric.Fallbacks)
		names := make([]string, 0, len(c.Rubric.Clusters))
		for name := range c.Rubric.Clusters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p.printf("- %s: %d\n", escape(name), c.Rubric.Clusters[name])
		}
		if len(names) > 0 {
			p.printf("\n")
		}
	}
}

func writeVerdicts(p *printer, verdicts []types.TraceVerdict) {
	p.printf("| Trace | Status | Severity | Cluster | Reason |\n")
	p.printf("|-------|--------|----------|---------|--------|\n")
	for i := range verdicts {
		v := &verdicts[i]
		reason := v.Reason
		if reason == "" && len(v.Evidence) > 0 {
			reason = v.Evidence[0].Detail
		}
		p.printf("| `%s` | %s %s | %s | %s | %s |\n",
			v.TraceID, statusIcon(v.Status), v.Status, v.Severity, escape(v.Cluster), truncate(escape(reason)))
	}
	p.printf("\n")
}

func writeTestReport(p *printer, entries []types.TestReportEntry) {
	if len(entries) == 0 {
		p.printf("_No failures on the hidden set._\n\n")
		return
	}
	p.printf("| Trace | Cluster | Clause | Evidence |\n")
	p.printf("|-------|---------|--------|----------|\n")
	for _, e := range entries {
		excerpts := make([]string, len(e.Evidence))
		for i, ex := range e.Evidence {
			excerpts[i] = escape(ex)
		}
		p.printf("| `%s` | %s | %s | %s |\n",
			e.TraceID, escape(e.Cluster), truncate(escape(e.Clause)), strings.Join(excerpts, "<br>"))
	}
	p.printf("\n")
}

func writeDiff(p *printer, d *types.DiffSummary) {
	p.printf("### Changes since previous run\n\n")
	if len(d.Fixed)+len(d.Regressed)+len(d.NewFails) == 0 {
		p.printf("_No status changes._\n\n")
		return
	}
	section := func(name string, entries []types.DiffEntry) {
		if len(entries) == 0 {
			return
		}
		p.printf("**%s (%d)**\n\n", name, len(entries))
		for _, e := range entries {
			p.printf("- `%s` %s (%s)\n", e.TraceID, escape(e.Cluster), e.Severity)
		}
		p.printf("\n")
	}
	section("Regressed", d.Regressed)
	section("New failures", d.NewFails)
	section("Fixed", d.Fixed)
}

func statusIcon(status string) string {
	switch status {
	case types.StatusPass:
		return ":white_check_mark:"
	case types.StatusFail:
		return ":x:"
	default:
		return ":grey_question:"
	}
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxCellRunes {
		return s
	}
	return string(r[:maxCellRunes-3]) + "..."
}

func codeList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "`" + id + "`"
	}
	return strings.Join(quoted, ", ")
}

// printer remembers the first write error so the report body reads linearly.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
