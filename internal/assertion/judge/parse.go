package judge

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/evalgate/engine/pkg/types"
)

// FallbackCluster labels verdicts substituted for unusable judge output.
const FallbackCluster = "Invalid judge response"

// ValidationError reports the first rule a judge response broke.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// Extractor proposes the JSON candidate inside raw judge text.
type Extractor struct {
	Name    string
	Extract func(raw string) (string, bool)
}

var fencedJSONRegex = regexp.MustCompile("(?is)```json\\s*(.*?)```")

// FencedJSON returns the body of the first ```json fenced block.
func FencedJSON(raw string) (string, bool) {
	m := fencedJSONRegex.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// BraceSpan returns the text from the first '{' to the last '}'.
func BraceSpan(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// Trimmed returns raw without surrounding whitespace.
func Trimmed(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	return s, s != ""
}

// Extractors is the ordered fallback chain applied to judge text.
var Extractors = []Extractor{
	{Name: "fenced", Extract: FencedJSON},
	{Name: "braces", Extract: BraceSpan},
	{Name: "trimmed", Extract: Trimmed},
}

// Extract returns the first candidate in the chain that is valid JSON.
func Extract(raw string) (string, error) {
	for _, ex := range Extractors {
		if candidate, ok := ex.Extract(raw); ok && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", &ValidationError{Msg: "response does not contain parseable JSON"}
}

// ParseOutput validates raw judge text for a trace of msgCount messages.
// Checks run in a fixed order and the first failure is returned.
func ParseOutput(raw string, msgCount int) (*types.JudgeOutput, error) {
	candidate, err := Extract(raw)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ValidationError{Msg: "response must be a JSON object"}
	}

	pass, ok := obj["pass"].(bool)
	if !ok {
		return nil, &ValidationError{Field: "pass", Msg: "must be a boolean"}
	}

	sevRaw, _ := obj["severity"].(string)
	sev, ok := types.ParseSeverity(sevRaw)
	if !ok {
		return nil, &ValidationError{Field: "severity", Msg: "must be one of low, high, critical"}
	}

	cluster, _ := obj["cluster"].(string)
	if strings.TrimSpace(cluster) == "" {
		return nil, &ValidationError{Field: "cluster", Msg: "must be a non-empty string"}
	}

	reason, _ := obj["reason"].(string)
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Msg: "must be a non-empty string"}
	}

	out := &types.JudgeOutput{
		Pass:     pass,
		Severity: sev,
		Cluster:  strings.TrimSpace(cluster),
		Reason:   strings.TrimSpace(reason),
	}

	rawEvidence, present := obj["evidence"]
	if !present || rawEvidence == nil {
		return out, nil
	}
	items, ok := rawEvidence.([]any)
	if !ok {
		return nil, &ValidationError{Field: "evidence", Msg: "must be an array"}
	}
	for i, item := range items {
		ev, err := parseEvidence(item, msgCount)
		if err != nil {
			prefix := fmt.Sprintf("evidence[%d]", i)
			if err.Field != "" {
				prefix += "." + err.Field
			}
			err.Field = prefix
			return nil, err
		}
		out.Evidence = append(out.Evidence, ev)
	}
	return out, nil
}

func parseEvidence(item any, msgCount int) (types.JudgeEvidence, *ValidationError) {
	obj, ok := item.(map[string]any)
	if !ok {
		return types.JudgeEvidence{}, &ValidationError{Msg: "must be an object"}
	}
	idx, ok := obj["idx"].(float64)
	if !ok {
		return types.JudgeEvidence{}, &ValidationError{Field: "idx", Msg: "must be a number"}
	}
	if idx != math.Trunc(idx) || idx < 0 || idx >= float64(msgCount) {
		return types.JudgeEvidence{}, &ValidationError{
			Field: "idx",
			Msg:   fmt.Sprintf("must be a message index in [0, %d), got %v", msgCount, idx),
		}
	}
	label, ok := obj["label"].(string)
	if !ok {
		return types.JudgeEvidence{}, &ValidationError{Field: "label", Msg: "must be a string"}
	}
	detail, ok := obj["detail"].(string)
	if !ok {
		return types.JudgeEvidence{}, &ValidationError{Field: "detail", Msg: "must be a string"}
	}
	return types.JudgeEvidence{Idx: int(idx), Label: label, Detail: detail}, nil
}

// ToVerdict maps a validated judge output onto the per-trace verdict shape.
// A passing judge can still surface evidence, tagged warn rather than bad.
func ToVerdict(traceID string, out *types.JudgeOutput) *types.TraceVerdict {
	v := &types.TraceVerdict{
		TraceID:  traceID,
		Status:   types.StatusPass,
		Severity: out.Severity,
		Cluster:  out.Cluster,
		Reason:   out.Reason,
		Evidence: make([]types.Evidence, 0, len(out.Evidence)),
	}
	level := types.LevelWarn
	if !out.Pass {
		v.Status = types.StatusFail
		level = types.LevelBad
	}
	for _, e := range out.Evidence {
		v.Evidence = append(v.Evidence, types.Evidence{Idx: e.Idx, Label: e.Label, Detail: e.Detail, Level: level})
	}
	return v
}

// Fallback is the fail-closed verdict used when a judge call or its output
// cannot be trusted. The error detail is attached to message 0; a trace with
// no messages has no offset to point at, so the detail goes into Reason.
func Fallback(traceID string, msgCount int, err error) *types.TraceVerdict {
	detail := "judge returned no usable verdict"
	if err != nil {
		detail = err.Error()
	}
	v := &types.TraceVerdict{
		TraceID:  traceID,
		Status:   types.StatusFail,
		Severity: types.SeverityHigh,
		Cluster:  FallbackCluster,
		Reason:   "The judge response could not be validated.",
		Evidence: []types.Evidence{},
		Fallback: true,
	}
	if msgCount > 0 {
		v.Evidence = append(v.Evidence, types.Evidence{Idx: 0, Label: "judge", Detail: detail, Level: types.LevelBad})
	} else {
		v.Reason += " " + detail
	}
	return v
}

// IsFallback reports whether v was produced by Fallback.
func IsFallback(v *types.TraceVerdict) bool {
	return v != nil && v.Fallback
}
