package rules

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evalgate/engine/pkg/types"
)

// ParseError describes why a rule set was rejected. Rule is the 1-based
// position of the offending rule, or 0 for document-level problems.
type ParseError struct {
	Rule  int
	ID    string
	Field string
	Line  int
	Msg   string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Rule > 0 {
		fmt.Fprintf(&b, "rule %d", e.Rule)
		if e.ID != "" {
			fmt.Fprintf(&b, " (%s)", e.ID)
		}
		if e.Line > 0 {
			fmt.Fprintf(&b, " at line %d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}

// knownFields are the rule keys Parse reads. Other keys are author metadata
// and are skipped without type checks.
var knownFields = map[string]struct{}{
	"id": {}, "when": {}, "require": {}, "action": {}, "severity": {}, "notes": {},
}

// Parse turns rule-set text into validated rules in source order.
// The text must be a mapping holding a "rules" list of scalar-valued mappings.
// Duplicate rule ids are rejected.
func Parse(text string) ([]Rule, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Msg: "rule set is empty"}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("not valid YAML: %v", err)}
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: root.Line, Msg: "top level must be a mapping with a \"rules\" list"}
	}

	list := mappingValue(root, "rules")
	if list == nil {
		return nil, &ParseError{Field: "rules", Msg: "missing top-level \"rules\" list"}
	}
	if list.Kind != yaml.SequenceNode {
		return nil, &ParseError{Field: "rules", Line: list.Line, Msg: "must be a list"}
	}

	out := make([]Rule, 0, len(list.Content))
	seen := make(map[string]int, len(list.Content))
	for i, item := range list.Content {
		r, err := parseRule(i+1, item)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[r.ID]; dup {
			return nil, &ParseError{
				Rule: i + 1, ID: r.ID, Field: "id", Line: item.Line,
				Msg: fmt.Sprintf("duplicate id, already declared by rule %d", prev),
			}
		}
		seen[r.ID] = i + 1
		out = append(out, r)
	}
	return out, nil
}

// mappingValue returns the value node stored under key, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func parseRule(pos int, node *yaml.Node) (Rule, error) {
	if node.Kind != yaml.MappingNode {
		return Rule{}, &ParseError{Rule: pos, Line: node.Line, Msg: "must be a mapping"}
	}

	fields := make(map[string]string, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if _, ok := knownFields[key.Value]; !ok {
			continue
		}
		if val.Kind != yaml.ScalarNode {
			return Rule{}, &ParseError{Rule: pos, Field: key.Value, Line: val.Line, Msg: "must be a string, number or boolean"}
		}
		if val.Tag == "!!null" {
			continue
		}
		fields[key.Value] = strings.TrimSpace(val.Value)
	}

	id := fields["id"]
	perr := func(field, msg string) *ParseError {
		return &ParseError{Rule: pos, ID: id, Field: field, Line: node.Line, Msg: msg}
	}

	if id == "" {
		return Rule{}, perr("id", "missing required field")
	}
	whenExpr, ok := fields["when"]
	if !ok || whenExpr == "" {
		return Rule{}, perr("when", "missing required field")
	}

	severity := types.SeverityLow
	if raw, ok := fields["severity"]; ok {
		s, valid := types.ParseSeverity(raw)
		if !valid {
			return Rule{}, perr("severity", fmt.Sprintf("must be one of low, high, critical; got %q", raw))
		}
		severity = s
	}

	var action Action
	if raw, ok := fields["action"]; ok {
		if Action(raw) != ActionFail {
			return Rule{}, perr("action", fmt.Sprintf("only %q is supported; got %q", ActionFail, raw))
		}
		action = ActionFail
	}

	requireExpr, hasRequire := fields["require"]
	if hasRequire && requireExpr == "" {
		hasRequire = false
	}
	if !hasRequire && action == "" {
		return Rule{}, perr("", "must declare either \"require\" or \"action: fail\"")
	}

	cond, err := parseCondition(whenExpr)
	if err != nil {
		return Rule{}, perr("when", err.Error())
	}

	r := Rule{
		ID:       id,
		When:     cond,
		Action:   action,
		Severity: severity,
		Notes:    fields["notes"],
	}
	if hasRequire {
		req, err := parseRequirement(requireExpr)
		if err != nil {
			return Rule{}, perr("require", err.Error())
		}
		r.Require = req
	}
	return r, nil
}
