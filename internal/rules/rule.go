// Package rules parses the rule DSL and matches parsed rules against traces.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/evalgate/engine/pkg/types"
)

// ConditionKind is the closed set of trigger functions.
type ConditionKind int

const (
	AgentSays ConditionKind = iota + 1
	UserRequests
)

func (k ConditionKind) String() string {
	switch k {
	case AgentSays:
		return "agent_says"
	case UserRequests:
		return "user_requests"
	default:
		return fmt.Sprintf("ConditionKind(%d)", int(k))
	}
}

// Role returns the message role a condition of this kind inspects.
func (k ConditionKind) Role() string {
	if k == AgentSays {
		return types.RoleAssistant
	}
	return types.RoleUser
}

// RequirementKind is the closed set of post-trigger obligations.
type RequirementKind int

const (
	ToolCalled RequirementKind = iota + 1
)

func (k RequirementKind) String() string {
	if k == ToolCalled {
		return "tool_called"
	}
	return fmt.Sprintf("RequirementKind(%d)", int(k))
}

// regexPrefix switches a pattern from substring to regular-expression matching.
const regexPrefix = "re:"

// Pattern is a compiled case-insensitive matcher.
type Pattern struct {
	Raw    string
	re     *regexp.Regexp
	needle string
}

// CompilePattern compiles raw. A "re:" prefix selects a case-insensitive
// regular expression over the remainder; anything else is a case-insensitive
// substring.
func CompilePattern(raw string) (Pattern, error) {
	if body, ok := strings.CutPrefix(raw, regexPrefix); ok {
		if body == "" {
			return Pattern{}, fmt.Errorf("regex pattern %q has an empty body", raw)
		}
		re, err := regexp.Compile("(?i)" + body)
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid regex %q: %v", body, err)
		}
		return Pattern{Raw: raw, re: re}, nil
	}
	if raw == "" {
		return Pattern{}, fmt.Errorf("pattern must not be empty")
	}
	return Pattern{Raw: raw, needle: strings.ToLower(raw)}, nil
}

// IsRegex reports whether the pattern is a regular expression.
func (p Pattern) IsRegex() bool { return p.re != nil }

// Match reports whether s matches the pattern.
func (p Pattern) Match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.needle)
}

// Condition is the trigger of a rule.
type Condition struct {
	Kind    ConditionKind
	Pattern Pattern
	Expr    string
}

// Requirement is an obligation checked once a condition fired.
type Requirement struct {
	Kind  RequirementKind
	Tools []string
	Expr  string
}

// Action is what a rule does when its condition fires.
type Action string

// ActionFail records a failure whenever the condition matches.
const ActionFail Action = "fail"

// Rule is one deterministic check.
//
// When a rule declares both an action and a requirement the action takes
// precedence and the requirement is never evaluated.
type Rule struct {
	ID       string
	When     Condition
	Require  *Requirement
	Action   Action
	Severity types.Severity
	Notes    string
}

// FailsOnMatch reports whether the rule is a hard trigger.
func (r *Rule) FailsOnMatch() bool { return r.Action == ActionFail }

// Clause returns the human-readable contract clause a violation of r breaks.
func (r *Rule) Clause() string {
	if r.Notes != "" {
		return r.Notes
	}
	return "Rule " + r.ID
}

// IDs returns the rule ids in declaration order.
func IDs(rs []Rule) []string {
	ids := make([]string, len(rs))
	for i := range rs {
		ids[i] = rs[i].ID
	}
	return ids
}
