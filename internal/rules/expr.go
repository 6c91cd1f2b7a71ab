package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// callExprRegex matches name(args) with optional surrounding whitespace.
var callExprRegex = regexp.MustCompile(`(?s)^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)

// quotedArgRegex matches a single- or double-quoted argument. Backslashes are
// kept verbatim so regex escapes survive.
var quotedArgRegex = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)

var conditionNames = map[string]ConditionKind{
	"agent_says":    AgentSays,
	"user_requests": UserRequests,
}

var requirementNames = map[string]RequirementKind{
	"tool_called": ToolCalled,
}

// splitCall breaks a call expression into its function name and arguments.
// Quoted arguments win; without any quotes the argument list is split on commas.
func splitCall(expr string) (string, []string, error) {
	m := callExprRegex.FindStringSubmatch(expr)
	if m == nil {
		return "", nil, fmt.Errorf("expected function_name(\"pattern\"), got %q", expr)
	}
	name, inner := m[1], m[2]

	var args []string
	if quoted := quotedArgRegex.FindAllStringSubmatch(inner, -1); len(quoted) > 0 {
		for _, q := range quoted {
			if strings.HasPrefix(q[0], `"`) {
				args = append(args, q[1])
			} else {
				args = append(args, q[2])
			}
		}
		return name, args, nil
	}

	for _, part := range strings.Split(inner, ",") {
		if part = strings.TrimSpace(part); part != "" {
			args = append(args, part)
		}
	}
	return name, args, nil
}

func parseCondition(expr string) (Condition, error) {
	name, args, err := splitCall(expr)
	if err != nil {
		return Condition{}, err
	}
	kind, ok := conditionNames[name]
	if !ok {
		return Condition{}, fmt.Errorf("unknown condition %q (want agent_says or user_requests)", name)
	}
	if len(args) != 1 {
		return Condition{}, fmt.Errorf("%s takes exactly one argument, got %d", name, len(args))
	}
	p, err := CompilePattern(args[0])
	if err != nil {
		return Condition{}, err
	}
	return Condition{Kind: kind, Pattern: p, Expr: strings.TrimSpace(expr)}, nil
}

func parseRequirement(expr string) (*Requirement, error) {
	name, args, err := splitCall(expr)
	if err != nil {
		return nil, err
	}
	kind, ok := requirementNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown requirement %q (want tool_called)", name)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s takes at least one tool name", name)
	}
	tools := make([]string, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(a)]; dup {
			continue
		}
		seen[strings.ToLower(a)] = struct{}{}
		tools = append(tools, a)
	}
	if len(tools) == 0 {
		return nil, fmt.Errorf("%s takes at least one non-empty tool name", name)
	}
	return &Requirement{Kind: kind, Tools: tools, Expr: strings.TrimSpace(expr)}, nil
}
