package rules

import (
	"strings"

	"github.com/evalgate/engine/internal/trace"
	"github.com/evalgate/engine/pkg/types"
)

// MatchCondition returns, in order, the indices of messages that satisfy c.
// agent_says inspects assistant messages, user_requests inspects user messages.
func MatchCondition(c Condition, t *types.Trace) []int {
	role := c.Kind.Role()
	var idx []int
	for i := range t.Messages {
		if t.Messages[i].Role == role && c.Pattern.Match(t.Messages[i].Content) {
			idx = append(idx, i)
		}
	}
	return idx
}

// RequirementSatisfied reports whether every tool named by r was invoked by a
// tool message somewhere in t. Comparison is case-insensitive. When
// unsatisfied the missing tool names are returned in declaration order.
func RequirementSatisfied(r Requirement, t *types.Trace) (bool, []string) {
	called := trace.ToolNames(t)
	var missing []string
	for _, tool := range r.Tools {
		if _, ok := called[strings.ToLower(tool)]; !ok {
			missing = append(missing, tool)
		}
	}
	return len(missing) == 0, missing
}
