package trace

import (
	"strings"

	"github.com/evalgate/engine/pkg/types"
)

// toolNameKeys are the metadata keys a tool message may carry its tool name under.
// The first non-empty string value wins.
var toolNameKeys = []string{"tool_name", "toolName", "tool", "name"}

// MessageIndices returns the indices of all messages with the given role.
func MessageIndices(t *types.Trace, role string) []int {
	result := make([]int, 0)
	for i := range t.Messages {
		if t.Messages[i].Role == role {
			result = append(result, i)
		}
	}
	return result
}

// ToolName returns the tool name recorded in a message's metadata, or "".
func ToolName(m *types.TraceMessage) string {
	for _, key := range toolNameKeys {
		if v, ok := m.Metadata[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ToolNames returns the lower-cased set of tools invoked by tool-role messages.
func ToolNames(t *types.Trace) map[string]struct{} {
	names := make(map[string]struct{})
	for i := range t.Messages {
		if t.Messages[i].Role != types.RoleTool {
			continue
		}
		if name := ToolName(&t.Messages[i]); name != "" {
			names[strings.ToLower(name)] = struct{}{}
		}
	}
	return names
}

// ToolCallCount returns the number of tool-role messages.
func ToolCallCount(t *types.Trace) int {
	return len(MessageIndices(t, types.RoleTool))
}
