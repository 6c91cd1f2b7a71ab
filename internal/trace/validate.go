package trace

import (
	"fmt"
	"strings"

	"github.com/evalgate/engine/pkg/types"
)

const (
	MaxTracesPerSet     = 5000
	MaxMessagesPerTrace = 2000
	MaxMessageLength    = 200000
)

var validRoles = map[string]struct{}{
	types.RoleUser:      {},
	types.RoleAssistant: {},
	types.RoleTool:      {},
}

// Validate checks a single trace.
// Returns nil if the trace is valid, or an RPCError describing the first failure.
func Validate(t *types.Trace) *types.RPCError {
	if strings.TrimSpace(t.ID) == "" {
		return types.NewRPCError(
			types.ErrInvalidTrace,
			"trace missing required field: id",
			types.ErrTypeInvalidTrace,
			false,
			"Every trace must include a non-empty id string.",
		)
	}

	if len(t.Messages) > MaxMessagesPerTrace {
		return types.NewRPCError(
			types.ErrInvalidTrace,
			fmt.Sprintf("trace '%s' exceeds max messages: %d > %d", t.ID, len(t.Messages), MaxMessagesPerTrace),
			types.ErrTypeInvalidTrace,
			false,
			fmt.Sprintf("Split the conversation or trim it to %d messages or fewer.", MaxMessagesPerTrace),
		)
	}

	for i, m := range t.Messages {
		if _, ok := validRoles[m.Role]; !ok {
			return types.NewRPCError(
				types.ErrInvalidTrace,
				fmt.Sprintf("trace '%s' message %d has invalid role '%s'", t.ID, i, m.Role),
				types.ErrTypeInvalidTrace,
				false,
				fmt.Sprintf("Message role must be one of: user, assistant, tool. Got '%s'.", m.Role),
			)
		}
		if len(m.Content) > MaxMessageLength {
			return types.NewRPCError(
				types.ErrInvalidTrace,
				fmt.Sprintf("trace '%s' message %d exceeds max length: %d > %d bytes", t.ID, i, len(m.Content), MaxMessageLength),
				types.ErrTypeInvalidTrace,
				false,
				"Truncate long tool results before recording the trace.",
			)
		}
	}

	return nil
}

// ValidateSet checks every trace of a set and rejects duplicate ids.
func ValidateSet(traces []types.Trace) *types.RPCError {
	if len(traces) > MaxTracesPerSet {
		return types.NewRPCError(
			types.ErrInvalidTrace,
			fmt.Sprintf("trace set exceeds max size: %d > %d", len(traces), MaxTracesPerSet),
			types.ErrTypeInvalidTrace,
			false,
			fmt.Sprintf("Reduce the set to %d traces or fewer.", MaxTracesPerSet),
		)
	}

	seen := make(map[string]struct{}, len(traces))
	for i := range traces {
		if rpcErr := Validate(&traces[i]); rpcErr != nil {
			return rpcErr
		}
		if _, dup := seen[traces[i].ID]; dup {
			return types.NewRPCError(
				types.ErrInvalidTrace,
				fmt.Sprintf("duplicate trace id '%s'", traces[i].ID),
				types.ErrTypeInvalidTrace,
				false,
				"Trace ids must be unique within a set; verdicts and diffs are keyed by id.",
			)
		}
		seen[traces[i].ID] = struct{}{}
	}
	return nil
}
