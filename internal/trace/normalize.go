package trace

import (
	"strings"

	"github.com/evalgate/engine/pkg/types"
)

// Normalize trims whitespace from the trace id and lower-cases message roles.
func Normalize(t *types.Trace) {
	t.ID = strings.TrimSpace(t.ID)
	for i := range t.Messages {
		t.Messages[i].Role = strings.ToLower(strings.TrimSpace(t.Messages[i].Role))
	}
}
