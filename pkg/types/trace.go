package types

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TraceSet names which fixture pool a run evaluates.
type TraceSet string

const (
	SetDev  TraceSet = "dev"
	SetTest TraceSet = "test"
)

// Trace is one labeled conversation between a user, an assistant and its tools.
type Trace struct {
	ID       string         `json:"id"`
	Messages []TraceMessage `json:"messages"`
}

// TraceMessage is a single transcript turn.
type TraceMessage struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
