// Package llm holds the transports used to reach an external judge model.
package llm

import "context"

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a single judge call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// CompletionResponse carries the raw text a provider returned.
type CompletionResponse struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	DurationMS   int64
}

// Provider is an external judging collaborator. Implementations must be safe
// for concurrent use.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
