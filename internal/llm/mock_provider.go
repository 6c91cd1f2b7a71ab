package llm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultMockVerdict is the judge text returned when a MockProvider has no
// scripted responses.
const DefaultMockVerdict = `{"pass": true, "severity": "low", "cluster": "Pass", "reason": "default mock verdict", "evidence": []}`

// MockProvider implements Provider with configurable responses for testing.
//
// Selection order for each call: Errors[i], then MatchFunc, then Responses
// (cycled, or consumed once in ReplayMode), then DefaultMockVerdict.
type MockProvider struct {
	mu               sync.Mutex
	Responses        []*CompletionResponse
	Errors           []error
	CallCount        int
	LastRequest      *CompletionRequest
	RequestHistory   []CompletionRequest
	ReplayMode       bool
	SimulatedLatency time.Duration
	MatchFunc        func(*CompletionRequest) *CompletionResponse
}

// NewMockProvider creates a MockProvider cycling through the given responses.
func NewMockProvider(responses []*CompletionResponse, errors []error) *MockProvider {
	return &MockProvider{Responses: responses, Errors: errors}
}

// NewReplayProvider creates a MockProvider that uses responses exactly once in order.
func NewReplayProvider(responses []*CompletionResponse) *MockProvider {
	return &MockProvider{Responses: responses, ReplayMode: true}
}

// NewScriptedProvider answers by prompt content: markers are tried in sorted
// order against the request's messages and the first one found selects the
// judge text. Calls matching no key get DefaultMockVerdict. Useful when traces
// are judged concurrently and call order is not deterministic.
func NewScriptedProvider(script map[string]string) *MockProvider {
	markers := slices.Sorted(maps.Keys(script))
	return &MockProvider{MatchFunc: func(req *CompletionRequest) *CompletionResponse {
		for _, m := range req.Messages {
			for _, marker := range markers {
				if strings.Contains(m.Content, marker) {
					return Text(script[marker])
				}
			}
		}
		return nil
	}}
}

// Text wraps raw judge text in a CompletionResponse.
func Text(content string) *CompletionResponse {
	return &CompletionResponse{Content: content, Model: "mock-model"}
}

func (m *MockProvider) Name() string        { return "mock" }
func (m *MockProvider) DefaultModel() string { return "mock-model" }

func (m *MockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	latency := m.SimulatedLatency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.CallCount
	m.CallCount++
	m.LastRequest = req
	m.RequestHistory = append(m.RequestHistory, *req)

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if m.MatchFunc != nil {
		if resp := m.MatchFunc(req); resp != nil {
			return resp, nil
		}
	}
	if m.ReplayMode {
		if idx >= len(m.Responses) {
			return nil, fmt.Errorf("mock provider: all %d responses exhausted at call %d", len(m.Responses), idx)
		}
		return m.Responses[idx], nil
	}
	if len(m.Responses) > 0 {
		return m.Responses[idx%len(m.Responses)], nil
	}
	return &CompletionResponse{
		Content:      DefaultMockVerdict,
		Model:        "mock-model",
		InputTokens:  10,
		OutputTokens: 10,
		DurationMS:   50,
	}, nil
}

// GetCallCount returns the number of times Complete has been called.
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// GetRequestHistory returns a copy of all requests made to this provider.
func (m *MockProvider) GetRequestHistory() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.RequestHistory...)
}
