package types

import "encoding/json"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error object.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil && e.Data.Detail != "" {
		return e.Message + ": " + e.Data.Detail
	}
	return e.Message
}

// ErrorData holds structured error detail.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail"`
}

// InitializeParams holds parameters for the initialize method.
type InitializeParams struct {
	ClientID             string   `json:"client_id"`
	ClientVersion        string   `json:"client_version"`
	ProtocolVersion      int      `json:"protocol_version"`
	RequiredCapabilities []string `json:"required_capabilities"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	EngineVersion         string   `json:"engine_version"`
	ProtocolVersion       int      `json:"protocol_version"`
	Capabilities          []string `json:"capabilities"`
	Missing               []string `json:"missing"`
	Compatible            bool     `json:"compatible"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
}

// EvaluateRunParams holds parameters for the evaluate_run method.
type EvaluateRunParams struct {
	ChallengeID string         `json:"challenge_id"`
	Mode        string         `json:"mode"`
	Config      string         `json:"config"`
	Set         TraceSet       `json:"set"`
	Previous    []TraceVerdict `json:"previous,omitempty"`
	// Traces, when present, are evaluated instead of the engine's trace store.
	Traces      []Trace        `json:"traces,omitempty"`
}

// EvaluateRunResult holds the result of the evaluate_run method.
// Verdicts is empty when the hidden set was evaluated; TestReport carries the
// redacted explanation instead.
type EvaluateRunResult struct {
	RunID        string            `json:"run_id"`
	ChallengeID  string            `json:"challenge_id"`
	Mode         string            `json:"mode"`
	Set          TraceSet          `json:"set"`
	Verdicts     []TraceVerdict    `json:"verdicts"`
	Summary      RunSummary        `json:"summary"`
	Coverage     *Coverage         `json:"coverage,omitempty"`
	MetaCritique string            `json:"meta_critique,omitempty"`
	TestReport   []TestReportEntry `json:"test_report,omitempty"`
	Diff         *DiffSummary      `json:"diff,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
}

// ComputeDiffParams holds parameters for the compute_diff method.
type ComputeDiffParams struct {
	Current  []TraceVerdict `json:"current"`
	Previous []TraceVerdict `json:"previous"`
}

// ValidateRulesParams holds parameters for the validate_rules method.
type ValidateRulesParams struct {
	Config string `json:"config"`
}

// ValidateRulesResult holds the result of the validate_rules method.
type ValidateRulesResult struct {
	Valid   bool     `json:"valid"`
	Error   string   `json:"error,omitempty"`
	RuleIDs []string `json:"rule_ids"`
}

// RedactTextParams holds parameters for the redact_text method.
type RedactTextParams struct {
	Text string `json:"text"`
}

// RedactTextResult holds the result of the redact_text method.
type RedactTextResult struct {
	Text string `json:"text"`
}

// ShutdownResult holds the result of the shutdown method.
type ShutdownResult struct {
	SessionsCompleted int `json:"sessions_completed"`
	RunsEvaluated     int `json:"runs_evaluated"`
	TracesEvaluated   int `json:"traces_evaluated"`
}
