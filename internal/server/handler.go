package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/evalgate/engine/internal/redact"
	"github.com/evalgate/engine/internal/rules"
	"github.com/evalgate/engine/internal/run"
	"github.com/evalgate/engine/internal/trace"
	"github.com/evalgate/engine/pkg/types"
)

const (
	EngineVersion   = "0.4.0"
	protocolVersion = 1
)

// Capabilities advertised by initialize.
const (
	CapRules      = "rules"
	CapJudge      = "judge"
	CapCoverage   = "coverage"
	CapDiff       = "diff"
	CapTestReport = "test_report"
	CapRedact     = "redact"
)

// Capabilities returns what an engine with or without a judge provider supports.
func Capabilities(judge bool) []string {
	caps := []string{CapRules, CapCoverage, CapDiff, CapTestReport, CapRedact}
	if judge {
		caps = append(caps, CapJudge)
	}
	return caps
}

// RegisterBuiltinHandlers registers the built-in JSON-RPC handlers on s.
func RegisterBuiltinHandlers(s *Server, runner *run.Runner, caps []string) {
	s.RegisterHandler("initialize", handleInitialize(s, caps))
	s.RegisterHandler("shutdown", handleShutdown(s))
	s.RegisterHandler("evaluate_run", handleEvaluateRun(runner))
	s.RegisterHandler("compute_diff", handleComputeDiff)
	s.RegisterHandler("validate_rules", handleValidateRules)
	s.RegisterHandler("redact_text", handleRedactText)
}

func requireInitialized(session *Session, method string) *types.RPCError {
	if session.State() == StateInitialized {
		return nil
	}
	return types.NewRPCError(
		types.ErrSessionError,
		method+" called before initialize",
		types.ErrTypeSessionError,
		false,
		"call initialize first to establish a session",
	)
}

func invalidParams(method string, err error) *types.RPCError {
	return types.NewRPCError(
		types.ErrInvalidParams,
		fmt.Sprintf("invalid %s params", method),
		types.ErrTypeInvalidParams,
		false,
		err.Error(),
	)
}

func handleInitialize(s *Server, caps []string) Handler {
	return func(_ context.Context, session *Session, params json.RawMessage) (any, *types.RPCError) {
		var p types.InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"invalid initialize params",
				types.ErrTypeSessionError,
				false,
				err.Error(),
			)
		}

		if p.ProtocolVersion != protocolVersion {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				fmt.Sprintf("protocol version %d not supported; engine supports version %d", p.ProtocolVersion, protocolVersion),
				types.ErrTypeSessionError,
				false,
				"Upgrade the engine binary or downgrade the client protocol_version",
			)
		}
		if p.ClientID == "" {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"initialize requires a client_id",
				types.ErrTypeSessionError,
				false,
				"client_id identifies the caller for judge-run throttling",
			)
		}

		supported := make(map[string]bool, len(caps))
		for _, c := range caps {
			supported[c] = true
		}
		missing := []string{}
		for _, req := range p.RequiredCapabilities {
			if !supported[req] {
				missing = append(missing, req)
			}
		}

		if !session.Initialize(p.ClientID) {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"initialize called on already-initialized session",
				types.ErrTypeSessionError,
				false,
				"initialize may only be called once per session",
			)
		}
		s.metrics.SessionStarted()
		s.logger.Info("session initialized", "client_id", p.ClientID, "client_version", p.ClientVersion)

		return &types.InitializeResult{
			EngineVersion:         EngineVersion,
			ProtocolVersion:       protocolVersion,
			Capabilities:          caps,
			Missing:               missing,
			Compatible:            len(missing) == 0,
			MaxConcurrentRequests: s.maxConcurrent,
		}, nil
	}
}

func handleShutdown(s *Server) Handler {
	return func(_ context.Context, session *Session, _ json.RawMessage) (any, *types.RPCError) {
		completed, runs, traces, ok := session.Shutdown()
		if !ok {
			return nil, types.NewRPCError(
				types.ErrSessionError,
				"shutdown called on uninitialized or already-shutting-down session",
				types.ErrTypeSessionError,
				false,
				"call initialize before shutdown",
			)
		}
		s.metrics.SessionEnded()
		return &types.ShutdownResult{
			SessionsCompleted: int(completed),
			RunsEvaluated:     int(runs),
			TracesEvaluated:   int(traces),
		}, nil
	}
}

func handleEvaluateRun(runner *run.Runner) Handler {
	return func(ctx context.Context, session *Session, params json.RawMessage) (any, *types.RPCError) {
		if rpcErr := requireInitialized(session, "evaluate_run"); rpcErr != nil {
			return nil, rpcErr
		}

		var p types.EvaluateRunParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("evaluate_run", err)
		}

		req := &run.Request{
			Caller:      session.ClientID(),
			ChallengeID: p.ChallengeID,
			Mode:        p.Mode,
			Config:      p.Config,
			Set:         p.Set,
			Previous:    p.Previous,
		}

		var (
			res *types.EvaluateRunResult
			err error
		)
		if len(p.Traces) > 0 {
			for i := range p.Traces {
				trace.Normalize(&p.Traces[i])
			}
			if rpcErr := trace.ValidateSet(p.Traces); rpcErr != nil {
				return nil, rpcErr
			}
			res, err = runner.Evaluate(ctx, req, p.Traces)
		} else {
			res, err = runner.Execute(ctx, req)
		}
		if err != nil {
			return nil, toRPCError(err)
		}

		session.RecordRun(res.Summary.Total)
		return res, nil
	}
}

func handleComputeDiff(_ context.Context, session *Session, params json.RawMessage) (any, *types.RPCError) {
	if rpcErr := requireInitialized(session, "compute_diff"); rpcErr != nil {
		return nil, rpcErr
	}
	var p types.ComputeDiffParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("compute_diff", err)
	}
	d := run.ComputeDiff(p.Current, p.Previous)
	return &d, nil
}

func handleValidateRules(_ context.Context, session *Session, params json.RawMessage) (any, *types.RPCError) {
	if rpcErr := requireInitialized(session, "validate_rules"); rpcErr != nil {
		return nil, rpcErr
	}
	var p types.ValidateRulesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("validate_rules", err)
	}
	rs, err := rules.Parse(p.Config)
	if err != nil {
		return &types.ValidateRulesResult{Valid: false, Error: err.Error(), RuleIDs: []string{}}, nil
	}
	return &types.ValidateRulesResult{Valid: true, RuleIDs: rules.IDs(rs)}, nil
}

func handleRedactText(_ context.Context, session *Session, params json.RawMessage) (any, *types.RPCError) {
	if rpcErr := requireInitialized(session, "redact_text"); rpcErr != nil {
		return nil, rpcErr
	}
	var p types.RedactTextParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("redact_text", err)
	}
	return &types.RedactTextResult{Text: redact.Redact(p.Text)}, nil
}

// toRPCError maps run errors onto protocol error codes.
func toRPCError(err error) *types.RPCError {
	var (
		rpcErr    *types.RPCError
		parseErr  *rules.ParseError
		throttled *run.ThrottledError
	)
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &parseErr):
		return types.NewRPCError(
			types.ErrInvalidRules,
			"invalid rule set",
			types.ErrTypeInvalidRules,
			false,
			parseErr.Error(),
		)
	case errors.As(err, &throttled):
		return types.NewRPCError(
			types.ErrThrottled,
			"judge run throttled",
			types.ErrTypeThrottled,
			true,
			fmt.Sprintf("retry after %s", throttled.RetryAfter.Round(time.Second)),
		)
	case errors.Is(err, run.ErrInvalidRequest):
		return types.NewRPCError(types.ErrInvalidParams, "invalid run request", types.ErrTypeInvalidParams, false, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return types.NewRPCError(types.ErrInvalidParams, "trace set not found", types.ErrTypeInvalidParams, false, err.Error())
	case errors.Is(err, run.ErrNoJudge):
		return types.NewRPCError(types.ErrProviderError, "judge unavailable", types.ErrTypeProviderError, false, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewRPCError(types.ErrTimeout, "run timed out", types.ErrTypeTimeout, true, err.Error())
	default:
		return types.NewRPCError(types.ErrEngineError, "evaluation failed", types.ErrTypeEngineError, false, err.Error())
	}
}
