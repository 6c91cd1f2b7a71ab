package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/internal/report"
	"github.com/evalgate/engine/internal/run"
	"github.com/evalgate/engine/internal/trace"
	"github.com/evalgate/engine/pkg/types"
)

const (
	formatJSON     = "json"
	formatMarkdown = "markdown"
	cliCaller      = "cli"
)

type evalOptions struct {
	configPath  string
	tracesPath  string
	mode        string
	set         string
	challengeID string
	format      string
	output      string
	historyPath string
	gate        bool
	faultRate   float64
}

func (o *evalOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "rule-set YAML (rules mode) or rubric text (judge mode)")
	f.StringVarP(&o.tracesPath, "traces", "t", "", "trace-set JSON file")
	f.StringVarP(&o.mode, "mode", "m", types.ModeRules, "evaluation mode: rules or judge")
	f.StringVar(&o.set, "set", string(types.SetDev), "trace set: dev or test")
	f.StringVar(&o.challengeID, "challenge", "", "challenge id (default: trace file name)")
	f.StringVarP(&o.format, "format", "f", formatMarkdown, "report format: json or markdown")
	f.StringVarP(&o.output, "output", "o", "", "write the report to this file instead of stdout")
	f.StringVar(&o.historyPath, "history", "", "SQLite run history; diffs against and records each run")
	f.BoolVar(&o.gate, "gate", false, "exit non-zero when the run may not ship")
	f.Float64Var(&o.faultRate, "fault-rate", 0, "inject judge errors at this rate (0-1) to rehearse fallbacks")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("traces")
}

func (o *evalOptions) validate() error {
	if o.format != formatJSON && o.format != formatMarkdown {
		return fmt.Errorf("--format must be %q or %q", formatJSON, formatMarkdown)
	}
	if o.faultRate < 0 || o.faultRate > 1 {
		return fmt.Errorf("--fault-rate must be within [0, 1]")
	}
	if o.challengeID == "" {
		base := filepath.Base(o.tracesPath)
		o.challengeID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return nil
}

func newEvalCmd(a *app) *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a trace file and print a report",
		Example: `  evalgate-engine eval -c rules.yaml -t traces/refunds.json
  evalgate-engine eval -m judge -c rubric.txt -t dev.json -f json --history runs.db --gate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			provider, err := a.judgeProvider(opts.faultRate)
			if err != nil {
				return err
			}
			runner, closeRunner := a.newRunner(nil, provider, nil)
			defer closeRunner()

			res, err := a.runEval(cmd.Context(), runner, opts)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), opts, res); err != nil {
				return err
			}
			if opts.gate && !res.Summary.Ship {
				return fmt.Errorf("%w: %s", ErrShipBlocked, strings.Join(res.Summary.ShipBlockers, "; "))
			}
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

// runEval evaluates the trace file once. With a history database the
// previous run of the same challenge and set is the diff baseline, and the
// new run is recorded.
func (a *app) runEval(ctx context.Context, runner *run.Runner, opts *evalOptions) (*types.EvaluateRunResult, error) {
	configText, err := os.ReadFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	traces, err := trace.ReadSetFile(opts.tracesPath)
	if err != nil {
		return nil, err
	}

	req := &run.Request{
		Caller:      cliCaller,
		ChallengeID: opts.challengeID,
		Mode:        opts.mode,
		Config:      string(configText),
		Set:         types.TraceSet(opts.set),
	}

	var history *cache.HistoryStore
	if opts.historyPath != "" {
		history, err = cache.OpenHistory(opts.historyPath)
		if err != nil {
			return nil, err
		}
		defer history.Close()

		prev, err := history.LatestRun(ctx, req.ChallengeID, req.Set)
		if err != nil {
			return nil, fmt.Errorf("load previous run: %w", err)
		}
		if prev != nil && len(prev.Verdicts) > 0 {
			req.Previous = prev.Verdicts
			a.logger.Debug("diffing against previous run", "previous_run_id", prev.RunID)
		}
	}

	res, err := runner.Evaluate(ctx, req, traces)
	if err != nil {
		return nil, err
	}

	if history != nil {
		rec := &cache.RunRecord{
			RunID:       res.RunID,
			ChallengeID: res.ChallengeID,
			Mode:        res.Mode,
			Set:         res.Set,
			Summary:     res.Summary,
			Verdicts:    res.Verdicts,
			CreatedAt:   time.Now().UTC(),
		}
		if err := history.RecordRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		if mean, stddev, n, err := history.Stats(ctx, req.ChallengeID, req.Set); err == nil && n > 1 {
			a.logger.Info("pass rate history",
				"challenge_id", req.ChallengeID,
				"set", opts.set,
				"runs", n,
				"mean", mean,
				"stddev", stddev,
			)
		}
	}
	return res, nil
}

func writeReport(stdout io.Writer, opts *evalOptions, res *types.EvaluateRunResult) error {
	w := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch opts.format {
	case formatJSON:
		data, err := report.GenerateJSONReport(res, time.Now())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	default:
		return report.GenerateMarkdown(w, &report.MarkdownReport{RunAt: time.Now(), Run: res})
	}
}
