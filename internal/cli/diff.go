package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/evalgate/engine/internal/run"
	"github.com/evalgate/engine/pkg/types"
)

// ErrRegressed is returned by diff --fail-on-regression.
var ErrRegressed = errors.New("regressions detected")

func newDiffCmd(_ *app) *cobra.Command {
	var failOnRegression bool
	cmd := &cobra.Command{
		Use:   "diff <current> <previous>",
		Short: "Compare the verdicts of two runs",
		Long: `Diff compares two verdict files by trace id and prints which traces were
fixed, regressed or newly failing. Each file is either a JSON report written
by "eval -f json" or a bare JSON array of verdicts.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := readVerdicts(args[0])
			if err != nil {
				return err
			}
			previous, err := readVerdicts(args[1])
			if err != nil {
				return err
			}
			d := run.ComputeDiff(current, previous)

			data, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data); err != nil {
				return err
			}
			if failOnRegression && len(d.Regressed)+len(d.NewFails) > 0 {
				return fmt.Errorf("%w: %d regressed, %d new failure(s)", ErrRegressed, len(d.Regressed), len(d.NewFails))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnRegression, "fail-on-regression", false, "exit non-zero when anything regressed or newly fails")
	return cmd
}

func readVerdicts(path string) ([]types.TraceVerdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verdicts: %w", err)
	}
	data = bytes.TrimSpace(data)

	var verdicts []types.TraceVerdict
	if bytes.HasPrefix(data, []byte("[")) {
		err = json.Unmarshal(data, &verdicts)
	} else {
		var doc struct {
			Verdicts []types.TraceVerdict `json:"verdicts"`
		}
		err = json.Unmarshal(data, &doc)
		verdicts = doc.Verdicts
	}
	if err != nil {
		return nil, fmt.Errorf("%s: decode verdicts: %w", path, err)
	}
	return verdicts, nil
}
