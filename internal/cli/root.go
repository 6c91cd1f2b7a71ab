// Package cli implements the evalgate-engine command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/evalgate/engine/internal/config"
	"github.com/evalgate/engine/internal/server"
)

// ErrShipBlocked is returned by eval and watch with --gate when a run may not ship.
var ErrShipBlocked = errors.New("ship gate blocked")

// app carries state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel string
	getenv   func(string) string
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree. Configuration comes from EVALGATE_*
// variables; flags override it.
func NewRootCmd() *cobra.Command {
	return newRootCmd(os.Getenv)
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	a := &app{getenv: getenv}

	root := &cobra.Command{
		Use:   "evalgate-engine",
		Short: "Evaluate recorded agent conversations against rules or a judge rubric",
		Long: `evalgate-engine grades recorded agent traces with deterministic rules or an
LLM judge, aggregates the verdicts into a ship decision and reports what
changed since the previous run.`,
		Version:       server.EngineVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default from "+config.EnvLogLevel+")")

	root.AddCommand(
		newServeCmd(a),
		newEvalCmd(a),
		newWatchCmd(a),
		newDiffCmd(a),
		newCheckCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load(a.getenv)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(a.logLevel)); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(a.logger)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "evalgate-engine %s\n", server.EngineVersion)
			return err
		},
	}
}
