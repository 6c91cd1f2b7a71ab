package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evalgate/engine/internal/metrics"
	"github.com/evalgate/engine/internal/server"
	"github.com/evalgate/engine/internal/trace"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		metricsAddr string
		concurrency int
		traceRoot   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve NDJSON JSON-RPC on stdin/stdout",
		Long: `Serve reads JSON-RPC 2.0 requests, one per line, from stdin and writes
responses to stdout. Logs go to stderr.

Trace sets are loaded from <trace-root>/<challenge>/<set>.json unless a
request carries its traces inline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("concurrency") {
				a.cfg.ServerConcurrency = concurrency
			}
			if cmd.Flags().Changed("trace-root") {
				a.cfg.TraceRoot = traceRoot
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector(nil)
			provider, err := a.judgeProvider(0)
			if err != nil {
				return err
			}
			runner, closeRunner := a.newRunner(trace.NewFileSource(a.cfg.TraceRoot), provider, collector)
			defer closeRunner()

			if a.cfg.MetricsAddr != "" {
				shutdown := a.serveMetrics(a.cfg.MetricsAddr, collector)
				defer shutdown()
			}

			srv := server.NewWithConcurrency(cmd.InOrStdin(), cmd.OutOrStdout(), a.logger, a.cfg.ServerConcurrency)
			srv.SetMetrics(collector)
			server.RegisterBuiltinHandlers(srv, runner, server.Capabilities(provider != nil))

			a.logger.Info("engine started",
				"version", server.EngineVersion,
				"trace_root", a.cfg.TraceRoot,
				"concurrency", a.cfg.ServerConcurrency,
				"judge", provider != nil,
			)
			err = srv.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			a.logger.Info("engine stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "maximum concurrent requests")
	cmd.Flags().StringVar(&traceRoot, "trace-root", "", "directory holding <challenge>/<set>.json trace sets")
	return cmd
}

// serveMetrics exposes /metrics in the background and returns a shutdown func.
func (a *app) serveMetrics(addr string, collector *metrics.Collector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
