package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const defaultDebounce = 200 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	opts := &evalOptions{}
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run eval whenever the rule or trace file changes",
		Long: `Watch runs eval once, then again every time the config or trace file is
written. Bursts of writes within the debounce interval trigger one run.`,
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var mu sync.Mutex
			evalOnce := func() {
				mu.Lock()
				defer mu.Unlock()
				res, err := a.runEval(ctx, runner, opts)
				if err != nil {
					a.logger.Error("eval failed", "err", err)
					return
				}
				if err := writeReport(cmd.OutOrStdout(), opts, res); err != nil {
					a.logger.Error("write report failed", "err", err)
				}
			}

			evalOnce()
			w, err := newFileWatcher([]string{opts.configPath, opts.tracesPath}, debounce, a.logger)
			if err != nil {
				return err
			}
			return w.Watch(ctx, evalOnce)
		},
	}
	opts.bind(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period before a change triggers a run")
	return cmd
}

// fileWatcher reports writes to a fixed set of files. It watches their
// parent directories so editors that replace files on save are still seen.
type fileWatcher struct {
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	logger   *slog.Logger
}

func newFileWatcher(paths []string, debounce time.Duration, logger *slog.Logger) (*fileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw := &fileWatcher{files: map[string]struct{}{}, debounce: debounce, logger: logger}
	seenDir := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		fw.files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seenDir[dir]; !ok {
			seenDir[dir] = struct{}{}
			fw.dirs = append(fw.dirs, dir)
		}
	}
	return fw, nil
}

func (fw *fileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	_, ok := fw.files[abs]
	return ok
}

// Watch blocks until ctx is done, calling onChange once per debounced burst
// of relevant events.
func (fw *fileWatcher) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()
	for _, dir := range fw.dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	fw.logger.Info("file watcher started", "dirs", fw.dirs, "debounce_ms", fw.debounce.Milliseconds())

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("file watcher stopped")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !fw.relevant(ev) {
				continue
			}
			fw.logger.Debug("file event detected", "path", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fw.debounce, func() {
				if ctx.Err() == nil {
					onChange()
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.logger.Error("file watcher error", "err", err)
		}
	}
}
