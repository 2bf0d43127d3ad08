package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Editors often write a file in several steps; events closer together than
// this are handled once.
const watchDebounce = 100 * time.Millisecond

func (a *app) newWatchCmd() *cobra.Command {
	var inputs stringSliceValue

	cmd := &cobra.Command{
		Use:   "watch <module>",
		Short: "Re-run a function whenever the module file changes",
		Long: `Invoke a function once, then again every time the module file is written
or re-created. Press Ctrl+C to stop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, _ := cmd.Flags().GetString("entry-function")
			path := args[0]
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			runOnce := func() {
				if err := a.runFile(cmd.Context(), path, entry, inputs, out); err != nil {
					fmt.Fprintf(errOut, "Error: %v\n", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runOnce()
			return watchFile(ctx, path, a.logger, runOnce)
		},
	}

	cmd.Flags().StringP("entry-function", "e", "", "Function to invoke (required)")
	cmd.Flags().Var(&inputs, "inputs", `Input buffer string such as "4xf32=1 2 3 4" (repeatable)`)
	_ = cmd.MarkFlagRequired("entry-function")
	return cmd
}

func (a *app) runFile(ctx context.Context, path, entry string, inputs []string, out io.Writer) error {
	data, err := readModule(nil, path)
	if err != nil {
		return err
	}
	sess, err := a.openSession(data)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.exec(ctx, out, entry, inputs)
}

// watchFile calls onChange after path is written or created until ctx is
// done. The parent directory is watched so that replacing the file by
// rename is noticed.
func watchFile(ctx context.Context, path string, logger *zap.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching module", zap.String("path", abs))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			logger.Debug("module changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			pending = time.After(watchDebounce)
		case <-pending:
			pending = nil
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
