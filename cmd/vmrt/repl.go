package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func (a *app) newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl <module>",
		Short: "Interactive prompt for calling a module's functions",
		Long: `Start an interactive session with a module loaded.

Commands:
  fn arg1, arg2   invoke fn with buffer-string arguments
  :funcs          list the module's functions
  :abi fn         print the ABI of fn
  exit            leave the session (also quit or Ctrl+D)

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			historyFile, _ := cmd.Flags().GetString("history")
			if historyFile == "" {
				home, _ := os.UserHomeDir()
				historyFile = filepath.Join(home, ".vmrt_history")
			}

			data, err := readModule(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			sess, err := a.openSession(data)
			if err != nil {
				return err
			}
			defer sess.Close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:            sess.module.Name() + "> ",
				HistoryFile:       historyFile,
				HistoryLimit:      1000,
				InterruptPrompt:   "^C",
				EOFPrompt:         "exit",
				HistorySearchFold: true,
			})
			if err != nil {
				return fmt.Errorf("initialize readline: %w", err)
			}
			defer rl.Close()

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			fmt.Fprintf(errOut, "vmrt %s on %s (type 'exit' to quit, Ctrl+D to exit)\n",
				sess.module.Name(), sess.cfg.DriverName())

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					fmt.Fprintln(out)
					return nil
				}
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}

				quit, err := sess.eval(cmd.Context(), out, line)
				if err != nil {
					fmt.Fprintf(errOut, "Error: %v\n", err)
				}
				if quit {
					return nil
				}
			}
		},
	}
	cmd.Flags().String("history", "", "History file path (default: ~/.vmrt_history)")
	return cmd
}

// eval runs one REPL line. It reports true when the session should end.
func (s *session) eval(ctx context.Context, out io.Writer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "exit" || line == "quit":
		return true, nil
	case line == ":funcs":
		for _, name := range s.module.FunctionNames() {
			fn, _ := s.module.Function(name)
			fmt.Fprintf(out, "%s %s\n", name, fn.Function().Signature)
		}
		return false, nil
	case strings.HasPrefix(line, ":abi"):
		name := strings.TrimSpace(strings.TrimPrefix(line, ":abi"))
		if name == "" {
			return false, errors.New("usage: :abi fn")
		}
		fn, err := s.function(name)
		if err != nil {
			return false, err
		}
		abi, err := fn.Abi()
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, abi)
		return false, nil
	case strings.HasPrefix(line, ":"):
		return false, fmt.Errorf("unknown command %q", line)
	}

	name, rest, _ := strings.Cut(line, " ")
	results, err := s.call(ctx, name, splitArgs(rest))
	if err != nil {
		return false, err
	}
	for _, r := range results {
		fmt.Fprintln(out, r)
	}
	return false, nil
}

// splitArgs splits "4xf32=1 2 3 4, f32=2" at commas. Every buffer string
// holds an '=', so a piece without one continues the previous argument.
func splitArgs(s string) []string {
	var args []string
	for _, piece := range strings.Split(s, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if !strings.Contains(piece, "=") && len(args) > 0 {
			args[len(args)-1] += "," + piece
			continue
		}
		args = append(args, piece)
	}
	return args
}
