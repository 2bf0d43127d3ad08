package main

import (
	"context"
	"fmt"
	"io"

	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) newRunCmd() *cobra.Command {
	var inputs stringSliceValue

	cmd := &cobra.Command{
		Use:   "run [module]",
		Short: "Invoke a function of a module",
		Long: `Load a module, link it against the hal module and invoke one function.

The module can be provided via:
  - File argument: vmrt run simple_mul.vmfb
  - Stdin: cat simple_mul.vmfb | vmrt run -

Inputs are buffer strings, one --inputs flag per argument:
  vmrt run simple_mul.vmfb --entry-function simple_mul \
    --inputs "4xf32=1 2 3 4" --inputs "4xf32=4 5 6 7"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) > 0 {
				path = args[0]
			}
			if path == "-" && isTerminal(cmd.InOrStdin()) {
				return cmd.Help()
			}
			entry, _ := cmd.Flags().GetString("entry-function")

			data, err := readModule(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			sess, err := a.openSession(data)
			if err != nil {
				return err
			}
			defer sess.Close()

			return sess.exec(cmd.Context(), cmd.OutOrStdout(), entry, inputs)
		},
	}

	cmd.Flags().StringP("entry-function", "e", "", "Function to invoke (required)")
	cmd.Flags().Var(&inputs, "inputs", `Input buffer string such as "4xf32=1 2 3 4" (repeatable)`)
	_ = cmd.MarkFlagRequired("entry-function")
	return cmd
}

// session is one module loaded into a static system context.
type session struct {
	cfg    *system.Config
	sys    *system.SystemContext
	module *system.BoundModule
	logger *zap.Logger
}

func (a *app) openSession(data []byte) (*session, error) {
	mod, err := vm.LoadModule(data)
	if err != nil {
		return nil, err
	}
	cfg, err := a.newSystemConfig()
	if err != nil {
		return nil, err
	}
	sys, err := system.LoadModules(cfg, mod)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	bound, _ := sys.Module(mod.Name())
	a.logger.Debug("module loaded",
		zap.String("module", mod.Name()),
		zap.String("driver", cfg.DriverName()),
		zap.Int("exports", len(mod.Exports())))
	return &session{cfg: cfg, sys: sys, module: bound, logger: a.logger}, nil
}

func (s *session) Close() error {
	return s.cfg.Close()
}

func (s *session) function(name string) (*system.BoundFunction, error) {
	fn, ok := s.module.Function(name)
	if !ok {
		return nil, fmt.Errorf("module %q has no function %q", s.module.Name(), name)
	}
	return fn, nil
}

// call invokes entry with buffer-string inputs and returns the results in
// the same form.
func (s *session) call(ctx context.Context, entry string, inputs []string) ([]string, error) {
	fn, err := s.function(entry)
	if err != nil {
		return nil, err
	}
	args, err := parseInputs(inputs)
	if err != nil {
		return nil, err
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("invoked", zap.String("function", fn.Function().QualifiedName()), zap.Int("results", len(results)))
	return formatResults(results), nil
}

// exec prints "EXEC @entry" followed by one line per result.
func (s *session) exec(ctx context.Context, out io.Writer, entry string, inputs []string) error {
	results, err := s.call(ctx, entry, inputs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "EXEC @%s\n", entry)
	for _, r := range results {
		fmt.Fprintln(out, r)
	}
	return nil
}
