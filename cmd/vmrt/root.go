package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/hal/drivers"
	"github.com/caffeineduck/vmrt/hal/wasm"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/internal/config"
	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var version = "dev"

// app holds the state shared by every subcommand. It is filled in by setup
// once flags are parsed.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *hal.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "vmrt",
		Short: "Embeddable VM runtime for compiled tensor modules",
		Long: `vmrt - load compiled modules and invoke their functions on a HAL device.

Modules link against the built-in "hal" module, which runs element-wise
kernels on the selected driver. The local-sync driver executes on the host;
the wasm driver keeps buffers in a WebAssembly linear memory and runs its
kernels with wazero.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.String("driver", "", "Drivers to try in order (default: $VMRT_DEFAULT_DRIVER or local-sync,wasm)")
	pf.String("log-level", "", "Log level: debug, info, warn, error (default: $VMRT_LOG_LEVEL or info)")
	pf.Bool("no-cache", false, "Disable the wasm compilation cache")
	pf.String("memory", "", "wasm device memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")

	root.AddCommand(
		a.newRunCmd(),
		a.newDumpCmd(),
		a.newDriversCmd(),
		a.newReplCmd(),
		a.newServeCmd(),
		a.newWatchCmd(),
		a.newAsmCmd(),
	)
	return root
}

var rootCmd = newRootCmd()

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.cfg = config.Load()
	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		a.cfg.LogLevel = config.ParseLogLevel(v)
	}
	if v, _ := flags.GetString("driver"); v != "" {
		a.cfg.Drivers = config.SplitList(v)
	}

	logger, err := config.NewLogger(a.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger
	hal.SetLogger(logger)
	vm.SetLogger(logger)
	system.SetLogger(logger)

	var wasmOpts []wasm.Option
	if noCache, _ := flags.GetBool("no-cache"); !noCache {
		wasmOpts = append(wasmOpts, wasm.WithDiskCache())
	}
	if mem, _ := flags.GetString("memory"); mem != "" {
		pages, err := parseMemoryLimit(mem)
		if err != nil {
			return err
		}
		wasmOpts = append(wasmOpts, wasm.WithMemoryLimit(pages))
	}
	a.registry = drivers.NewRegistryWithOptions(drivers.Options{Wasm: wasmOpts})
	return nil
}

// newSystemConfig opens a device from the first usable configured driver.
func (a *app) newSystemConfig(opts ...system.Option) (*system.Config, error) {
	opts = append([]system.Option{system.WithLogger(a.logger)}, opts...)
	return system.NewConfigWithOptions(a.registry, a.cfg.Drivers, opts...)
}

type stringSliceValue []string

func (s *stringSliceValue) String() string { return strings.Join(*s, ",") }
func (s *stringSliceValue) Set(v string) error {
	*s = append(*s, v)
	return nil
}
func (s *stringSliceValue) Type() string { return "string" }

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "1mb":
		return wasm.MemoryLimit1MB, nil
	case "16mb":
		return wasm.MemoryLimit16MB, nil
	case "64mb":
		return wasm.MemoryLimit64MB, nil
	case "256mb":
		return wasm.MemoryLimit256MB, nil
	case "1gb":
		return wasm.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
	}
}

// readModule reads a module binary from path, or from in when path is "-".
func readModule(in io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("no module on stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func parseInputs(inputs []string) ([]host.Value, error) {
	values := make([]host.Value, len(inputs))
	for i, s := range inputs {
		v, err := host.ParseValue(s)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func formatResults(results []host.Value) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = host.FormatValue(r)
	}
	return out
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of w when it is a terminal and 0 otherwise.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
