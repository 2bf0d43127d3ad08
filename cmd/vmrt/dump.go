package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/caffeineduck/vmrt/vm"
	"github.com/spf13/cobra"
)

func (a *app) newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <module>",
		Short: "Print a module's imports and exports",
		Long: `Print the module name, container format version, imports, and exports
with their ordinal and signature. Use "-" to read the module from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			data, err := readModule(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			mod, err := vm.LoadModule(data)
			if err != nil {
				return err
			}

			info := describeModule(mod)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			writeModuleInfo(out, info, terminalWidth(out))
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

type exportInfo struct {
	Name      string            `json:"name"`
	Ordinal   int               `json:"ordinal"`
	Signature string            `json:"signature"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

type moduleInfo struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	Imports []string     `json:"imports"`
	Exports []exportInfo `json:"exports"`
}

func describeModule(m *vm.BytecodeModule) moduleInfo {
	info := moduleInfo{
		Name:    m.Name(),
		Version: m.Version().String(),
		Imports: m.Imports(),
		Exports: []exportInfo{},
	}
	if info.Imports == nil {
		info.Imports = []string{}
	}
	for _, e := range m.Exports() {
		info.Exports = append(info.Exports, exportInfo{
			Name:      e.Name,
			Ordinal:   e.Ordinal,
			Signature: e.Signature.String(),
			Attrs:     e.Attrs,
		})
	}
	return info
}

// writeModuleInfo prints info as text. Lines are cut to width when it is
// positive.
func writeModuleInfo(w io.Writer, info moduleInfo, width int) {
	line := func(format string, args ...any) {
		s := fmt.Sprintf(format, args...)
		if width > 3 && len(s) > width {
			s = s[:width-3] + "..."
		}
		fmt.Fprintln(w, s)
	}

	line("module  %s", info.Name)
	line("version %s", info.Version)
	line("imports (%d)", len(info.Imports))
	for _, imp := range info.Imports {
		line("  %s", imp)
	}
	line("exports (%d)", len(info.Exports))
	for _, e := range info.Exports {
		line("  #%d %s %s", e.Ordinal, e.Name, e.Signature)
	}
}
