package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/vmrt/bytecode"
	"github.com/spf13/cobra"
)

func (a *app) newAsmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asm <file.json>",
		Short: "Assemble a JSON module description into a module binary",
		Long: `Assemble a JSON module description into a module binary.

Example source:
  {
    "name": "arithmetic",
    "functions": [{
      "name": "simple_mul",
      "inputs": ["4xf32", "4xf32"],
      "results": ["4xf32"],
      "body": [
        {"op": "call", "import": "hal.mul", "args": [0, 1], "results": [2]},
        {"op": "ret", "args": [2]}
      ]
    }]
  }

The output defaults to the input path with a .vmfb extension.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".vmfb"
			}

			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			data, err := bytecode.Assemble(src)
			if err != nil {
				return fmt.Errorf("assemble %s: %w", args[0], err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output path")
	return cmd
}
