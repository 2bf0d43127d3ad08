// Command genmodule writes the example modules as .vmfb files so they can be
// fed to the vmrt CLI and server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/caffeineduck/vmrt/vm"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: genmodule <output-dir>")
		os.Exit(1)
	}

	dir := os.Args[1]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	binaries := vm.ExampleBinaries()
	names := make([]string, 0, len(binaries))
	for name := range binaries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		output := filepath.Join(dir, name+".vmfb")
		if err := os.WriteFile(output, binaries[name], 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s (%d bytes)\n", output, len(binaries[name]))
	}
}
