// Package drivers assembles the registry of built-in HAL drivers.
package drivers

import (
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/hal/local"
	"github.com/caffeineduck/vmrt/hal/wasm"
)

// DefaultOrder is the preference order used when no driver is named.
var DefaultOrder = []string{local.DriverName, wasm.DriverName}

// Options carries per-driver options for NewRegistry.
type Options struct {
	Local []local.Option
	Wasm  []wasm.Option
}

// NewRegistry returns a registry holding "local-sync" and "wasm".
func NewRegistry() *hal.Registry {
	return NewRegistryWithOptions(Options{})
}

// NewRegistryWithOptions is NewRegistry with driver options applied.
func NewRegistryWithOptions(opts Options) *hal.Registry {
	reg := hal.NewRegistry()
	local.Register(reg, opts.Local...)
	wasm.Register(reg, opts.Wasm...)
	return reg
}
