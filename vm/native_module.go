package vm

import (
	"context"
	"fmt"

	"github.com/caffeineduck/vmrt/sig"
)

// NativeFunc implements an export in Go. References held by the returned
// variants are owned by the caller.
type NativeFunc func(ctx context.Context, args []Variant) ([]Variant, error)

type nativeExport struct {
	export Export
	fn     NativeFunc
}

// NativeModule is a module whose exports are Go functions.
type NativeModule struct {
	name    string
	imports []string
	exports []nativeExport
	byName  map[string]int
}

// NewNativeModule returns an empty module. Imports are "module.function"
// names that must resolve when the module is registered.
func NewNativeModule(name string, imports ...string) *NativeModule {
	return &NativeModule{
		name:    name,
		imports: append([]string(nil), imports...),
		byName:  make(map[string]int),
	}
}

// Define adds an export. Names must be unique within the module.
func (m *NativeModule) Define(name string, signature sig.Function, fn NativeFunc) error {
	if _, dup := m.byName[name]; dup {
		return fmt.Errorf("module %q already exports %q", m.name, name)
	}
	if fn == nil {
		return fmt.Errorf("export %q has no implementation", name)
	}
	m.exports = append(m.exports, nativeExport{
		export: Export{
			Name:      name,
			Ordinal:   len(m.exports) + 1,
			Signature: signature,
			Attrs:     signature.Attrs(),
		},
		fn: fn,
	})
	m.byName[name] = len(m.exports) - 1
	return nil
}

func (m *NativeModule) mustDefine(name string, signature sig.Function, fn NativeFunc) {
	if err := m.Define(name, signature, fn); err != nil {
		panic(err)
	}
}

func (m *NativeModule) Name() string { return m.name }

func (m *NativeModule) Imports() []string {
	return append([]string(nil), m.imports...)
}

func (m *NativeModule) Exports() []Export {
	out := make([]Export, len(m.exports))
	for i, e := range m.exports {
		out[i] = e.export
	}
	return out
}

func (m *NativeModule) LookupFunction(name string) (Function, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Function{}, false
	}
	return functionFromExport(m, m.exports[i].export), true
}

func (m *NativeModule) execute(ctx context.Context, _ *callEnv, fn Function, args []Variant) ([]Variant, error) {
	if fn.Ordinal < 1 || fn.Ordinal > len(m.exports) {
		return nil, fmt.Errorf("%s: no export with ordinal %d", m.name, fn.Ordinal)
	}
	e := m.exports[fn.Ordinal-1]
	if want := len(e.export.Signature.Inputs); len(args) != want {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", fn.QualifiedName(), want, len(args))
	}

	results, err := e.fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if want := len(e.export.Signature.Results); len(results) != want {
		for _, r := range results {
			r.release()
		}
		return nil, fmt.Errorf("%s: returned %d results, declared %d", fn.QualifiedName(), len(results), want)
	}
	return results, nil
}
