package vm

import (
	"fmt"
	"sync"

	"github.com/caffeineduck/vmrt/bytecode"
	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/sig"
)

// BytecodeModule is a module loaded from a binary. Function bodies are
// decoded the first time they are invoked.
type BytecodeModule struct {
	raw     *bytecode.Module
	exports []Export
	byName  map[string]int
	bodies  []lazyBody
}

type lazyBody struct {
	once sync.Once
	body *bytecode.Body
	err  error
}

// LoadModule decodes a module binary. Exports carrying an "f" attribute have
// their signature parsed here; a bad signature makes the module malformed.
func LoadModule(data []byte) (*BytecodeModule, error) {
	raw, err := bytecode.Decode(data)
	if err != nil {
		return nil, err
	}
	return NewBytecodeModule(raw)
}

// NewBytecodeModule wraps an already decoded module.
func NewBytecodeModule(raw *bytecode.Module) (*BytecodeModule, error) {
	m := &BytecodeModule{
		raw:     raw,
		exports: make([]Export, len(raw.Exports)),
		byName:  make(map[string]int, len(raw.Exports)),
		bodies:  make([]lazyBody, len(raw.Exports)),
	}
	for i, e := range raw.Exports {
		attrs := e.AttrMap()
		var signature sig.Function
		if _, ok := attrs[sig.AttrSignature]; ok {
			parsed, err := sig.ParseAttrs(attrs)
			if err != nil {
				return nil, vmerrors.Malformed(fmt.Sprintf("export %q of module %q", e.Name, raw.Name), err)
			}
			signature = parsed
		}
		if _, dup := m.byName[e.Name]; dup {
			return nil, vmerrors.Malformed(fmt.Sprintf("module %q", raw.Name),
				fmt.Errorf("%w: %q", bytecode.ErrDuplicateExport, e.Name))
		}
		m.exports[i] = Export{
			Name:      e.Name,
			Ordinal:   i + 1,
			Signature: signature,
			Attrs:     attrs,
		}
		m.byName[e.Name] = i
	}
	return m, nil
}

func (m *BytecodeModule) Name() string { return m.raw.Name }

// Version returns the container format version the module was written with.
func (m *BytecodeModule) Version() bytecode.Version { return m.raw.Version }

func (m *BytecodeModule) Imports() []string {
	return append([]string(nil), m.raw.Imports...)
}

func (m *BytecodeModule) Exports() []Export {
	return append([]Export(nil), m.exports...)
}

func (m *BytecodeModule) LookupFunction(name string) (Function, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Function{}, false
	}
	return functionFromExport(m, m.exports[i]), true
}

// body returns the decoded body of the export with the given ordinal.
func (m *BytecodeModule) body(ordinal int) (*bytecode.Body, error) {
	if ordinal < 1 || ordinal > len(m.bodies) {
		return nil, fmt.Errorf("no export with ordinal %d", ordinal)
	}
	lb := &m.bodies[ordinal-1]
	lb.once.Do(func() {
		e := m.raw.Exports[ordinal-1]
		lb.body, lb.err = bytecode.DecodeBody(m.raw.Body(e), len(m.raw.Imports))
		if lb.err != nil {
			lb.err = vmerrors.Malformed(fmt.Sprintf("body of %s.%s", m.raw.Name, e.Name), lb.err)
		}
	})
	return lb.body, lb.err
}
