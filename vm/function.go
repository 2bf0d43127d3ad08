package vm

import (
	"context"
	"fmt"

	"github.com/caffeineduck/vmrt/sig"
)

// Module is a named unit of exported functions.
type Module interface {
	Name() string
	Exports() []Export
	// Imports lists required functions as "module.function".
	Imports() []string
	LookupFunction(name string) (Function, bool)
}

// Export is an entry of a module's export table. Ordinals start at 1.
type Export struct {
	Name      string
	Ordinal   int
	Signature sig.Function
	Attrs     map[string]string
}

// Function is a resolved export. The zero value is the not-found sentinel.
type Function struct {
	Module    Module
	Name      string
	Ordinal   int
	Signature sig.Function
	Attrs     map[string]string
}

// IsValid reports whether f refers to an export.
func (f Function) IsValid() bool {
	return f.Ordinal > 0 && f.Module != nil
}

// QualifiedName returns "module.function".
func (f Function) QualifiedName() string {
	if f.Module == nil {
		return f.Name
	}
	return f.Module.Name() + "." + f.Name
}

func (f Function) String() string {
	if !f.IsValid() {
		return "<Function not found>"
	}
	return fmt.Sprintf("<Function %s#%d %s>", f.QualifiedName(), f.Ordinal, f.Signature)
}

// executor is implemented by modules whose functions the context can run.
type executor interface {
	execute(ctx context.Context, env *callEnv, fn Function, args []Variant) ([]Variant, error)
}

func functionFromExport(m Module, e Export) Function {
	return Function{
		Module:    m,
		Name:      e.Name,
		Ordinal:   e.Ordinal,
		Signature: e.Signature,
		Attrs:     e.Attrs,
	}
}
