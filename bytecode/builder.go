package bytecode

import (
	"fmt"
	"math"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/sig"
)

// Builder assembles a module in memory.
//
//	b := bytecode.NewBuilder("arithmetic")
//	mul := b.Import("hal.mul")
//	f := b.Function("simple_mul", signature)
//	out := f.Call(mul, 1, f.Arg(0), f.Arg(1))
//	f.Return(out...)
//	data, err := b.Encode()
type Builder struct {
	name      string
	version   Version
	imports   []string
	importIdx map[string]int
	functions []*FunctionBuilder
}

// NewBuilder starts a module with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		version:   Version{CurrentMajor, CurrentMinor},
		importIdx: make(map[string]int),
	}
}

// SetVersion overrides the container version that is written.
func (b *Builder) SetVersion(major, minor uint16) *Builder {
	b.version = Version{major, minor}
	return b
}

// Import declares a "module.function" import and returns its index.
// Repeated imports of the same name share an index.
func (b *Builder) Import(name string) int {
	if idx, ok := b.importIdx[name]; ok {
		return idx
	}
	idx := len(b.imports)
	b.imports = append(b.imports, name)
	b.importIdx[name] = idx
	return idx
}

// Function adds an exported function. Its arguments occupy the first
// registers.
func (b *Builder) Function(name string, signature sig.Function) *FunctionBuilder {
	f := &FunctionBuilder{
		name:  name,
		attrs: []Attr{{sig.AttrVersion, sig.RawVersion}, {sig.AttrSignature, signature.Mangle()}},
		args:  len(signature.Inputs),
		regs:  len(signature.Inputs),
	}
	b.functions = append(b.functions, f)
	return f
}

// FunctionWithAttrs adds an exported function with explicit reflection
// attributes and argument count.
func (b *Builder) FunctionWithAttrs(name string, args int, attrs ...Attr) *FunctionBuilder {
	f := &FunctionBuilder{name: name, attrs: attrs, args: args, regs: args}
	b.functions = append(b.functions, f)
	return f
}

// Build lays out the body section and returns the module.
func (b *Builder) Build() (*Module, error) {
	m := &Module{
		Name:    b.name,
		Version: b.version,
		Imports: append([]string(nil), b.imports...),
	}
	var bodies []byte
	for _, f := range b.functions {
		if !f.returned {
			return nil, fmt.Errorf("function %q has no return", f.name)
		}
		body := EncodeBody(&Body{Registers: f.regs, Instrs: f.instrs})
		m.Exports = append(m.Exports, Export{
			Name:   f.name,
			Attrs:  append([]Attr(nil), f.attrs...),
			Offset: uint32(len(bodies)),
			Length: uint32(len(body)),
		})
		bodies = append(bodies, body...)
	}
	m.Bodies = bodies
	return m, nil
}

// Encode builds and encodes the module.
func (b *Builder) Encode() ([]byte, error) {
	m, err := b.Build()
	if err != nil {
		return nil, err
	}
	return Encode(m), nil
}

// FunctionBuilder appends instructions to one function body.
type FunctionBuilder struct {
	name     string
	attrs    []Attr
	args     int
	regs     int
	instrs   []Instr
	returned bool
}

// Arg returns the register holding argument i.
func (f *FunctionBuilder) Arg(i int) int {
	if i < 0 || i >= f.args {
		panic(fmt.Sprintf("argument %d out of range for %q", i, f.name))
	}
	return i
}

// Reg allocates a fresh register.
func (f *FunctionBuilder) Reg() int {
	f.regs++
	return f.regs - 1
}

// Call invokes an import and returns the registers receiving its results.
func (f *FunctionBuilder) Call(importIdx, results int, args ...int) []int {
	out := make([]int, results)
	for i := range out {
		out[i] = f.Reg()
	}
	f.instrs = append(f.instrs, Instr{
		Op:      OpCall,
		Import:  importIdx,
		Args:    append([]int(nil), args...),
		Results: out,
	})
	return out
}

// Const loads a constant into a new register.
func (f *FunctionBuilder) Const(t hal.ElementType, bits uint64) int {
	dst := f.Reg()
	f.instrs = append(f.instrs, Instr{Op: OpConst, Dst: dst, Type: t, Bits: bits})
	return dst
}

func (f *FunctionBuilder) ConstI32(v int32) int {
	return f.Const(hal.Sint32, uint64(uint32(v)))
}

func (f *FunctionBuilder) ConstF32(v float32) int {
	return f.Const(hal.Float32, uint64(math.Float32bits(v)))
}

// Move copies src into dst.
func (f *FunctionBuilder) Move(dst, src int) {
	f.instrs = append(f.instrs, Instr{Op: OpMove, Dst: dst, Src: src})
}

// Trap aborts the call with message.
func (f *FunctionBuilder) Trap(message string) {
	f.instrs = append(f.instrs, Instr{Op: OpTrap, Message: message})
}

// Return ends the body.
func (f *FunctionBuilder) Return(regs ...int) {
	f.instrs = append(f.instrs, Instr{Op: OpRet, Args: append([]int(nil), regs...)})
	f.returned = true
}
