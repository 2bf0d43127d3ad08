package wasm

import (
	"github.com/caffeineduck/vmrt/hal"
)

// Opcodes used by the generated kernels.
const (
	opBlock    = 0x02
	opLoop     = 0x03
	opBr       = 0x0c
	opBrIf     = 0x0d
	opEnd      = 0x0b
	opLocalGet = 0x20
	opLocalSet = 0x21
	opI32Const = 0x41
	opI32GeU   = 0x4f
	opI32Add   = 0x6a
	opI32Shl   = 0x74
	opI32Load  = 0x28
	opI32Store = 0x36
	opF32Load  = 0x2a
	opF32Store = 0x38

	blockTypeEmpty = 0x40
	valTypeI32     = 0x7f
	funcTypeTag    = 0x60
)

type kernelSpec struct {
	kernel  hal.Kernel
	elem    hal.ElementType
	op      byte
	load    byte
	store   byte
	typeIdx byte // 0 binary (a, b, out, n), 1 unary (a, out, n)
}

func (s kernelSpec) export() string {
	return exportName(s.kernel, s.elem)
}

func exportName(k hal.Kernel, t hal.ElementType) string {
	return t.Mnemonic() + "_" + string(k)
}

// kernelSpecs lists every kernel compiled into the module. Copy and fill run
// host-side against linear memory and need no wasm code.
var kernelSpecs = []kernelSpec{
	{hal.KernelAdd, hal.Float32, 0x92, opF32Load, opF32Store, 0},
	{hal.KernelSub, hal.Float32, 0x93, opF32Load, opF32Store, 0},
	{hal.KernelMul, hal.Float32, 0x94, opF32Load, opF32Store, 0},
	{hal.KernelDiv, hal.Float32, 0x95, opF32Load, opF32Store, 0},
	{hal.KernelMin, hal.Float32, 0x96, opF32Load, opF32Store, 0},
	{hal.KernelMax, hal.Float32, 0x97, opF32Load, opF32Store, 0},
	{hal.KernelNeg, hal.Float32, 0x8c, opF32Load, opF32Store, 1},
	{hal.KernelAbs, hal.Float32, 0x8b, opF32Load, opF32Store, 1},
	{hal.KernelAdd, hal.Sint32, 0x6a, opI32Load, opI32Store, 0},
	{hal.KernelSub, hal.Sint32, 0x6b, opI32Load, opI32Store, 0},
	{hal.KernelMul, hal.Sint32, 0x6c, opI32Load, opI32Store, 0},
	{hal.KernelDiv, hal.Sint32, 0x6d, opI32Load, opI32Store, 0},
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendName(b []byte, s string) []byte {
	b = appendULEB(b, uint32(len(s)))
	return append(b, s...)
}

func appendSection(b []byte, id byte, content []byte) []byte {
	b = append(b, id)
	b = appendULEB(b, uint32(len(content)))
	return append(b, content...)
}

// addr pushes base + (i << 2) where base and i are locals.
func addr(base, i byte) []byte {
	return []byte{
		opLocalGet, base,
		opLocalGet, i,
		opI32Const, 2,
		opI32Shl,
		opI32Add,
	}
}

// kernelBody emits a loop applying s.op to n 4-byte elements.
func kernelBody(s kernelSpec) []byte {
	var out, n, i byte
	var ins []byte
	if s.typeIdx == 0 {
		out, n, i = 2, 3, 4
	} else {
		out, n, i = 1, 2, 3
	}

	body := []byte{1, 1, valTypeI32} // one local i32
	body = append(body, opBlock, blockTypeEmpty, opLoop, blockTypeEmpty)
	body = append(body, opLocalGet, i, opLocalGet, n, opI32GeU, opBrIf, 1)
	body = append(body, addr(out, i)...)

	ins = append(ins, addr(0, i)...)
	ins = append(ins, s.load, 2, 0)
	if s.typeIdx == 0 {
		ins = append(ins, addr(1, i)...)
		ins = append(ins, s.load, 2, 0)
	}
	body = append(body, ins...)
	body = append(body, s.op, s.store, 2, 0)

	body = append(body, opLocalGet, i, opI32Const, 1, opI32Add, opLocalSet, i)
	body = append(body, opBr, 0, opEnd, opEnd, opEnd)
	return body
}

// buildKernelModule encodes a module exporting "memory" and one function per
// entry of kernelSpecs.
func buildKernelModule(initialPages uint32) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	types := appendULEB(nil, 2)
	types = append(types, funcTypeTag, 4, valTypeI32, valTypeI32, valTypeI32, valTypeI32, 0)
	types = append(types, funcTypeTag, 3, valTypeI32, valTypeI32, valTypeI32, 0)
	mod = appendSection(mod, 1, types)

	funcs := appendULEB(nil, uint32(len(kernelSpecs)))
	for _, s := range kernelSpecs {
		funcs = append(funcs, s.typeIdx)
	}
	mod = appendSection(mod, 3, funcs)

	mem := appendULEB(nil, 1)
	mem = append(mem, 0x00)
	mem = appendULEB(mem, initialPages)
	mod = appendSection(mod, 5, mem)

	exports := appendULEB(nil, uint32(len(kernelSpecs)+1))
	for idx, s := range kernelSpecs {
		exports = appendName(exports, s.export())
		exports = append(exports, 0x00)
		exports = appendULEB(exports, uint32(idx))
	}
	exports = appendName(exports, "memory")
	exports = append(exports, 0x02, 0x00)
	mod = appendSection(mod, 7, exports)

	code := appendULEB(nil, uint32(len(kernelSpecs)))
	for _, s := range kernelSpecs {
		body := kernelBody(s)
		code = appendULEB(code, uint32(len(body)))
		code = append(code, body...)
	}
	return appendSection(mod, 10, code)
}
