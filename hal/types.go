package hal

import (
	"strings"
)

// ElementType identifies the scalar type of buffer elements. The numeric
// values match the scalar type codes used in raw function signatures.
type ElementType uint8

const (
	Float32  ElementType = 0
	Float16  ElementType = 1
	Float64  ElementType = 2
	BFloat16 ElementType = 3
	Sint8    ElementType = 4
	Sint16   ElementType = 5
	Sint32   ElementType = 6
	Sint64   ElementType = 7
	Uint8    ElementType = 8
	Uint16   ElementType = 9
	Uint32   ElementType = 10
	Uint64   ElementType = 11
)

type elementInfo struct {
	name     string
	mnemonic string
	size     int
}

var elementTypes = [...]elementInfo{
	Float32:  {"float32", "f32", 4},
	Float16:  {"float16", "f16", 2},
	Float64:  {"float64", "f64", 8},
	BFloat16: {"bfloat16", "bf16", 2},
	Sint8:    {"sint8", "i8", 1},
	Sint16:   {"sint16", "i16", 2},
	Sint32:   {"sint32", "i32", 4},
	Sint64:   {"sint64", "i64", 8},
	Uint8:    {"uint8", "u8", 1},
	Uint16:   {"uint16", "u16", 2},
	Uint32:   {"uint32", "u32", 4},
	Uint64:   {"uint64", "u64", 8},
}

// Valid reports whether t is a known element type.
func (t ElementType) Valid() bool {
	return int(t) < len(elementTypes)
}

// Size returns the element size in bytes, or 0 for an unknown type.
func (t ElementType) Size() int {
	if !t.Valid() {
		return 0
	}
	return elementTypes[t].size
}

// String returns the signature name of the type, e.g. "float32".
func (t ElementType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return elementTypes[t].name
}

// Mnemonic returns the short buffer-string name of the type, e.g. "f32".
func (t ElementType) Mnemonic() string {
	if !t.Valid() {
		return "?"
	}
	return elementTypes[t].mnemonic
}

func (t ElementType) IsFloat() bool {
	return t == Float32 || t == Float16 || t == Float64 || t == BFloat16
}

func (t ElementType) IsSigned() bool {
	return t == Sint8 || t == Sint16 || t == Sint32 || t == Sint64
}

func (t ElementType) IsUnsigned() bool {
	return t == Uint8 || t == Uint16 || t == Uint32 || t == Uint64
}

// ParseMnemonic resolves a short type name such as "i32" or "f64".
func ParseMnemonic(s string) (ElementType, bool) {
	for i, info := range elementTypes {
		if info.mnemonic == s {
			return ElementType(i), true
		}
	}
	return 0, false
}

// MemoryType describes where buffer memory lives and how it is visible.
type MemoryType uint32

const (
	MemoryTypeNone          MemoryType = 0
	MemoryTypeTransient     MemoryType = 1 << 0
	MemoryTypeHostVisible   MemoryType = 1 << 1
	MemoryTypeHostCoherent  MemoryType = 1 << 2
	MemoryTypeHostCached    MemoryType = 1 << 3
	MemoryTypeHostLocal     MemoryType = MemoryTypeHostVisible | MemoryTypeHostCoherent
	MemoryTypeDeviceVisible MemoryType = 1 << 4
	MemoryTypeDeviceLocal   MemoryType = MemoryTypeDeviceVisible | 1<<5
)

var memoryTypeNames = []struct {
	bit  MemoryType
	name string
}{
	{MemoryTypeTransient, "TRANSIENT"},
	{MemoryTypeHostLocal, "HOST_LOCAL"},
	{MemoryTypeHostVisible, "HOST_VISIBLE"},
	{MemoryTypeHostCoherent, "HOST_COHERENT"},
	{MemoryTypeHostCached, "HOST_CACHED"},
	{MemoryTypeDeviceLocal, "DEVICE_LOCAL"},
	{MemoryTypeDeviceVisible, "DEVICE_VISIBLE"},
}

func (m MemoryType) String() string {
	if m == MemoryTypeNone {
		return "NONE"
	}
	var parts []string
	rest := m
	for _, n := range memoryTypeNames {
		if rest&n.bit == n.bit {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	return strings.Join(parts, "|")
}

// BufferUsage declares the operations a buffer may be used for.
type BufferUsage uint32

const (
	BufferUsageNone     BufferUsage = 0
	BufferUsageConstant BufferUsage = 1 << 0
	BufferUsageTransfer BufferUsage = 1 << 1
	BufferUsageMapping  BufferUsage = 1 << 2
	BufferUsageDispatch BufferUsage = 1 << 3
	BufferUsageAll      BufferUsage = BufferUsageTransfer | BufferUsageMapping | BufferUsageDispatch
)

func (u BufferUsage) String() string {
	if u == BufferUsageNone {
		return "NONE"
	}
	var parts []string
	if u&BufferUsageConstant != 0 {
		parts = append(parts, "CONSTANT")
	}
	if u&BufferUsageAll == BufferUsageAll {
		return strings.Join(append(parts, "ALL"), "|")
	}
	if u&BufferUsageTransfer != 0 {
		parts = append(parts, "TRANSFER")
	}
	if u&BufferUsageMapping != 0 {
		parts = append(parts, "MAPPING")
	}
	if u&BufferUsageDispatch != 0 {
		parts = append(parts, "DISPATCH")
	}
	return strings.Join(parts, "|")
}

// MemoryAccess declares how mapped memory will be accessed.
type MemoryAccess uint32

const (
	MemoryAccessNone         MemoryAccess = 0
	MemoryAccessRead         MemoryAccess = 1 << 0
	MemoryAccessWrite        MemoryAccess = 1 << 1
	MemoryAccessDiscard      MemoryAccess = 1 << 2
	MemoryAccessDiscardWrite MemoryAccess = MemoryAccessWrite | MemoryAccessDiscard
	MemoryAccessAll          MemoryAccess = MemoryAccessRead | MemoryAccessWrite | MemoryAccessDiscard
)

func (a MemoryAccess) String() string {
	switch a {
	case MemoryAccessNone:
		return "NONE"
	case MemoryAccessAll:
		return "ALL"
	case MemoryAccessDiscardWrite:
		return "DISCARD_WRITE"
	}
	var parts []string
	if a&MemoryAccessRead != 0 {
		parts = append(parts, "READ")
	}
	if a&MemoryAccessWrite != 0 {
		parts = append(parts, "WRITE")
	}
	if a&MemoryAccessDiscard != 0 {
		parts = append(parts, "DISCARD")
	}
	return strings.Join(parts, "|")
}
