// Package sig describes function signatures and reads and writes the raw
// mangled form stored in module reflection attributes.
//
// A mangled signature has an input span and a result span:
//
//	I<len>!<inputs>R<len>!<results>
//
// Each span and each item inside it is written as <tag><len>!<content> where
// len counts the '!' plus the content. Buffers use the tag 'B' and carry an
// optional element type ("t6") followed by one "d<extent>" per dimension.
// Float32 is implied when no type is given and an extent of -1 marks a
// dynamic dimension. Scalars use the tag 'S' and carry only a type.
//
//	I15!B11!d10d128d64R15!B11!t6d32d8d64
//	(Buffer<float32[10x128x64]>) -> (Buffer<sint32[32x8x64]>)
package sig

import (
	"strconv"
	"strings"

	"github.com/caffeineduck/vmrt/hal"
)

// Reflection attribute keys and the raw ABI version understood by this package.
const (
	AttrVersion   = "fv"
	AttrSignature = "f"
	RawVersion    = "1"
)

// DynamicDim marks a dimension whose extent is known only at call time.
const DynamicDim = -1

// Kind distinguishes the slot kinds of a signature.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "Buffer"
	case KindScalar:
		return "Scalar"
	default:
		return "Unknown"
	}
}

// Type describes one argument or result slot.
type Type struct {
	Kind    Kind
	Element hal.ElementType
	Dims    []int // buffers only
}

// Buffer returns a buffer slot type.
func Buffer(element hal.ElementType, dims ...int) Type {
	return Type{Kind: KindBuffer, Element: element, Dims: dims}
}

// Scalar returns a scalar slot type.
func Scalar(element hal.ElementType) Type {
	return Type{Kind: KindScalar, Element: element}
}

func (t Type) Rank() int {
	return len(t.Dims)
}

// IsStatic reports whether every dimension has a known extent.
func (t Type) IsStatic() bool {
	for _, d := range t.Dims {
		if d < 0 {
			return false
		}
	}
	return true
}

// Shape returns the dimensions as a hal.Shape. Dynamic dimensions are kept as -1.
func (t Type) Shape() hal.Shape {
	return hal.Shape(append([]int(nil), t.Dims...))
}

// ByteLength returns the storage size of a static buffer or a scalar, or -1
// when the size depends on dynamic dimensions.
func (t Type) ByteLength() int {
	if t.Kind == KindScalar {
		return t.Element.Size()
	}
	if !t.IsStatic() {
		return -1
	}
	return t.Shape().ElementCount() * t.Element.Size()
}

func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Element != o.Element || len(t.Dims) != len(o.Dims) {
		return false
	}
	for i := range t.Dims {
		if t.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

func (t Type) String() string {
	var b strings.Builder
	t.appendString(&b)
	return b.String()
}

func (t Type) appendString(b *strings.Builder) {
	if t.Kind == KindScalar {
		b.WriteString(t.Element.String())
		return
	}
	b.WriteString("Buffer<")
	b.WriteString(t.Element.String())
	b.WriteByte('[')
	for i, d := range t.Dims {
		if i > 0 {
			b.WriteByte('x')
		}
		if d < 0 {
			b.WriteByte('?')
		} else {
			b.WriteString(strconv.Itoa(d))
		}
	}
	b.WriteString("]>")
}

// Function is the parsed signature of an exported function.
type Function struct {
	Inputs  []Type
	Results []Type
}

func (f Function) String() string {
	var b strings.Builder
	writeTuple(&b, f.Inputs)
	b.WriteString(" -> ")
	writeTuple(&b, f.Results)
	return b.String()
}

func writeTuple(b *strings.Builder, types []Type) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		t.appendString(b)
	}
	b.WriteByte(')')
}

// Mangle returns the raw form of f.
func (f Function) Mangle() string {
	var b strings.Builder
	writeSpan(&b, 'I', mangleTuple(f.Inputs))
	writeSpan(&b, 'R', mangleTuple(f.Results))
	return b.String()
}

// Attrs returns the reflection attributes describing f.
func (f Function) Attrs() map[string]string {
	return map[string]string{
		AttrVersion:   RawVersion,
		AttrSignature: f.Mangle(),
	}
}

func mangleTuple(types []Type) string {
	var b strings.Builder
	for _, t := range types {
		var content strings.Builder
		if t.Kind == KindScalar || t.Element != hal.Float32 {
			content.WriteByte('t')
			content.WriteString(strconv.Itoa(int(t.Element)))
		}
		if t.Kind == KindScalar {
			writeSpan(&b, 'S', content.String())
			continue
		}
		for _, d := range t.Dims {
			content.WriteByte('d')
			content.WriteString(strconv.Itoa(d))
		}
		writeSpan(&b, 'B', content.String())
	}
	return b.String()
}

func writeSpan(b *strings.Builder, tag byte, content string) {
	b.WriteByte(tag)
	b.WriteString(strconv.Itoa(len(content) + 1))
	b.WriteByte('!')
	b.WriteString(content)
}
